// Package intake terminates the change-notification webhook: it validates,
// classifies, and enqueues notifications, and answers the provider's
// subscription validation handshake.
package intake

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/driftlab/replygate/internal/admission"
	"github.com/driftlab/replygate/internal/dispatch"
	"github.com/driftlab/replygate/internal/domain"
	"github.com/driftlab/replygate/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Config contains intake handler configuration.
type Config struct {
	ClientState    string
	EnqueueTimeout time.Duration
}

// Handler handles HTTP requests for the notification webhook.
type Handler struct {
	config    Config
	queue     *dispatch.Queue
	router    *Router
	allowList admission.AllowList
	validator *validator.Validate
}

// NewHandler creates a new intake handler.
func NewHandler(config Config, queue *dispatch.Queue, router *Router, allowList admission.AllowList) *Handler {
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = 200 * time.Millisecond
	}
	return &Handler{
		config:    config,
		queue:     queue,
		router:    router,
		allowList: allowList,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the webhook routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.Notifications)
}

// changeNotification is one entry of an inbound notification batch.
type changeNotification struct {
	SubscriptionID string        `json:"subscriptionId" validate:"required"`
	ChangeType     string        `json:"changeType" validate:"required"`
	ClientState    string        `json:"clientState"`
	Resource       string        `json:"resource"`
	ResourceData   *resourceData `json:"resourceData"`
}

// resourceData carries the optional payload hints some upstream variants
// include alongside the resource path.
type resourceData struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
}

// notificationBatch is the envelope the provider posts.
type notificationBatch struct {
	Value []changeNotification `json:"value"`
}

// receipt summarizes what intake did with a batch.
type receipt struct {
	Enqueued int `json:"enqueued"`
	Dropped  int `json:"dropped"`
}

// Notifications handles POST /notifications.
//
// A request carrying ?validationToken= is the subscription validation
// handshake and gets the token echoed back verbatim as text/plain. Everything
// else is a notification batch: each entry is validated, classified, and
// enqueued; the response is 202 with a receipt, or 503 when the queue
// rejected an entry so the provider redelivers the batch.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		httputil.Text(w, http.StatusOK, token)
		return
	}

	var batch notificationBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		// A malformed body is acknowledged so the provider does not
		// redeliver what will never parse.
		slog.Warn("malformed notification batch", "error", err)
		httputil.JSON(w, http.StatusAccepted, receipt{})
		return
	}

	var rcpt receipt
	for i := range batch.Value {
		n := &batch.Value[i]

		accepted, full := h.admit(r.Context(), n)
		if full {
			httputil.Error(w, http.StatusServiceUnavailable, "queue full, retry later")
			return
		}
		if accepted {
			rcpt.Enqueued++
		} else {
			rcpt.Dropped++
		}
	}

	httputil.JSON(w, http.StatusAccepted, rcpt)
}

// admit validates and enqueues a single notification. It reports whether the
// item was enqueued, and separately whether the queue refused it outright.
func (h *Handler) admit(ctx context.Context, n *changeNotification) (accepted, full bool) {
	if err := h.validator.Struct(n); err != nil {
		slog.Warn("invalid notification", "error", err)
		recordNotification(string(domain.StreamUnknown), "invalid")
		return false, false
	}

	if h.config.ClientState != "" && n.ClientState != h.config.ClientState {
		slog.Warn("client state mismatch, dropping",
			"subscription_id", n.SubscriptionID,
		)
		recordNotification(string(domain.StreamUnknown), "client_state_mismatch")
		return false, false
	}

	if n.ChangeType != string(domain.ChangeTypeCreated) {
		slog.Debug("ignoring change type",
			"subscription_id", n.SubscriptionID,
			"change_type", n.ChangeType,
		)
		recordNotification(string(domain.StreamUnknown), "change_type")
		return false, false
	}

	resourceID := resourceIDOf(n)
	if resourceID == "" {
		slog.Warn("notification without resource id", "subscription_id", n.SubscriptionID)
		recordNotification(string(domain.StreamUnknown), "no_resource_id")
		return false, false
	}

	stream := h.router.Classify(n.SubscriptionID)
	if stream == domain.StreamUnknown {
		slog.Warn("notification from unknown subscription, dropping",
			"subscription_id", n.SubscriptionID,
		)
		recordNotification(string(stream), "unknown_subscription")
		return false, false
	}

	// A sender hint lets us reject disallowed senders before the item costs
	// a fetch; items without a hint are filtered by the worker after fetch.
	if stream == domain.StreamPrimary && n.ResourceData != nil && n.ResourceData.Sender != "" {
		if !h.allowList.Allowed(n.ResourceData.Sender) {
			slog.Info("sender not allowed, dropping",
				"resource_id", resourceID,
				"sender", n.ResourceData.Sender,
			)
			recordNotification(string(stream), "filtered")
			return false, false
		}
	}

	item := dispatch.WorkItem{
		Notification: domain.Notification{
			SubscriptionID: n.SubscriptionID,
			ResourceID:     resourceID,
			ChangeType:     domain.ChangeType(n.ChangeType),
			ClientState:    n.ClientState,
			Stream:         stream,
			ReceivedAt:     time.Now(),
		},
	}
	if n.ResourceData != nil {
		item.Notification.ConversationID = n.ResourceData.ConversationID
		item.Notification.Sender = n.ResourceData.Sender
	}

	enqCtx, cancel := context.WithTimeout(ctx, h.config.EnqueueTimeout)
	defer cancel()

	if err := h.queue.Enqueue(enqCtx, item); err != nil {
		slog.Warn("work queue full, rejecting batch",
			"resource_id", resourceID,
			"stream", stream,
		)
		recordNotification(string(stream), "queue_full")
		return false, true
	}

	recordNotification(string(stream), "enqueued")
	return true, false
}

// resourceIDOf extracts the message id, falling back to the last path segment
// of the resource string ("users/{id}/messages/{id}") when resourceData is
// absent.
func resourceIDOf(n *changeNotification) string {
	if n.ResourceData != nil && n.ResourceData.ID != "" {
		return n.ResourceData.ID
	}
	if n.Resource == "" {
		return ""
	}
	parts := strings.Split(strings.Trim(n.Resource, "/"), "/")
	last := parts[len(parts)-1]
	if len(parts) < 2 || !strings.EqualFold(parts[len(parts)-2], "messages") {
		return ""
	}
	return last
}
