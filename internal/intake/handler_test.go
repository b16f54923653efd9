package intake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/driftlab/replygate/internal/admission"
	"github.com/driftlab/replygate/internal/dispatch"
	"github.com/driftlab/replygate/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, queueCapacity int, senders []string) (*Handler, *dispatch.Queue) {
	t.Helper()

	queue := dispatch.NewQueue(queueCapacity)
	router := NewRouter()
	router.Register("sub-primary", domain.StreamPrimary)
	router.Register("sub-sent", domain.StreamSent)

	h := NewHandler(Config{
		ClientState:    "secret-state",
		EnqueueTimeout: 20 * time.Millisecond,
	}, queue, router, admission.NewStaticAllowList(senders))

	return h, queue
}

func serve(h *Handler, r *http.Request) *httptest.ResponseRecorder {
	mux := chi.NewRouter()
	h.RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func notificationJSON(subscriptionID, changeType, resourceID string) string {
	return `{
		"subscriptionId": "` + subscriptionID + `",
		"changeType": "` + changeType + `",
		"clientState": "secret-state",
		"resource": "users/u1/messages/` + resourceID + `",
		"resourceData": {"id": "` + resourceID + `"}
	}`
}

func batchBody(notifications ...string) string {
	return `{"value": [` + strings.Join(notifications, ",") + `]}`
}

func decodeReceipt(t *testing.T, w *httptest.ResponseRecorder) receipt {
	t.Helper()
	var rcpt receipt
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rcpt))
	return rcpt
}

func TestHandler_ValidationHandshake(t *testing.T) {
	h, _ := newTestHandler(t, 4, nil)

	req := httptest.NewRequest(http.MethodPost, "/notifications?validationToken=tok%20123", nil)
	w := serve(h, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "tok 123", w.Body.String(), "token echoed verbatim, decoded")
}

func TestHandler_Notifications(t *testing.T) {
	t.Run("enqueues a valid batch", func(t *testing.T) {
		h, queue := newTestHandler(t, 4, nil)

		body := batchBody(
			notificationJSON("sub-primary", "created", "m1"),
			notificationJSON("sub-sent", "created", "m2"),
		)
		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)))

		assert.Equal(t, http.StatusAccepted, w.Code)
		rcpt := decodeReceipt(t, w)
		assert.Equal(t, 2, rcpt.Enqueued)
		assert.Equal(t, 0, rcpt.Dropped)
		assert.Equal(t, 2, queue.Len())

		first := <-queue.Items()
		assert.Equal(t, "m1", first.Notification.ResourceID)
		assert.Equal(t, domain.StreamPrimary, first.Notification.Stream)

		second := <-queue.Items()
		assert.Equal(t, "m2", second.Notification.ResourceID)
		assert.Equal(t, domain.StreamSent, second.Notification.Stream)
	})

	t.Run("malformed body is acknowledged without enqueueing", func(t *testing.T) {
		h, queue := newTestHandler(t, 4, nil)

		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader("{not json")))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, 0, queue.Len())
	})

	t.Run("drops on client state mismatch", func(t *testing.T) {
		h, queue := newTestHandler(t, 4, nil)

		body := `{"value": [{
			"subscriptionId": "sub-primary",
			"changeType": "created",
			"clientState": "wrong",
			"resourceData": {"id": "m1"}
		}]}`
		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)))

		assert.Equal(t, http.StatusAccepted, w.Code)
		rcpt := decodeReceipt(t, w)
		assert.Equal(t, 0, rcpt.Enqueued)
		assert.Equal(t, 1, rcpt.Dropped)
		assert.Equal(t, 0, queue.Len())
	})

	t.Run("drops non-created change types", func(t *testing.T) {
		h, queue := newTestHandler(t, 4, nil)

		body := batchBody(notificationJSON("sub-primary", "deleted", "m1"))
		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, 1, decodeReceipt(t, w).Dropped)
		assert.Equal(t, 0, queue.Len())
	})

	t.Run("drops unknown subscriptions", func(t *testing.T) {
		h, queue := newTestHandler(t, 4, nil)

		body := batchBody(notificationJSON("sub-mystery", "created", "m1"))
		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, 1, decodeReceipt(t, w).Dropped)
		assert.Equal(t, 0, queue.Len())
	})

	t.Run("drops disallowed sender hints before enqueue", func(t *testing.T) {
		h, queue := newTestHandler(t, 4, []string{"good@example.com"})

		body := `{"value": [{
			"subscriptionId": "sub-primary",
			"changeType": "created",
			"clientState": "secret-state",
			"resourceData": {"id": "m1", "sender": "bad@example.com"}
		}]}`
		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, 1, decodeReceipt(t, w).Dropped)
		assert.Equal(t, 0, queue.Len())
	})

	t.Run("falls back to the resource path for the id", func(t *testing.T) {
		h, queue := newTestHandler(t, 4, nil)

		body := `{"value": [{
			"subscriptionId": "sub-primary",
			"changeType": "created",
			"clientState": "secret-state",
			"resource": "users/u1/messages/m-from-path"
		}]}`
		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)))

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, 1, decodeReceipt(t, w).Enqueued)

		item := <-queue.Items()
		assert.Equal(t, "m-from-path", item.Notification.ResourceID)
	})

	t.Run("full queue rejects the batch as retriable", func(t *testing.T) {
		h, queue := newTestHandler(t, 1, nil)

		body := batchBody(
			notificationJSON("sub-primary", "created", "m1"),
			notificationJSON("sub-primary", "created", "m2"),
		)
		w := serve(h, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body)))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, 1, queue.Len(), "the item that fit stays queued")
	})
}

func TestResourceIDOf(t *testing.T) {
	tests := []struct {
		name     string
		n        changeNotification
		expected string
	}{
		{
			name:     "resourceData wins",
			n:        changeNotification{Resource: "users/u1/messages/other", ResourceData: &resourceData{ID: "m1"}},
			expected: "m1",
		},
		{
			name:     "resource path fallback",
			n:        changeNotification{Resource: "users/u1/messages/m2"},
			expected: "m2",
		},
		{
			name:     "trailing slash tolerated",
			n:        changeNotification{Resource: "users/u1/Messages/m3/"},
			expected: "m3",
		},
		{
			name:     "non-message resource rejected",
			n:        changeNotification{Resource: "users/u1/events/e1"},
			expected: "",
		},
		{
			name:     "empty",
			n:        changeNotification{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resourceIDOf(&tt.n))
		})
	}
}
