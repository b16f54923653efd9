package outcome

import (
	"net/http"

	"github.com/driftlab/replygate/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Handler exposes read-only outcome lookups for operators.
type Handler struct {
	store Store
}

// NewHandler creates a new outcome handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers the outcome read routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/outcomes/{messageID}", h.GetOutcome)
	r.Get("/conversations/{conversationID}/outcomes", h.ListConversationOutcomes)
}

// GetOutcome handles GET /outcomes/{messageID}.
func (h *Handler) GetOutcome(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	o, err := h.store.GetByMessageID(r.Context(), messageID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: ErrNotFound, Status: http.StatusNotFound, Message: "outcome not found"},
		})
		return
	}

	httputil.Success(w, http.StatusOK, o)
}

// ListConversationOutcomes handles GET /conversations/{conversationID}/outcomes.
func (h *Handler) ListConversationOutcomes(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	outcomes, err := h.store.ListByConversation(r.Context(), conversationID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}

	httputil.Success(w, http.StatusOK, outcomes)
}
