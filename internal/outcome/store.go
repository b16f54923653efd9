// Package outcome persists one record per reply cycle and correlates later
// "sent" notifications back to the draft they fulfill.
package outcome

import (
	"context"
	"errors"
	"time"

	"github.com/driftlab/replygate/internal/domain"
)

// Store errors.
var (
	ErrNotFound = errors.New("outcome not found")
)

// Store is the durable outcome table.
//
// Invariant: at most one non-superseded outcome per conversation. SaveDraft
// enforces it atomically — a reader must never observe two non-superseded
// rows for one conversation, even mid-save.
type Store interface {
	// SaveDraft supersedes any drafted row for the outcome's conversation and
	// inserts the new row, as a single atomic operation.
	SaveDraft(ctx context.Context, o *domain.Outcome) error

	// GetByMessageID returns the outcome keyed by the draft's immutable
	// message id, or ErrNotFound.
	GetByMessageID(ctx context.Context, messageID string) (*domain.Outcome, error)

	// MarkSent records the sent content on a drafted outcome. Returns false
	// without modifying anything when the row is missing or not in drafted
	// state, which makes re-delivered sent notifications no-ops.
	MarkSent(ctx context.Context, messageID, sentSubject, sentBody, sentTo string, sentAt time.Time) (bool, error)

	// ListByConversation returns all outcomes for a conversation, newest first.
	ListByConversation(ctx context.Context, conversationID string) ([]domain.Outcome, error)
}
