package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/driftlab/replygate/internal/domain"
)

// Fetcher resolves a resource id to full message content.
type Fetcher interface {
	GetMessage(ctx context.Context, resourceID string) (*domain.Message, error)
}

// Correlator handles sent-stream notifications: a message landing in the sent
// folder whose immutable id matches a drafted outcome means a human sent our
// draft. The id equality is the entire correlation mechanism.
type Correlator struct {
	store   Store
	fetcher Fetcher
}

// NewCorrelator creates a correlation engine.
func NewCorrelator(store Store, fetcher Fetcher) *Correlator {
	return &Correlator{store: store, fetcher: fetcher}
}

// HandleSent processes one sent-stream notification. Misses (manually
// composed mail) and re-deliveries are no-ops, not errors.
func (c *Correlator) HandleSent(ctx context.Context, resourceID string) error {
	o, err := c.store.GetByMessageID(ctx, resourceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Not one of our drafts.
			slog.Debug("sent notification without matching draft",
				"message_id", resourceID,
			)
			recordCorrelation("miss")
			return nil
		}
		return fmt.Errorf("look up outcome: %w", err)
	}

	if o.Status != domain.OutcomeStatusDrafted {
		slog.Debug("sent notification for finalized outcome",
			"message_id", resourceID,
			"status", o.Status,
		)
		recordCorrelation("stale")
		return nil
	}

	msg, err := c.fetcher.GetMessage(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("fetch sent message %s: %w", resourceID, err)
	}

	sentTo := ""
	if len(msg.ToRecipients) > 0 {
		sentTo = msg.ToRecipients[0]
	}

	applied, err := c.store.MarkSent(ctx, resourceID, msg.Subject, msg.Body, sentTo, msg.SentDateTime)
	if err != nil {
		return fmt.Errorf("mark outcome sent: %w", err)
	}

	if !applied {
		// Lost a race with a concurrent delivery of the same notification.
		slog.Debug("sent correlation already applied", "message_id", resourceID)
		recordCorrelation("stale")
		return nil
	}

	slog.Info("draft correlated as sent",
		"message_id", resourceID,
		"conversation_id", o.ConversationID,
	)
	recordCorrelation("sent")
	return nil
}
