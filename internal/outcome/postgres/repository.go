// Package postgres provides the PostgreSQL implementation of the outcome store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftlab/replygate/internal/domain"
	"github.com/driftlab/replygate/internal/outcome"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements outcome.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// SaveDraft supersedes any drafted row for the conversation and inserts the
// new row in a single transaction, so readers never observe two
// non-superseded rows for one conversation.
func (r *Repository) SaveDraft(ctx context.Context, o *domain.Outcome) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save draft: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE outcomes
		SET status = 'superseded', superseded_at = now()
		WHERE conversation_id = $1 AND status = 'drafted'
	`, o.ConversationID)
	if err != nil {
		return fmt.Errorf("supersede drafts: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO outcomes (message_id, conversation_id, reply_to_message_id, scenario, status, draft_subject, draft_body)
		VALUES ($1, $2, $3, $4, 'drafted', $5, $6)
		RETURNING created_at
	`,
		o.MessageID,
		o.ConversationID,
		o.ReplyToMessageID,
		o.Scenario,
		o.DraftSubject,
		o.DraftBody,
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	o.Status = domain.OutcomeStatusDrafted

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save draft: %w", err)
	}
	return nil
}

// GetByMessageID retrieves an outcome by the draft's immutable message id.
func (r *Repository) GetByMessageID(ctx context.Context, messageID string) (*domain.Outcome, error) {
	query := `
		SELECT message_id, conversation_id, reply_to_message_id, scenario, status,
		       draft_subject, draft_body, sent_subject, sent_body, sent_to,
		       created_at, superseded_at, sent_at
		FROM outcomes
		WHERE message_id = $1
	`
	o, err := scanOutcome(r.db.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outcome.ErrNotFound
		}
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	return o, nil
}

// MarkSent records sent content on a drafted outcome. The conditional UPDATE
// makes re-deliveries no-ops.
func (r *Repository) MarkSent(ctx context.Context, messageID, sentSubject, sentBody, sentTo string, sentAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outcomes
		SET status = 'sent', sent_subject = $2, sent_body = $3, sent_to = $4, sent_at = $5
		WHERE message_id = $1 AND status = 'drafted'
	`, messageID, sentSubject, sentBody, sentTo, sentAt)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByConversation retrieves all outcomes for a conversation, newest first.
func (r *Repository) ListByConversation(ctx context.Context, conversationID string) ([]domain.Outcome, error) {
	query := `
		SELECT message_id, conversation_id, reply_to_message_id, scenario, status,
		       draft_subject, draft_body, sent_subject, sent_body, sent_to,
		       created_at, superseded_at, sent_at
		FROM outcomes
		WHERE conversation_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, *o)
	}
	return outcomes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*domain.Outcome, error) {
	var o domain.Outcome
	var sentSubject, sentBody, sentTo *string

	err := row.Scan(
		&o.MessageID,
		&o.ConversationID,
		&o.ReplyToMessageID,
		&o.Scenario,
		&o.Status,
		&o.DraftSubject,
		&o.DraftBody,
		&sentSubject,
		&sentBody,
		&sentTo,
		&o.CreatedAt,
		&o.SupersededAt,
		&o.SentAt,
	)
	if err != nil {
		return nil, err
	}

	if sentSubject != nil {
		o.SentSubject = *sentSubject
	}
	if sentBody != nil {
		o.SentBody = *sentBody
	}
	if sentTo != nil {
		o.SentTo = *sentTo
	}

	return &o, nil
}
