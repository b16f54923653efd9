package domain

import "time"

// OutcomeStatus represents the lifecycle state of one reply cycle.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeStatusDrafted    OutcomeStatus = "drafted"
	OutcomeStatusSent       OutcomeStatus = "sent"
	OutcomeStatusSuperseded OutcomeStatus = "superseded"
)

// Outcome is the persisted record of one reply cycle, keyed by the draft's
// immutable message id. At most one non-superseded outcome exists per
// conversation at any instant.
type Outcome struct {
	MessageID        string        `json:"message_id"`
	ConversationID   string        `json:"conversation_id"`
	ReplyToMessageID string        `json:"reply_to_message_id"`
	Scenario         string        `json:"scenario"`
	Status           OutcomeStatus `json:"status"`

	DraftSubject string `json:"draft_subject"`
	DraftBody    string `json:"draft_body"`

	SentSubject string `json:"sent_subject,omitempty"`
	SentBody    string `json:"sent_body,omitempty"`
	SentTo      string `json:"sent_to,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}
