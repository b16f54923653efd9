// Package pipeline defines the surface of the downstream drafting pipeline.
// The pipeline itself (classification, extraction, drafting, review) is an
// external collaborator; this service only hands it fetched messages and
// records what came back.
package pipeline

import (
	"context"

	"github.com/driftlab/replygate/internal/domain"
)

// Result is what the pipeline returns for one processed message.
type Result struct {
	// DraftMessageID is the immutable id of the reply draft the pipeline
	// created in the mailbox. It keys the outcome row and is how a later
	// "sent" notification is correlated back to this cycle.
	DraftMessageID string `json:"draft_message_id"`
	ConversationID string `json:"conversation_id"`
	Scenario       string `json:"scenario"`
	DraftSubject   string `json:"draft_subject"`
	DraftBody      string `json:"draft_body"`
}

// Processor runs the drafting pipeline for one message.
type Processor interface {
	Process(ctx context.Context, msg *domain.Message) (*Result, error)
}
