package domain

import "time"

// Stream identifies which logical subscription a notification belongs to.
type Stream string

// Streams.
const (
	StreamPrimary Stream = "primary"
	StreamSent    Stream = "sent"
	StreamUnknown Stream = "unknown"
)

// ChangeType represents the kind of mailbox change reported by the upstream.
type ChangeType string

// Change types.
const (
	ChangeTypeCreated ChangeType = "created"
	ChangeTypeUpdated ChangeType = "updated"
	ChangeTypeDeleted ChangeType = "deleted"
)

// Notification is one inbound change notification. It is ephemeral: once the
// dispatch decision is made the notification is discarded.
type Notification struct {
	SubscriptionID string
	ResourceID     string
	ChangeType     ChangeType
	ClientState    string
	Stream         Stream

	// Optional hints carried by some upstream payloads. Empty when absent;
	// the worker resolves them from the fetched message instead.
	ConversationID string
	Sender         string

	ReceivedAt time.Time
}

// Message is the full content resolved from a resource id.
type Message struct {
	ID               string
	ConversationID   string
	InternetMsgID    string
	Sender           string
	Subject          string
	Body             string
	BodyPreview      string
	ToRecipients     []string
	IsDraft          bool
	ReceivedDateTime time.Time
	SentDateTime     time.Time
}
