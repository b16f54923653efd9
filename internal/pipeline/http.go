package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftlab/replygate/internal/domain"
)

const defaultTimeout = 2 * time.Minute

// Config holds HTTP processor configuration.
type Config struct {
	URL     string
	Timeout time.Duration // covers the whole drafting run, not a single hop
}

// HTTPProcessor invokes the drafting pipeline over HTTP: it POSTs the fetched
// message and decodes the draft result.
type HTTPProcessor struct {
	config     Config
	httpClient *http.Client
}

// NewHTTPProcessor creates an HTTP pipeline processor.
func NewHTTPProcessor(config Config) (*HTTPProcessor, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("pipeline processor: url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &HTTPProcessor{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type processRequest struct {
	MessageID      string   `json:"message_id"`
	ConversationID string   `json:"conversation_id"`
	Sender         string   `json:"sender"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	ToRecipients   []string `json:"to_recipients"`
}

// Process implements Processor.
func (p *HTTPProcessor) Process(ctx context.Context, msg *domain.Message) (*Result, error) {
	payload, err := json.Marshal(processRequest{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Subject:        msg.Subject,
		Body:           msg.Body,
		ToRecipients:   msg.ToRecipients,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal process request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Message: fmt.Sprintf("pipeline request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode pipeline result: %w", err)
		}
		if result.DraftMessageID == "" || result.ConversationID == "" {
			return nil, &PermanentError{Message: "pipeline result missing draft or conversation id"}
		}
		slog.Debug("pipeline produced draft",
			"draft_message_id", result.DraftMessageID,
			"conversation_id", result.ConversationID,
		)
		return &result, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Code: resp.StatusCode, Message: "pipeline unavailable"}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &PermanentError{Code: resp.StatusCode, Message: string(body)}
	}
}

// PermanentError indicates the pipeline rejected the message for good.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("pipeline error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("pipeline error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// TransientError indicates a temporary pipeline failure worth requeueing.
type TransientError struct {
	Code    int
	Message string
}

func (e *TransientError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("pipeline error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("pipeline error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *TransientError) IsRetryable() bool { return true }
