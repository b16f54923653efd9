// Package fetch resolves opaque resource ids to full message content via the
// upstream mail platform's REST API, absorbing its eventual consistency
// (404s on freshly notified resources) and throttling (429s) behind two
// independent retry policies.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/driftlab/replygate/internal/domain"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const selectFields = "id,conversationId,internetMessageId,subject,body,bodyPreview,from,toRecipients,isDraft,receivedDateTime,sentDateTime"

// Config tunes the fetch client.
type Config struct {
	BaseURL string
	Mailbox string

	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// NotFoundMaxAttempts bounds retries of 404 responses; the upstream may
	// take several seconds before a notified resource is readable.
	NotFoundMaxAttempts int
	NotFoundBaseDelay   time.Duration

	// ThrottleBaseDelay seeds the 429 backoff. Throttle waits are tracked
	// separately and never consume a not-found attempt.
	ThrottleBaseDelay time.Duration

	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
}

// Client fetches messages with retry.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a fetch client. When client credentials are configured the
// HTTP client carries an oauth2 token source; otherwise requests go out bare
// (mock upstreams, tests).
func NewClient(cfg Config) *Client {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = cfg.RequestTimeout
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// HTTPClient exposes the underlying authorized HTTP client so other upstream
// callers (subscription management) share the same token source.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// GetMessage resolves a resource id to full message content.
//
// Not-found responses retry up to NotFoundMaxAttempts with exponential backoff
// from NotFoundBaseDelay; exhaustion returns ErrNotFoundExhausted. Throttle
// responses back off independently (from ThrottleBaseDelay, doubling, honoring
// Retry-After when larger) and do not count against the not-found budget.
// Any other failure returns immediately.
func (c *Client) GetMessage(ctx context.Context, resourceID string) (*domain.Message, error) {
	notFoundAttempts := 0
	throttleDelay := c.cfg.ThrottleBaseDelay

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		msg, err := c.getOnce(ctx, resourceID)
		if err == nil {
			return msg, nil
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			delay := throttleDelay
			if rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			slog.Debug("fetch throttled, backing off",
				"resource_id", resourceID,
				"delay", delay,
			)
			if !sleep(ctx, delay) {
				return nil, ctx.Err()
			}
			throttleDelay *= 2
			continue
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		notFoundAttempts++
		if notFoundAttempts >= c.cfg.NotFoundMaxAttempts {
			slog.Warn("fetch retry budget exhausted",
				"resource_id", resourceID,
				"attempts", notFoundAttempts,
			)
			return nil, fmt.Errorf("fetch %s: %w", resourceID, ErrNotFoundExhausted)
		}

		delay := c.cfg.NotFoundBaseDelay << (notFoundAttempts - 1)
		slog.Debug("fetch not found, retrying",
			"resource_id", resourceID,
			"attempt", notFoundAttempts,
			"delay", delay,
		)
		if !sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

func (c *Client) getOnce(ctx context.Context, resourceID string) (*domain.Message, error) {
	url := fmt.Sprintf("%s/%s/messages/%s?$select=%s",
		c.cfg.BaseURL, mailboxPath(c.cfg.Mailbox), resourceID, selectFields)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return parseMessage(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

func mailboxPath(mailbox string) string {
	if mailbox == "" || mailbox == "me" {
		return "me"
	}
	return "users/" + mailbox
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// graphMessage mirrors the subset of the upstream message schema we read.
type graphMessage struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	InternetMessageID string `json:"internetMessageId"`
	Subject           string `json:"subject"`
	BodyPreview       string `json:"bodyPreview"`
	IsDraft           bool   `json:"isDraft"`
	ReceivedDateTime  string `json:"receivedDateTime"`
	SentDateTime      string `json:"sentDateTime"`
	Body              struct {
		Content string `json:"content"`
	} `json:"body"`
	From struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ToRecipients []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"toRecipients"`
}

func parseMessage(r io.Reader) (*domain.Message, error) {
	var gm graphMessage
	if err := json.NewDecoder(r).Decode(&gm); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	msg := &domain.Message{
		ID:             gm.ID,
		ConversationID: gm.ConversationID,
		InternetMsgID:  gm.InternetMessageID,
		Subject:        gm.Subject,
		Body:           gm.Body.Content,
		BodyPreview:    gm.BodyPreview,
		Sender:         gm.From.EmailAddress.Address,
		IsDraft:        gm.IsDraft,
	}

	for _, r := range gm.ToRecipients {
		msg.ToRecipients = append(msg.ToRecipients, r.EmailAddress.Address)
	}

	if t, err := time.Parse(time.RFC3339, gm.ReceivedDateTime); err == nil {
		msg.ReceivedDateTime = t
	}
	if t, err := time.Parse(time.RFC3339, gm.SentDateTime); err == nil {
		msg.SentDateTime = t
	}

	return msg, nil
}

// sleep waits for duration or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
