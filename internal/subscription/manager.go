// Package subscription manages the change-notification subscriptions on the
// upstream mail platform: one on the watched folder and one on sent items,
// kept alive by periodic renewal.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/driftlab/replygate/internal/domain"
	"github.com/driftlab/replygate/internal/intake"
	"github.com/google/uuid"
)

// maxExpirationMinutes is the upstream ceiling for message subscriptions.
const maxExpirationMinutes = 4230

// Config contains subscription manager configuration.
type Config struct {
	BaseURL         string
	NotificationURL string
	ClientState     string

	PrimaryResource string
	SentResource    string

	ExpirationMinutes int
	RenewInterval     time.Duration
	RequestTimeout    time.Duration
}

// Manager creates, renews, and tears down the two subscriptions.
type Manager struct {
	config     Config
	httpClient *http.Client
	router     *intake.Router

	mu   sync.Mutex
	subs map[string]domain.Stream // subscription id -> stream

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a subscription manager. A missing client state is
// generated so notifications are always verifiable.
func NewManager(config Config, httpClient *http.Client, router *intake.Router) *Manager {
	if config.ClientState == "" {
		config.ClientState = uuid.NewString()
	}
	if config.ExpirationMinutes <= 0 || config.ExpirationMinutes > maxExpirationMinutes {
		config.ExpirationMinutes = maxExpirationMinutes
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &Manager{
		config:     config,
		httpClient: httpClient,
		router:     router,
		subs:       make(map[string]domain.Stream),
		stopCh:     make(chan struct{}),
	}
}

// ClientState returns the client state stamped into both subscriptions.
func (m *Manager) ClientState() string {
	return m.config.ClientState
}

// Start creates both subscriptions and launches the renewal loop.
func (m *Manager) Start(ctx context.Context) error {
	primaryID, err := m.create(ctx, m.config.PrimaryResource, false)
	if err != nil {
		return fmt.Errorf("create primary subscription: %w", err)
	}
	m.register(primaryID, domain.StreamPrimary)

	sentID, err := m.create(ctx, m.config.SentResource, true)
	if err != nil {
		return fmt.Errorf("create sent subscription: %w", err)
	}
	m.register(sentID, domain.StreamSent)

	slog.Info("subscriptions created",
		"primary_id", primaryID,
		"sent_id", sentID,
		"expires_in_minutes", m.config.ExpirationMinutes,
	)

	m.wg.Add(1)
	go m.renewLoop(ctx)
	return nil
}

// Stop halts renewal and deletes both subscriptions.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.RequestTimeout)
	defer cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.delete(ctx, id); err != nil {
			slog.Error("delete subscription failed", "subscription_id", id, "error", err)
			continue
		}
		m.router.Deregister(id)
		slog.Info("subscription deleted", "subscription_id", id)
	}
}

func (m *Manager) register(id string, stream domain.Stream) {
	m.mu.Lock()
	m.subs[id] = stream
	m.mu.Unlock()
	m.router.Register(id, stream)
}

func (m *Manager) renewLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.renewAll(ctx)
		}
	}
}

func (m *Manager) renewAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.renew(ctx, id); err != nil {
			slog.Error("renew subscription failed", "subscription_id", id, "error", err)
			m.recreate(ctx, id)
			continue
		}
		slog.Debug("subscription renewed", "subscription_id", id)
	}
}

// recreate replaces a subscription the upstream no longer recognizes. The old
// id is dropped from the router so its notifications stop classifying.
func (m *Manager) recreate(ctx context.Context, oldID string) {
	m.mu.Lock()
	stream, ok := m.subs[oldID]
	if ok {
		delete(m.subs, oldID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.router.Deregister(oldID)

	resource := m.config.PrimaryResource
	if stream == domain.StreamSent {
		resource = m.config.SentResource
	}

	id, err := m.create(ctx, resource, stream == domain.StreamSent)
	if err != nil {
		slog.Error("recreate subscription failed", "stream", stream, "error", err)
		return
	}
	m.register(id, stream)
	slog.Info("subscription recreated", "subscription_id", id, "stream", stream)
}

type subscriptionRequest struct {
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState"`
}

type subscriptionResponse struct {
	ID string `json:"id"`
}

func (m *Manager) expiration() string {
	d := time.Duration(m.config.ExpirationMinutes) * time.Minute
	return time.Now().UTC().Add(d).Format(time.RFC3339)
}

// create registers a subscription. Sent-item subscriptions request immutable
// ids so the id seen at notification time matches the id stored at draft time.
func (m *Manager) create(ctx context.Context, resource string, immutable bool) (string, error) {
	body, err := json.Marshal(subscriptionRequest{
		ChangeType:         string(domain.ChangeTypeCreated),
		NotificationURL:    m.config.NotificationURL,
		Resource:           resource,
		ExpirationDateTime: m.expiration(),
		ClientState:        m.config.ClientState,
	})
	if err != nil {
		return "", fmt.Errorf("marshal subscription: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.config.BaseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if immutable {
		req.Header.Set("Prefer", `IdType="ImmutableId"`)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", upstreamError("create subscription", resp)
	}

	var sub subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == "" {
		return "", fmt.Errorf("create subscription: empty id in response")
	}
	return sub.ID, nil
}

func (m *Manager) renew(ctx context.Context, id string) error {
	body, err := json.Marshal(map[string]string{"expirationDateTime": m.expiration()})
	if err != nil {
		return fmt.Errorf("marshal renewal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		m.config.BaseURL+"/subscriptions/"+id, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return upstreamError("renew subscription", resp)
	}
	return nil
}

func (m *Manager) delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		m.config.BaseURL+"/subscriptions/"+id, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return upstreamError("delete subscription", resp)
	}
	return nil
}

func upstreamError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, string(body))
}
