// Package dispatch owns the bounded worker pool that drains the intake queue
// and drives each work item through its full lifecycle: admit, fetch,
// pipeline, outcome.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlab/replygate/internal/admission"
	"github.com/driftlab/replygate/internal/dedup"
	"github.com/driftlab/replygate/internal/domain"
	"github.com/driftlab/replygate/internal/fetch"
	"github.com/driftlab/replygate/internal/outcome"
	"github.com/driftlab/replygate/internal/pipeline"
)

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	NumWorkers     int
	MaxAttempts    int
	RequeueTimeout time.Duration
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:     4,
		MaxAttempts:    3,
		RequeueTimeout: 100 * time.Millisecond,
	}
}

// Fetcher resolves a resource id to full message content.
type Fetcher interface {
	GetMessage(ctx context.Context, resourceID string) (*domain.Message, error)
}

// Pool is a fixed-size set of workers consuming the shared work queue.
type Pool struct {
	config     PoolConfig
	queue      *Queue
	gate       dedup.Gate
	fetcher    Fetcher
	processor  pipeline.Processor
	outcomes   outcome.Store
	correlator *outcome.Correlator
	allowList  admission.AllowList

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(
	config PoolConfig,
	queue *Queue,
	gate dedup.Gate,
	fetcher Fetcher,
	processor pipeline.Processor,
	outcomes outcome.Store,
	correlator *outcome.Correlator,
	allowList admission.AllowList,
) *Pool {
	return &Pool{
		config:     config,
		queue:      queue,
		gate:       gate,
		fetcher:    fetcher,
		processor:  processor,
		outcomes:   outcomes,
		correlator: correlator,
		allowList:  allowList,
		stopCh:     make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("starting worker pool",
		"workers", p.config.NumWorkers,
		"max_attempts", p.config.MaxAttempts,
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop gracefully stops all workers. In-flight items run to completion.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case item := <-p.queue.Items():
			recordQueueDepth(p.queue.Len())
			p.processItem(ctx, workerID, item)
		}
	}
}

func (p *Pool) processItem(ctx context.Context, workerID int, item WorkItem) {
	start := time.Now()
	n := item.Notification

	defer func() {
		recordProcessDuration(string(n.Stream), time.Since(start))
	}()

	if n.Stream == domain.StreamSent {
		p.processSent(ctx, item)
		return
	}

	decision, err := p.gate.Admit(ctx, n.ResourceID, n.ConversationID)
	if err != nil {
		// Gate unavailable: drop rather than spin; the upstream redelivers.
		slog.Error("dedup admit failed", "worker", workerID, "resource_id", n.ResourceID, "error", err)
		recordItem(string(n.Stream), "admit_error")
		return
	}

	if decision != dedup.DecisionAdmit {
		slog.Debug("notification suppressed",
			"worker", workerID,
			"resource_id", n.ResourceID,
			"decision", decision,
		)
		recordItem(string(n.Stream), string(decision))
		return
	}

	msg, err := p.fetcher.GetMessage(ctx, n.ResourceID)
	if err != nil {
		p.handleFetchError(ctx, item, err)
		return
	}

	// The dedup record for a filtered sender must stay clear so the id is
	// eligible again in a future subscription cycle.
	if !p.allowList.Allowed(msg.Sender) {
		slog.Info("sender not allowed, dropping",
			"resource_id", n.ResourceID,
			"sender", msg.Sender,
		)
		p.release(ctx, n.ResourceID)
		recordItem(string(n.Stream), "filtered")
		return
	}

	// No conversation hint at admission means the cooldown could not be
	// checked there; check it now that the fetch revealed the conversation.
	if n.ConversationID == "" && msg.ConversationID != "" {
		active, err := p.gate.CooldownActive(ctx, msg.ConversationID)
		if err != nil {
			slog.Error("cooldown check failed", "conversation_id", msg.ConversationID, "error", err)
		} else if active {
			slog.Debug("conversation in cooldown, dropping",
				"resource_id", n.ResourceID,
				"conversation_id", msg.ConversationID,
			)
			p.release(ctx, n.ResourceID)
			recordItem(string(n.Stream), string(dedup.DecisionCooldown))
			return
		}
	}

	result, err := p.processor.Process(ctx, msg)
	if err != nil {
		p.handlePipelineError(ctx, item, err)
		return
	}

	o := &domain.Outcome{
		MessageID:        result.DraftMessageID,
		ConversationID:   result.ConversationID,
		ReplyToMessageID: n.ResourceID,
		Scenario:         result.Scenario,
		DraftSubject:     result.DraftSubject,
		DraftBody:        result.DraftBody,
	}
	if err := p.outcomes.SaveDraft(ctx, o); err != nil {
		// The pipeline already ran; committing success anyway preserves
		// at-most-once at the cost of a lost outcome row.
		slog.Error("save outcome failed",
			"resource_id", n.ResourceID,
			"draft_message_id", result.DraftMessageID,
			"error", err,
		)
	}

	if err := p.gate.Commit(ctx, n.ResourceID, result.ConversationID, true); err != nil {
		slog.Error("dedup commit failed", "resource_id", n.ResourceID, "error", err)
	}

	slog.Info("pipeline triggered",
		"worker", workerID,
		"resource_id", n.ResourceID,
		"conversation_id", result.ConversationID,
		"draft_message_id", result.DraftMessageID,
	)
	recordItem(string(n.Stream), "triggered")
}

func (p *Pool) processSent(ctx context.Context, item WorkItem) {
	n := item.Notification

	if err := p.correlator.HandleSent(ctx, n.ResourceID); err != nil {
		if isRetryable(err) && item.Attempts+1 < p.config.MaxAttempts {
			p.requeueOrDrop(ctx, item, "correlation_retry")
			return
		}
		slog.Error("sent correlation failed", "resource_id", n.ResourceID, "error", err)
		recordItem(string(n.Stream), "failed")
		return
	}

	recordItem(string(n.Stream), "correlated")
}

func (p *Pool) handleFetchError(ctx context.Context, item WorkItem, err error) {
	n := item.Notification

	if errors.Is(err, fetch.ErrNotFoundExhausted) {
		slog.Warn("fetch budget exhausted, marking failed",
			"resource_id", n.ResourceID,
			"error", err,
		)
		p.commitFailure(ctx, n.ResourceID)
		recordItem(string(n.Stream), "not_found_exhausted")
		return
	}

	if fetch.IsPermanent(err) {
		slog.Error("permanent fetch failure", "resource_id", n.ResourceID, "error", err)
		p.commitFailure(ctx, n.ResourceID)
		recordItem(string(n.Stream), "failed")
		return
	}

	// Transport-level or cancelled fetch: give the claim back and retry
	// while the attempt budget lasts.
	p.release(ctx, n.ResourceID)
	if item.Attempts+1 < p.config.MaxAttempts {
		p.requeueOrDrop(ctx, item, "fetch_retry")
		return
	}

	slog.Error("fetch failed after max attempts", "resource_id", n.ResourceID, "error", err)
	p.commitFailure(ctx, n.ResourceID)
	recordItem(string(n.Stream), "failed")
}

func (p *Pool) handlePipelineError(ctx context.Context, item WorkItem, err error) {
	n := item.Notification

	slog.Warn("pipeline call failed",
		"resource_id", n.ResourceID,
		"attempt", item.Attempts+1,
		"max_attempts", p.config.MaxAttempts,
		"error", err,
	)

	if isRetryable(err) && item.Attempts+1 < p.config.MaxAttempts {
		p.release(ctx, n.ResourceID)
		p.requeueOrDrop(ctx, item, "pipeline_retry")
		return
	}

	p.commitFailure(ctx, n.ResourceID)
	recordItem(string(n.Stream), "failed")
}

// requeueOrDrop puts the item back with an incremented attempt count; when the
// queue stays full past the bounded wait the item is marked failed instead of
// growing the queue.
func (p *Pool) requeueOrDrop(ctx context.Context, item WorkItem, reason string) {
	item.Attempts++

	enqCtx, cancel := context.WithTimeout(ctx, p.config.RequeueTimeout)
	defer cancel()

	if err := p.queue.Enqueue(enqCtx, item); err != nil {
		slog.Error("requeue failed, dropping item",
			"resource_id", item.Notification.ResourceID,
			"reason", reason,
		)
		if item.Notification.Stream == domain.StreamPrimary {
			p.commitFailure(ctx, item.Notification.ResourceID)
		}
		recordItem(string(item.Notification.Stream), "failed")
		return
	}

	recordItem(string(item.Notification.Stream), "requeued")
}

func (p *Pool) release(ctx context.Context, resourceID string) {
	if err := p.gate.Release(ctx, resourceID); err != nil {
		slog.Error("dedup release failed", "resource_id", resourceID, "error", err)
	}
}

func (p *Pool) commitFailure(ctx context.Context, resourceID string) {
	if err := p.gate.Commit(ctx, resourceID, "", false); err != nil {
		slog.Error("dedup failure commit failed", "resource_id", resourceID, "error", err)
	}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
