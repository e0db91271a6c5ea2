// Package orchestrator sequences the pipeline stages behind database advisory
// locks, so concurrent invocations (cron plus a manual run) never overlap.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"papersorter/internal/core"
	"papersorter/internal/dispatch"
	"papersorter/internal/embed"
	"papersorter/internal/feeds"
	"papersorter/internal/logger"
	"papersorter/internal/predictor"
	"papersorter/internal/queue"
	"papersorter/internal/store"
)

// Advisory lock names. One update and one broadcast may run at a time,
// cluster-wide.
const (
	updateLock    = "papersorter/update"
	broadcastLock = "papersorter/broadcast"
)

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	store      *store.Store
	fetcher    *feeds.Fetcher
	embedder   *embed.Embedder
	scorer     *predictor.Scorer
	dispatcher *dispatch.Dispatcher
	queue      *queue.Manager

	broadcastRetention time.Duration
	queueRetention     time.Duration
}

// New builds an Orchestrator over already-constructed stages.
func New(
	st *store.Store,
	fetcher *feeds.Fetcher,
	embedder *embed.Embedder,
	scorer *predictor.Scorer,
	dispatcher *dispatch.Dispatcher,
	qm *queue.Manager,
	broadcastRetention, queueRetention time.Duration,
) *Orchestrator {
	return &Orchestrator{
		store:              st,
		fetcher:            fetcher,
		embedder:           embedder,
		scorer:             scorer,
		dispatcher:         dispatcher,
		queue:              qm,
		broadcastRetention: broadcastRetention,
		queueRetention:     queueRetention,
	}
}

// Update runs one ingestion pass: poll sources, embed the backlog, score with
// every active model, and feed channel queues. Held elsewhere, the update
// lock makes this a logged no-op.
func (o *Orchestrator) Update(ctx context.Context, force bool) error {
	log := logger.Get()

	unlock, ok, err := o.store.TryLock(ctx, updateLock)
	if err != nil {
		return fmt.Errorf("acquire update lock: %w", err)
	}
	if !ok {
		log.Warn("update already running elsewhere, skipping")
		return nil
	}
	defer unlock()

	started := time.Now()
	if _, err := o.fetcher.Run(ctx); err != nil {
		return fmt.Errorf("fetch stage: %w", err)
	}
	embedded, err := o.embedder.Run(ctx)
	if err != nil {
		o.recordFailure(ctx, "embed", err)
		return fmt.Errorf("embed stage: %w", err)
	}
	stats, err := o.scorer.Run(ctx, force)
	if err != nil {
		o.recordFailure(ctx, "score", err)
		return fmt.Errorf("score stage: %w", err)
	}

	log.Info("update complete",
		"embedded", embedded,
		"scored", stats.Scored,
		"enqueued", stats.Enqueued,
		"elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

// Broadcast runs one dispatch cycle and then drops delivered entries past
// retention.
func (o *Orchestrator) Broadcast(ctx context.Context) error {
	log := logger.Get()

	unlock, ok, err := o.store.TryLock(ctx, broadcastLock)
	if err != nil {
		return fmt.Errorf("acquire broadcast lock: %w", err)
	}
	if !ok {
		log.Warn("broadcast already running elsewhere, skipping")
		return nil
	}
	defer unlock()

	stats, err := o.dispatcher.Run(ctx)
	if err != nil {
		return fmt.Errorf("dispatch stage: %w", err)
	}

	if o.broadcastRetention > 0 {
		cutoff := time.Now().UTC().Add(-o.broadcastRetention)
		purged, err := o.queue.PurgeDelivered(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge stage: %w", err)
		}
		if purged > 0 {
			log.Info("purged delivered broadcasts", "rows", purged)
		}
	}

	if o.queueRetention > 0 {
		cutoff := time.Now().UTC().Add(-o.queueRetention)
		purged, err := o.queue.PurgeQueued(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge stage: %w", err)
		}
		if purged > 0 {
			log.Info("purged stale queued broadcasts", "rows", purged)
		}
	}

	log.Info("broadcast complete", "delivered", stats.Delivered, "suppressed", stats.Suppressed)
	return nil
}

// recordFailure logs permanent stage failures to the admin event log.
// Transient failures heal on the next tick and stay out of the log.
func (o *Orchestrator) recordFailure(ctx context.Context, stage string, cause error) {
	if !core.IsPermanent(cause) {
		return
	}
	if err := o.store.InsertEvent(ctx, &core.Event{
		Kind:    core.EventPermanentFailure,
		Message: fmt.Sprintf("%s stage failed: %v", stage, cause),
	}); err != nil {
		logger.Get().Warn("record failure event failed", "error", err)
	}
}

// Serve runs Update and Broadcast on cron schedules until the context is
// canceled. A tick that fails is logged and the schedule keeps going; only a
// bad cron expression is fatal.
func (o *Orchestrator) Serve(ctx context.Context, updateSpec, broadcastSpec string) error {
	log := logger.Get()
	c := cron.New()

	if _, err := c.AddFunc(updateSpec, func() {
		if err := o.Update(ctx, false); err != nil {
			log.Error("scheduled update failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid update schedule %q: %w", updateSpec, err)
	}

	if _, err := c.AddFunc(broadcastSpec, func() {
		if err := o.Broadcast(ctx); err != nil {
			log.Error("scheduled broadcast failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid broadcast schedule %q: %w", broadcastSpec, err)
	}

	log.Info("scheduler started", "update", updateSpec, "broadcast", broadcastSpec)
	c.Start()
	<-ctx.Done()

	// Let in-flight jobs finish before returning.
	stop := c.Stop()
	<-stop.Done()
	log.Info("scheduler stopped")
	return ctx.Err()
}
