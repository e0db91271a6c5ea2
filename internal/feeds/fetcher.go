package feeds

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"papersorter/internal/core"
	"papersorter/internal/dedup"
	"papersorter/internal/logger"
	"papersorter/internal/store"
)

// Storage is the slice of the store the fetcher writes through.
type Storage interface {
	DueFeedSources(ctx context.Context, cutoff time.Time) ([]core.FeedSource, error)
	TouchFeedSource(ctx context.Context, id int64, at time.Time) error
	SetFeedSourceActive(ctx context.Context, id int64, active bool) error
	UpsertArticle(ctx context.Context, a *core.Article, overwrite bool) (int64, bool, error)
	InsertEvent(ctx context.Context, e *core.Event) error
	TryLock(ctx context.Context, name string) (store.UnlockFunc, bool, error)
}

// Stats summarizes one polling pass.
type Stats struct {
	SourcesPolled int64
	SourcesFailed int64
	NewArticles   int64
	Duplicates    int64
}

// Fetcher polls every due source concurrently and stores what survives
// deduplication.
type Fetcher struct {
	client        *Client
	storage       Storage
	deduper       *dedup.Deduper
	checkInterval time.Duration
	workers       int
}

// NewFetcher builds a Fetcher. checkInterval is how long a source rests
// between polls; workers bounds concurrent fetches.
func NewFetcher(client *Client, storage Storage, deduper *dedup.Deduper, checkInterval time.Duration, workers int) *Fetcher {
	if workers <= 0 {
		workers = 4
	}
	return &Fetcher{
		client:        client,
		storage:       storage,
		deduper:       deduper,
		checkInterval: checkInterval,
		workers:       workers,
	}
}

// Run polls all due sources once. Per-source failures are logged and counted
// but never abort the pass; a broken feed must not starve the others.
func (f *Fetcher) Run(ctx context.Context) (*Stats, error) {
	cutoff := time.Now().UTC().Add(-f.checkInterval)
	sources, err := f.storage.DueFeedSources(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}

	log := logger.Get()
	log.Info("polling feed sources", "due", len(sources))

	var stats Stats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i := range sources {
		src := sources[i]
		g.Go(func() error {
			if err := f.pollSource(gctx, &src, &stats); err != nil {
				atomic.AddInt64(&stats.SourcesFailed, 1)
				log.Warn("source poll failed", "source", src.Name, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &stats, err
	}

	log.Info("polling pass complete",
		"polled", stats.SourcesPolled,
		"failed", stats.SourcesFailed,
		"new", stats.NewArticles,
		"duplicates", stats.Duplicates)
	return &stats, nil
}

func (f *Fetcher) pollSource(ctx context.Context, src *core.FeedSource, stats *Stats) error {
	unlock, ok, err := f.storage.TryLock(ctx, fmt.Sprintf("papersorter/source/%d", src.ID))
	if err != nil {
		return err
	}
	if !ok {
		// Another process is already polling this source.
		return nil
	}
	defer unlock()

	// last_checked advances even on failure so a broken source keeps its
	// place in the rotation instead of being retried every pass.
	defer func() {
		if err := f.storage.TouchFeedSource(ctx, src.ID, time.Now().UTC()); err != nil {
			logger.Get().Warn("touch source failed", "source", src.Name, "error", err)
		}
	}()

	atomic.AddInt64(&stats.SourcesPolled, 1)

	result, err := f.client.Fetch(ctx, src)
	if err != nil {
		if core.IsPermanent(err) {
			f.deactivateSource(ctx, src, err)
		}
		return err
	}
	if result.NotModified {
		return nil
	}

	for i := range result.Articles {
		a := &result.Articles[i]
		if a.Title == "" {
			continue
		}

		verdict, err := f.deduper.Check(ctx, a)
		if err != nil {
			return err
		}
		if verdict.Duplicate {
			atomic.AddInt64(&stats.Duplicates, 1)
			if verdict.Reason == "title" {
				f.recordDuplicate(ctx, a, verdict)
			}
			continue
		}

		_, inserted, err := f.storage.UpsertArticle(ctx, a, false)
		if err != nil {
			return fmt.Errorf("store article %q: %w", a.Title, err)
		}
		if inserted {
			atomic.AddInt64(&stats.NewArticles, 1)
		} else {
			atomic.AddInt64(&stats.Duplicates, 1)
		}
	}
	return nil
}

// deactivateSource turns off a source whose failures will not heal on their
// own, so it stops burning a worker slot every pass.
func (f *Fetcher) deactivateSource(ctx context.Context, src *core.FeedSource, cause error) {
	log := logger.Get()
	if err := f.storage.SetFeedSourceActive(ctx, src.ID, false); err != nil {
		log.Warn("deactivate source failed", "source", src.Name, "error", err)
		return
	}
	log.Error("deactivated feed source", "source", src.Name, "error", cause)
	if err := f.storage.InsertEvent(ctx, &core.Event{
		Kind:    core.EventSourceDeactivated,
		Message: fmt.Sprintf("source %s deactivated: %v", src.Name, cause),
	}); err != nil {
		log.Warn("record source event failed", "error", err)
	}
}

// recordDuplicate logs a fuzzy-title rejection to the events table. These are
// the interesting ones; exact-id matches are routine refetches.
func (f *Fetcher) recordDuplicate(ctx context.Context, a *core.Article, v dedup.Verdict) {
	matched := v.MatchedID
	event := &core.Event{
		Kind:      core.EventDedupRejected,
		Message:   fmt.Sprintf("title %q matched stored article %d", a.Title, matched),
		ArticleID: &matched,
	}
	if err := f.storage.InsertEvent(ctx, event); err != nil {
		logger.Get().Warn("record dedup event failed", "error", err)
	}
}
