// Package dispatch drains channel queues into their endpoints, enforcing
// delivery windows, per-cycle caps, duplicate suppression, and failure
// policy.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"papersorter/internal/core"
	"papersorter/internal/logger"
	"papersorter/internal/notify"
)

// How many consecutive transient failures before a channel sits out the rest
// of the cycle, and how far back delivered titles are checked for repeats.
const (
	maxStrikes          = 3
	duplicateWindowDays = 90
)

// Storage is the slice of the store dispatch reads and writes.
type Storage interface {
	ActiveChannels(ctx context.Context) ([]core.Channel, error)
	DeliveredTitlesSince(ctx context.Context, channelID int64, since time.Time) ([]string, error)
	ScoresForArticles(ctx context.Context, modelID int64, articleIDs []int64) (map[int64]float64, error)
	SetChannelActive(ctx context.Context, id int64, active bool) error
	InsertEvent(ctx context.Context, e *core.Event) error
}

// Queue is the slice of the broadcast queue dispatch consumes.
type Queue interface {
	Claim(ctx context.Context, channelID int64, limit int) ([]core.Article, error)
	MarkDelivered(ctx context.Context, articleID, channelID int64, at time.Time) error
}

// ProviderFactory resolves a channel endpoint to a delivery provider.
type ProviderFactory func(endpoint string) (notify.Provider, error)

// Stats summarizes one dispatch cycle.
type Stats struct {
	Channels    int
	Delivered   int
	Suppressed  int
	Skipped     int // channels outside their window or over budget
	Deactivated int
}

// Dispatcher walks every active channel once per cycle. State that must
// survive between cycles (failure strikes, rate limiters) is in-memory only;
// everything durable lives in storage.
type Dispatcher struct {
	storage      Storage
	queue        Queue
	providers    ProviderFactory
	globalCap    int
	dupThreshold float64
	ratePerSec   float64
	burst        int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	strikes  map[int64]int

	now func() time.Time
}

// New builds a Dispatcher. globalCap bounds deliveries across all channels in
// one cycle; dupThreshold is the title similarity above which a queued
// article is considered already delivered. ratePerSec and burst size the
// per-channel token bucket.
func New(storage Storage, queue Queue, providers ProviderFactory, globalCap int, dupThreshold, ratePerSec float64, burst int) *Dispatcher {
	if globalCap <= 0 {
		globalCap = 100
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &Dispatcher{
		storage:      storage,
		queue:        queue,
		providers:    providers,
		globalCap:    globalCap,
		dupThreshold: dupThreshold,
		ratePerSec:   ratePerSec,
		burst:        burst,
		limiters:     make(map[int64]*rate.Limiter),
		strikes:      make(map[int64]int),
		now:          time.Now,
	}
}

// Run performs one dispatch cycle. Per-channel failures never abort the
// cycle; the next channel still gets its turn.
func (d *Dispatcher) Run(ctx context.Context) (*Stats, error) {
	channels, err := d.storage.ActiveChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}

	log := logger.Get()
	stats := &Stats{Channels: len(channels)}
	remaining := d.globalCap

	for i := range channels {
		ch := &channels[i]
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		now := d.now().In(ch.Location())
		if !ch.HourAllowed(now.Hour()) {
			stats.Skipped++
			continue
		}
		if remaining <= 0 {
			log.Info("global broadcast cap reached", "cap", d.globalCap)
			stats.Skipped += len(channels) - i
			break
		}
		if d.struckOut(ch.ID) {
			log.Warn("channel sitting out after repeated failures", "channel", ch.Name)
			stats.Skipped++
			continue
		}

		delivered, err := d.dispatchChannel(ctx, ch, min(ch.BroadcastLimit, remaining), stats)
		if err != nil {
			log.Warn("channel dispatch failed", "channel", ch.Name, "error", err)
		}
		remaining -= delivered
	}

	log.Info("dispatch cycle complete",
		"channels", stats.Channels,
		"delivered", stats.Delivered,
		"suppressed", stats.Suppressed,
		"skipped", stats.Skipped,
		"deactivated", stats.Deactivated)
	return stats, nil
}

// dispatchChannel delivers one batch for one channel and returns how many
// articles were sent.
func (d *Dispatcher) dispatchChannel(ctx context.Context, ch *core.Channel, limit int, stats *Stats) (int, error) {
	articles, err := d.queue.Claim(ctx, ch.ID, limit)
	if err != nil {
		return 0, err
	}
	if len(articles) == 0 {
		return 0, nil
	}

	items, err := d.prepareItems(ctx, ch, articles, stats)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	provider, err := d.providers(ch.Endpoint)
	if err != nil {
		return 0, d.deactivate(ctx, ch, err, stats)
	}

	if err := d.limiter(ch.ID).Wait(ctx); err != nil {
		return 0, err
	}

	if err := provider.Send(ctx, ch, items); err != nil {
		switch {
		case core.IsPermanent(err):
			return 0, d.deactivate(ctx, ch, err, stats)
		default:
			d.strike(ch.ID)
			return 0, err
		}
	}
	d.clearStrikes(ch.ID)

	at := d.now().UTC()
	delivered := 0
	for _, item := range items {
		if err := d.queue.MarkDelivered(ctx, item.Article.ID, ch.ID, at); err != nil {
			// Charge the global cap only for this channel's deliveries.
			return delivered, err
		}
		delivered++
		stats.Delivered++
	}
	return delivered, nil
}

// prepareItems attaches scores and drops articles whose title fuzzily matches
// something the channel already delivered. Suppressed entries are marked
// delivered so they never come back.
func (d *Dispatcher) prepareItems(ctx context.Context, ch *core.Channel, articles []core.Article, stats *Stats) ([]notify.Item, error) {
	ids := make([]int64, len(articles))
	for i := range articles {
		ids[i] = articles[i].ID
	}
	scores, err := d.storage.ScoresForArticles(ctx, ch.ModelID, ids)
	if err != nil {
		return nil, err
	}

	since := d.now().UTC().AddDate(0, 0, -duplicateWindowDays)
	deliveredTitles, err := d.storage.DeliveredTitlesSince(ctx, ch.ID, since)
	if err != nil {
		return nil, err
	}
	normalized := make([]string, len(deliveredTitles))
	for i, t := range deliveredTitles {
		normalized[i] = core.NormalizeTitle(t)
	}

	var items []notify.Item
	for i := range articles {
		a := articles[i]
		if d.isRepeat(core.NormalizeTitle(a.Title), normalized) {
			if err := d.suppress(ctx, ch, &a); err != nil {
				return nil, err
			}
			stats.Suppressed++
			continue
		}
		items = append(items, notify.Item{Article: a, Score: scores[a.ID]})
	}
	return items, nil
}

func (d *Dispatcher) isRepeat(title string, delivered []string) bool {
	for _, t := range delivered {
		if core.TitleSimilarity(title, t) >= d.dupThreshold {
			return true
		}
	}
	return false
}

// suppress retires a queued repeat without sending it.
func (d *Dispatcher) suppress(ctx context.Context, ch *core.Channel, a *core.Article) error {
	if err := d.queue.MarkDelivered(ctx, a.ID, ch.ID, d.now().UTC()); err != nil {
		return err
	}
	articleID, channelID := a.ID, ch.ID
	return d.storage.InsertEvent(ctx, &core.Event{
		Kind:      core.EventBroadcastSuppressed,
		Message:   fmt.Sprintf("title %q already delivered to %s", a.Title, ch.Name),
		ArticleID: &articleID,
		ChannelID: &channelID,
	})
}

// deactivate turns a channel off after a permanent failure and records why.
func (d *Dispatcher) deactivate(ctx context.Context, ch *core.Channel, cause error, stats *Stats) error {
	logger.Get().Error("deactivating channel after permanent failure",
		"channel", ch.Name, "error", cause)

	if err := d.storage.SetChannelActive(ctx, ch.ID, false); err != nil {
		return fmt.Errorf("deactivate channel %d: %w", ch.ID, err)
	}
	stats.Deactivated++

	channelID := ch.ID
	if err := d.storage.InsertEvent(ctx, &core.Event{
		Kind:      core.EventChannelDeactivated,
		Message:   fmt.Sprintf("channel %s deactivated: %v", ch.Name, cause),
		ChannelID: &channelID,
	}); err != nil {
		return err
	}
	return cause
}

func (d *Dispatcher) limiter(channelID int64) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.ratePerSec), d.burst)
		d.limiters[channelID] = l
	}
	return l
}

func (d *Dispatcher) strike(channelID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strikes[channelID]++
}

func (d *Dispatcher) clearStrikes(channelID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.strikes, channelID)
}

// struckOut reports whether the channel has exhausted its strikes. The
// counter resets so the next cycle retries fresh.
func (d *Dispatcher) struckOut(channelID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.strikes[channelID] >= maxStrikes {
		delete(d.strikes, channelID)
		return true
	}
	return false
}
