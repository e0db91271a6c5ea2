package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"papersorter/internal/core"
	"papersorter/internal/notify"
)

type fakeStorage struct {
	channels    []core.Channel
	delivered   map[int64][]string // channelID -> delivered titles
	scores      map[int64]float64
	deactivated []int64
	events      []core.Event
}

func (f *fakeStorage) ActiveChannels(_ context.Context) ([]core.Channel, error) {
	return f.channels, nil
}

func (f *fakeStorage) DeliveredTitlesSince(_ context.Context, channelID int64, _ time.Time) ([]string, error) {
	return f.delivered[channelID], nil
}

func (f *fakeStorage) ScoresForArticles(_ context.Context, _ int64, ids []int64) (map[int64]float64, error) {
	out := make(map[int64]float64)
	for _, id := range ids {
		if s, ok := f.scores[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStorage) SetChannelActive(_ context.Context, id int64, active bool) error {
	if !active {
		f.deactivated = append(f.deactivated, id)
	}
	return nil
}

func (f *fakeStorage) InsertEvent(_ context.Context, e *core.Event) error {
	f.events = append(f.events, *e)
	return nil
}

type fakeQueue struct {
	queued  map[int64][]core.Article // channelID -> pending
	marked  map[int64][]int64        // channelID -> delivered article ids
	markErr map[int64]error          // articleID -> error from MarkDelivered
}

func (f *fakeQueue) Claim(_ context.Context, channelID int64, limit int) ([]core.Article, error) {
	pending := f.queued[channelID]
	if limit > len(pending) {
		limit = len(pending)
	}
	return pending[:limit], nil
}

func (f *fakeQueue) MarkDelivered(_ context.Context, articleID, channelID int64, _ time.Time) error {
	if err := f.markErr[articleID]; err != nil {
		return err
	}
	if f.marked == nil {
		f.marked = make(map[int64][]int64)
	}
	f.marked[channelID] = append(f.marked[channelID], articleID)

	pending := f.queued[channelID]
	for i, a := range pending {
		if a.ID == articleID {
			f.queued[channelID] = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	return nil
}

type fakeProvider struct {
	sent    [][]notify.Item
	sendErr error
}

func (f *fakeProvider) Send(_ context.Context, _ *core.Channel, items []notify.Item) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, items)
	return nil
}

func article(id int64, title string) core.Article {
	return core.Article{ID: id, Title: title, Published: time.Now()}
}

func newDispatcher(storage *fakeStorage, queue *fakeQueue, provider *fakeProvider, cap int) *Dispatcher {
	d := New(storage, queue, func(string) (notify.Provider, error) {
		return provider, nil
	}, cap, 0.92, 1000, 1000)
	// Fixed clock: 10:00 UTC.
	d.now = func() time.Time {
		return time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	}
	return d
}

func activeChannel(id int64, limit int, hours uint32) core.Channel {
	return core.Channel{
		ID: id, Name: "ch", Endpoint: "https://hooks.example.org/x",
		IsActive: true, BroadcastLimit: limit, BroadcastHours: hours, ModelID: 1,
	}
}

func TestRunDeliversAndMarks(t *testing.T) {
	storage := &fakeStorage{
		channels: []core.Channel{activeChannel(1, 10, core.AllHours)},
		scores:   map[int64]float64{100: 0.9},
	}
	queue := &fakeQueue{queued: map[int64][]core.Article{
		1: {article(100, "A New Result")},
	}}
	provider := &fakeProvider{}

	stats, err := newDispatcher(storage, queue, provider, 100).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("delivered %d, want 1", stats.Delivered)
	}
	if len(provider.sent) != 1 || provider.sent[0][0].Score != 0.9 {
		t.Errorf("provider got %+v", provider.sent)
	}
	if len(queue.marked[1]) != 1 || queue.marked[1][0] != 100 {
		t.Errorf("marked = %v", queue.marked)
	}
}

func TestRunRespectsBroadcastWindow(t *testing.T) {
	// Only hour 22 allowed; the fixed clock says hour 10.
	storage := &fakeStorage{
		channels: []core.Channel{activeChannel(1, 10, 1<<22)},
	}
	queue := &fakeQueue{queued: map[int64][]core.Article{
		1: {article(100, "A New Result")},
	}}
	provider := &fakeProvider{}

	stats, err := newDispatcher(storage, queue, provider, 100).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Delivered != 0 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want skip", stats)
	}
	if len(provider.sent) != 0 {
		t.Error("nothing should be sent outside the window")
	}
}

func TestRunWindowUsesChannelTimezone(t *testing.T) {
	// 10:00 UTC is 19:00 in Asia/Seoul; allow only hour 19 there.
	ch := activeChannel(1, 10, 1<<19)
	ch.Timezone = "Asia/Seoul"
	storage := &fakeStorage{
		channels: []core.Channel{ch},
		scores:   map[int64]float64{},
	}
	queue := &fakeQueue{queued: map[int64][]core.Article{
		1: {article(100, "A New Result")},
	}}
	provider := &fakeProvider{}

	stats, err := newDispatcher(storage, queue, provider, 100).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("delivered %d, want 1 (19:00 local is inside the window)", stats.Delivered)
	}
}

func TestRunSuppressesRepeatedTitles(t *testing.T) {
	storage := &fakeStorage{
		channels: []core.Channel{activeChannel(1, 10, core.AllHours)},
		delivered: map[int64][]string{
			1: {"Scaling Laws Revisited"},
		},
	}
	queue := &fakeQueue{queued: map[int64][]core.Article{
		1: {
			article(100, "Scaling laws revisited!"), // repeat modulo punctuation
			article(101, "A Genuinely New Paper"),
		},
	}}
	provider := &fakeProvider{}

	stats, err := newDispatcher(storage, queue, provider, 100).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Suppressed != 1 {
		t.Errorf("suppressed %d, want 1", stats.Suppressed)
	}
	if stats.Delivered != 1 {
		t.Errorf("delivered %d, want 1", stats.Delivered)
	}
	// The repeat is retired from the queue without being sent.
	if len(provider.sent) != 1 || len(provider.sent[0]) != 1 || provider.sent[0][0].Article.ID != 101 {
		t.Errorf("provider got %+v", provider.sent)
	}
	if len(queue.marked[1]) != 2 {
		t.Errorf("both articles should be marked, got %v", queue.marked[1])
	}
	if len(storage.events) != 1 || storage.events[0].Kind != core.EventBroadcastSuppressed {
		t.Errorf("events = %+v", storage.events)
	}
}

func TestRunDeactivatesOnPermanentFailure(t *testing.T) {
	storage := &fakeStorage{
		channels: []core.Channel{activeChannel(1, 10, core.AllHours)},
	}
	queue := &fakeQueue{queued: map[int64][]core.Article{
		1: {article(100, "A Paper")},
	}}
	provider := &fakeProvider{sendErr: core.Permanent(errors.New("webhook gone"))}

	stats, err := newDispatcher(storage, queue, provider, 100).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Deactivated != 1 {
		t.Errorf("deactivated %d, want 1", stats.Deactivated)
	}
	if len(storage.deactivated) != 1 || storage.deactivated[0] != 1 {
		t.Errorf("deactivated channels = %v", storage.deactivated)
	}
	if len(queue.marked[1]) != 0 {
		t.Error("failed delivery must stay queued")
	}
	if len(storage.events) != 1 || storage.events[0].Kind != core.EventChannelDeactivated {
		t.Errorf("events = %+v", storage.events)
	}
}

func TestRunTransientFailuresStrikeOut(t *testing.T) {
	storage := &fakeStorage{
		channels: []core.Channel{activeChannel(1, 10, core.AllHours)},
	}
	queue := &fakeQueue{queued: map[int64][]core.Article{
		1: {article(100, "A Paper")},
	}}
	provider := &fakeProvider{sendErr: core.Transient(errors.New("timeout"))}

	d := newDispatcher(storage, queue, provider, 100)
	for i := 0; i < maxStrikes; i++ {
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if len(storage.deactivated) != 0 {
		t.Error("transient failures must not deactivate the channel")
	}

	// Next cycle the channel sits out, even though sending would now work.
	provider.sendErr = nil
	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after strikes: %v", err)
	}
	if stats.Delivered != 0 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want struck-out skip", stats)
	}

	// And the cycle after that retries fresh.
	stats, err = d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after reset: %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("delivered %d after reset, want 1", stats.Delivered)
	}
}

func TestRunMarkFailureChargesOnlyThatChannel(t *testing.T) {
	storage := &fakeStorage{
		channels: []core.Channel{
			activeChannel(1, 10, core.AllHours),
			activeChannel(2, 10, core.AllHours),
			activeChannel(3, 10, core.AllHours),
		},
	}
	queue := &fakeQueue{
		queued: map[int64][]core.Article{
			1: {article(100, "Paper One"), article(101, "Paper Two")},
			2: {article(200, "Paper Three")},
			3: {article(300, "Paper Four")},
		},
		markErr: map[int64]error{200: errors.New("connection reset")},
	}
	provider := &fakeProvider{}

	stats, err := newDispatcher(storage, queue, provider, 3).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Channel 2's mark failure charges the cap for its own zero deliveries,
	// not the running total, so channel 3 still gets its turn.
	if stats.Delivered != 3 {
		t.Errorf("delivered %d, want 3", stats.Delivered)
	}
	if len(queue.marked[3]) != 1 || queue.marked[3][0] != 300 {
		t.Errorf("third channel should still deliver, marked = %v", queue.marked)
	}
}

func TestRunHonorsGlobalCap(t *testing.T) {
	storage := &fakeStorage{
		channels: []core.Channel{
			activeChannel(1, 10, core.AllHours),
			activeChannel(2, 10, core.AllHours),
		},
	}
	queue := &fakeQueue{queued: map[int64][]core.Article{
		1: {article(100, "Paper One"), article(101, "Paper Two")},
		2: {article(200, "Paper Three")},
	}}
	provider := &fakeProvider{}

	stats, err := newDispatcher(storage, queue, provider, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Delivered != 2 {
		t.Errorf("delivered %d, want 2 (cap)", stats.Delivered)
	}
	if len(queue.marked[2]) != 0 {
		t.Error("second channel should not deliver once the cap is spent")
	}
}
