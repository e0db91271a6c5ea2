// Package queue manages the pending-broadcast queue shared by scoring and
// dispatch. The queue is a database construct; this package gives it a small
// API and keeps both sides from talking to broadcast rows directly.
package queue

import (
	"context"
	"time"

	"papersorter/internal/core"
)

// Storage is the slice of the store the queue rides on.
type Storage interface {
	EnqueueBroadcast(ctx context.Context, articleID, channelID int64) (bool, error)
	QueueDepth(ctx context.Context, channelID int64) (int, error)
	ClaimQueueBatch(ctx context.Context, channelID int64, limit int) ([]core.Article, error)
	MarkDelivered(ctx context.Context, articleID, channelID int64, at time.Time) error
	PurgeDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeQueuedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager exposes queue operations on top of storage.
type Manager struct {
	storage Storage
}

// NewManager builds a queue Manager.
func NewManager(storage Storage) *Manager {
	return &Manager{storage: storage}
}

// Enqueue adds (article, channel) to the queue. Returns false when the pair
// was already queued or delivered; enqueueing is idempotent.
func (m *Manager) Enqueue(ctx context.Context, articleID, channelID int64) (bool, error) {
	return m.storage.EnqueueBroadcast(ctx, articleID, channelID)
}

// Depth reports how many entries are waiting for a channel.
func (m *Manager) Depth(ctx context.Context, channelID int64) (int, error) {
	return m.storage.QueueDepth(ctx, channelID)
}

// Claim returns up to limit queued articles for a channel, newest published
// first. Entries stay queued until MarkDelivered.
func (m *Manager) Claim(ctx context.Context, channelID int64, limit int) ([]core.Article, error) {
	return m.storage.ClaimQueueBatch(ctx, channelID, limit)
}

// MarkDelivered records a successful delivery. Calling it again for the same
// pair is a no-op.
func (m *Manager) MarkDelivered(ctx context.Context, articleID, channelID int64, at time.Time) error {
	return m.storage.MarkDelivered(ctx, articleID, channelID, at)
}

// PurgeDelivered removes delivered entries older than the retention cutoff
// and returns how many were dropped.
func (m *Manager) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.storage.PurgeDeliveredBefore(ctx, cutoff)
}

// PurgeQueued drops queued entries for articles published before the cutoff.
func (m *Manager) PurgeQueued(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.storage.PurgeQueuedBefore(ctx, cutoff)
}
