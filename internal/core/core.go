// Package core defines the domain entities shared across the pipeline.
package core

import "time"

// Article represents one ingested paper record. The backing table is named
// "feeds" for historical reasons; one row per unique external item.
type Article struct {
	ID         int64     `json:"id"`          // Assigned on insert
	ExternalID string    `json:"external_id"` // Unique id from the originating feed
	Title      string    `json:"title"`       // Non-empty
	Content    string    `json:"content"`     // Abstract or cleaned body text
	Authors    []string  `json:"authors"`     // Author names in feed order
	Origin     string    `json:"origin"`      // Source name (e.g. "arXiv cs.LG")
	Link       string    `json:"link"`        // Canonical URL
	Published  time.Time `json:"published"`   // Publication instant
	Added      time.Time `json:"added"`       // Insert instant
	TLDR       string    `json:"tldr,omitempty"`
}

// ArticleTitle pairs an article id with its stored title, for duplicate
// detection that does not need the full row.
type ArticleTitle struct {
	ID    int64
	Title string
}

// Embedding is the fixed-dimensional vector for an article.
type Embedding struct {
	ArticleID int64     `json:"article_id"`
	Vector    []float32 `json:"vector"`
}

// Model is metadata for a trained preference model. The binary artifact for
// model M lives at a deterministic path under the configured model directory.
type Model struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
	Notes     string    `json:"notes,omitempty"`
	ScoreName string    `json:"score_name"` // Display label for this model's score
}

// PredictedScore is the (article, model) score in [0,1]. Exactly one row per
// pair; overwritten on rescoring.
type PredictedScore struct {
	ArticleID int64   `json:"article_id"`
	ModelID   int64   `json:"model_id"`
	Score     float64 `json:"score"`
}

// Preference label sources.
const (
	SourceStar          = "star"
	SourceInteractive   = "interactive"
	SourceAlertFeedback = "alert-feedback"
)

// Preference is an explicit user label on an article. Rows are append-only;
// the most recent row per (article, user) wins for training.
type Preference struct {
	ID        int64     `json:"id"`
	ArticleID int64     `json:"article_id"`
	UserID    int64     `json:"user_id"`
	Time      time.Time `json:"time"`
	Score     float64   `json:"score"`  // 0 (negative) or 1 (positive)
	Source    string    `json:"source"` // star, interactive, alert-feedback
}

// Channel is a notification sink with its gating parameters.
type Channel struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Endpoint       string  `json:"endpoint"`        // Webhook URL or mailto: address
	ScoreThreshold float64 `json:"score_threshold"` // In [0,1]
	ModelID        int64   `json:"model_id"`
	IsActive       bool    `json:"is_active"`
	BroadcastLimit int     `json:"broadcast_limit"` // 1..100 entries per cycle
	BroadcastHours uint32  `json:"broadcast_hours"` // 24-bit mask, bit h = hour h allowed
	Timezone       string  `json:"timezone"`        // IANA name; empty means UTC
}

// AllHours is the broadcast_hours mask with every hour enabled.
const AllHours uint32 = 1<<24 - 1

// HourAllowed reports whether the channel may deliver during hour h (0..23).
func (c Channel) HourAllowed(h int) bool {
	return c.BroadcastHours&(1<<uint(h)) != 0
}

// Location resolves the channel's timezone, defaulting to UTC.
func (c Channel) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BroadcastEntry is the unified queue and delivery log. A nil BroadcastedTime
// means the entry is queued; non-nil means delivered. The transition happens
// exactly once and is never reversed.
type BroadcastEntry struct {
	ArticleID       int64      `json:"article_id"`
	ChannelID       int64      `json:"channel_id"`
	BroadcastedTime *time.Time `json:"broadcasted_time,omitempty"`
}

// FeedSource is a configured polling target.
type FeedSource struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Type        string     `json:"type"` // "rss" or "atom"
	LastChecked *time.Time `json:"last_checked,omitempty"`
	IsActive    bool       `json:"is_active"`
	Username    string     `json:"username,omitempty"` // Optional basic-auth credentials
	Password    string     `json:"password,omitempty"`
}

// User is the minimal principal the core knows about.
type User struct {
	ID                int64   `json:"id"`
	Username          string  `json:"username"`
	IsAdmin           bool    `json:"is_admin"`
	Timezone          string  `json:"timezone"`
	Theme             string  `json:"theme"`
	BookmarkArticleID *int64  `json:"bookmark_article_id,omitempty"`
	MinScoreThreshold float64 `json:"min_score_threshold"`
	PrimaryChannelID  *int64  `json:"primary_channel_id,omitempty"`
}

// Event kinds recorded in the admin-visible event log.
const (
	EventDedupRejected       = "dedup-rejected"
	EventChannelDeactivated  = "channel-deactivated"
	EventSourceDeactivated   = "source-deactivated"
	EventModelActivated      = "model-activated"
	EventModelDeactivated    = "model-deactivated"
	EventBroadcastSuppressed = "broadcast-suppressed"
	EventPermanentFailure    = "permanent-failure"
)

// Event is one admin-visible log row.
type Event struct {
	ID        string    `json:"id"` // UUID
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	ArticleID *int64    `json:"article_id,omitempty"`
	ChannelID *int64    `json:"channel_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
