// Package notify delivers queued articles to channel endpoints: Slack and
// Discord webhooks, or email digests.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"papersorter/internal/core"
)

// Item is one article ready for delivery, paired with its score under the
// channel's model.
type Item struct {
	Article core.Article
	Score   float64
}

// Provider sends a batch of items to one channel endpoint. Errors are wrapped
// transient or permanent so dispatch can decide between retry and disable.
type Provider interface {
	Send(ctx context.Context, ch *core.Channel, items []Item) error
}

// Options carries rendering knobs shared by all providers.
type Options struct {
	// BaseURL of the labeling web UI; item links point here so recipients
	// can rate articles. Empty disables the rate links.
	BaseURL string
}

// Detect picks a provider for a channel endpoint. Unrecognized HTTP(S)
// endpoints are treated as Slack-compatible webhooks, which is what most
// self-hosted bridges speak.
func Detect(endpoint string, opts Options, smtp SMTPConfig) (Provider, error) {
	switch {
	case strings.HasPrefix(endpoint, "mailto:"):
		return NewEmailProvider(smtp, opts), nil
	case strings.Contains(endpoint, "discord.com/api/webhooks") ||
		strings.Contains(endpoint, "discordapp.com/api/webhooks"):
		return NewDiscordProvider(opts), nil
	case strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://"):
		return NewSlackProvider(opts), nil
	default:
		return nil, fmt.Errorf("unsupported channel endpoint %q", endpoint)
	}
}

// scorePercent renders a score as a whole percentage.
func scorePercent(score float64) string {
	return fmt.Sprintf("%.0f%%", score*100)
}

// articleURL is the labeling UI link for an article, or "" without a base.
func articleURL(baseURL string, id int64) string {
	if baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/articles/%d", strings.TrimRight(baseURL, "/"), id)
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func formatAuthors(authors []string) string {
	switch {
	case len(authors) == 0:
		return ""
	case len(authors) <= 3:
		return strings.Join(authors, ", ")
	default:
		return fmt.Sprintf("%s et al.", strings.Join(authors[:3], ", "))
	}
}

func formatPublished(t time.Time) string {
	return t.Format("Jan 2, 2006")
}
