package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"papersorter/internal/core"
)

// Discord embed accent colors by score bucket.
const (
	colorHigh = 0x2ecc71 // green, score >= 0.8
	colorMid  = 0xf1c40f // yellow, score >= 0.5
	colorLow  = 0x95a5a6 // gray
)

// DiscordMessage is the webhook payload.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed is one rich embed.
type DiscordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Footer      *DiscordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

// DiscordEmbedFooter is the embed footer line.
type DiscordEmbedFooter struct {
	Text string `json:"text"`
}

// Discord allows at most 10 embeds per message and rate-limits webhooks to
// 30 requests per minute.
const discordMaxEmbeds = 10

// DiscordProvider posts embeds to a Discord webhook, honoring the platform
// rate limit internally.
type DiscordProvider struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
}

// NewDiscordProvider builds a Discord webhook provider.
func NewDiscordProvider(opts Options) *DiscordProvider {
	return &DiscordProvider{
		http:    &http.Client{Timeout: 10 * time.Second},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(30.0/60.0), 1),
	}
}

// Send posts the items in chunks of at most ten embeds per request.
func (p *DiscordProvider) Send(ctx context.Context, ch *core.Channel, items []Item) error {
	for start := 0; start < len(items); start += discordMaxEmbeds {
		end := start + discordMaxEmbeds
		if end > len(items) {
			end = len(items)
		}
		if err := p.sendChunk(ctx, ch, items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *DiscordProvider) sendChunk(ctx context.Context, ch *core.Channel, items []Item) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := p.render(ch, items)
	payload, err := json.Marshal(msg)
	if err != nil {
		return core.Permanent(fmt.Errorf("marshal discord message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return core.Permanent(fmt.Errorf("build discord request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return core.Transient(fmt.Errorf("send discord message: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return core.Transient(fmt.Errorf("discord webhook returned status %d", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return core.Permanent(fmt.Errorf("discord webhook returned status %d: %s", resp.StatusCode, body))
	}
}

func (p *DiscordProvider) render(ch *core.Channel, items []Item) *DiscordMessage {
	embeds := make([]DiscordEmbed, 0, len(items))
	for _, item := range items {
		a := item.Article

		var description string
		if authors := formatAuthors(a.Authors); authors != "" {
			description = authors + "\n"
		}
		if summary := firstNonEmpty(a.TLDR, a.Content); summary != "" {
			description += truncate(summary, 300)
		}
		if url := articleURL(p.opts.BaseURL, a.ID); url != "" {
			description += fmt.Sprintf("\n[More Like This](%s/interested) · [Not Interested](%s/not-interested) · [Similar](%s/similar)",
				url, url, url)
		}

		embeds = append(embeds, DiscordEmbed{
			Title:       truncate(a.Title, 256),
			Description: description,
			URL:         a.Link,
			Color:       scoreColor(item.Score),
			Footer: &DiscordEmbedFooter{
				Text: fmt.Sprintf("%s · score %s", a.Origin, scorePercent(item.Score)),
			},
			Timestamp: a.Published.UTC().Format(time.RFC3339),
		})
	}

	return &DiscordMessage{
		Content: fmt.Sprintf("**%d new papers for %s**", len(items), ch.Name),
		Embeds:  embeds,
	}
}

func scoreColor(score float64) int {
	switch {
	case score >= 0.8:
		return colorHigh
	case score >= 0.5:
		return colorMid
	default:
		return colorLow
	}
}
