package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"papersorter/internal/core"
)

// SlackMessage is the webhook payload using Block Kit.
type SlackMessage struct {
	Text   string       `json:"text,omitempty"`
	Blocks []SlackBlock `json:"blocks,omitempty"`
}

// SlackBlock is one Block Kit element.
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackText     `json:"text,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackText is a text object inside a block.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackElement is a button or context element.
type SlackElement struct {
	Type string     `json:"type"`
	Text *SlackText `json:"text,omitempty"`
	URL  string     `json:"url,omitempty"`
}

// SlackProvider posts Block Kit messages to an incoming webhook.
type SlackProvider struct {
	http *http.Client
	opts Options
}

// NewSlackProvider builds a Slack webhook provider.
func NewSlackProvider(opts Options) *SlackProvider {
	return &SlackProvider{
		http: &http.Client{Timeout: 10 * time.Second},
		opts: opts,
	}
}

// Send posts one message covering all items.
func (p *SlackProvider) Send(ctx context.Context, ch *core.Channel, items []Item) error {
	msg := p.render(ch, items)
	payload, err := json.Marshal(msg)
	if err != nil {
		return core.Permanent(fmt.Errorf("marshal slack message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return core.Permanent(fmt.Errorf("build slack request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return core.Transient(fmt.Errorf("send slack message: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return core.Transient(fmt.Errorf("slack webhook returned status %d", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return core.Permanent(fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, body))
	}
}

func (p *SlackProvider) render(ch *core.Channel, items []Item) *SlackMessage {
	var blocks []SlackBlock

	blocks = append(blocks, SlackBlock{
		Type: "header",
		Text: &SlackText{Type: "plain_text", Text: fmt.Sprintf("New papers for %s", ch.Name)},
	})

	for _, item := range items {
		a := item.Article

		text := fmt.Sprintf("*<%s|%s>*", a.Link, a.Title)
		if authors := formatAuthors(a.Authors); authors != "" {
			text += "\n" + authors
		}
		meta := fmt.Sprintf("%s · %s · score %s", a.Origin, formatPublished(a.Published), scorePercent(item.Score))
		text += "\n_" + meta + "_"
		if summary := firstNonEmpty(a.TLDR, a.Content); summary != "" {
			text += "\n" + truncate(summary, 300)
		}

		blocks = append(blocks, SlackBlock{Type: "divider"})
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{Type: "mrkdwn", Text: text},
		})

		if url := articleURL(p.opts.BaseURL, a.ID); url != "" {
			blocks = append(blocks, SlackBlock{
				Type:     "actions",
				Elements: actionButtons(url, a.Link),
			})
		}
	}

	return &SlackMessage{
		Text:   fmt.Sprintf("%d new papers for %s", len(items), ch.Name),
		Blocks: blocks,
	}
}

// actionButtons links back into the labeling UI plus the paper itself.
func actionButtons(labelURL, link string) []SlackElement {
	button := func(label, url string) SlackElement {
		return SlackElement{
			Type: "button",
			Text: &SlackText{Type: "plain_text", Text: label},
			URL:  url,
		}
	}
	return []SlackElement{
		button("More Like This", labelURL+"/interested"),
		button("Not Interested", labelURL+"/not-interested"),
		button("Similar Papers", labelURL+"/similar"),
		button("Read Paper", link),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
