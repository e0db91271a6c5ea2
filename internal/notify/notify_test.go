package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"papersorter/internal/core"
)

func sampleItems() []Item {
	return []Item{
		{
			Article: core.Article{
				ID:        42,
				Title:     "Scaling Laws Revisited",
				Authors:   []string{"Ada Lovelace", "Grace Hopper"},
				Origin:    "arXiv cs.LG",
				Link:      "https://arxiv.org/abs/2501.00001",
				Published: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
				TLDR:      "Scaling laws still hold.",
			},
			Score: 0.91,
		},
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"https://hooks.slack.com/services/T/B/X", "*notify.SlackProvider"},
		{"https://discord.com/api/webhooks/1/abc", "*notify.DiscordProvider"},
		{"https://discordapp.com/api/webhooks/1/abc", "*notify.DiscordProvider"},
		{"mailto:team@example.org", "*notify.EmailProvider"},
		{"https://internal.example.org/hook", "*notify.SlackProvider"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			p, err := Detect(tt.endpoint, Options{}, SMTPConfig{})
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got := typeName(p); got != tt.want {
				t.Errorf("Detect(%q) = %s, want %s", tt.endpoint, got, tt.want)
			}
		})
	}

	if _, err := Detect("ftp://example.org", Options{}, SMTPConfig{}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *SlackProvider:
		return "*notify.SlackProvider"
	case *DiscordProvider:
		return "*notify.DiscordProvider"
	case *EmailProvider:
		return "*notify.EmailProvider"
	default:
		return "unknown"
	}
}

func TestSlackSendRendersBlocks(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
	}))
	defer srv.Close()

	p := NewSlackProvider(Options{BaseURL: "https://sorter.example.org"})
	ch := &core.Channel{Name: "ml-papers", Endpoint: srv.URL}

	if err := p.Send(context.Background(), ch, sampleItems()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload, _ := json.Marshal(got)
	text := string(payload)
	for _, want := range []string{
		"Scaling Laws Revisited",
		"Ada Lovelace, Grace Hopper",
		"score 91%",
		"https://sorter.example.org/articles/42",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("slack payload missing %q", want)
		}
	}
}

func TestSlackSendOutcomes(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusNotFound, false, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		p := NewSlackProvider(Options{})
		err := p.Send(context.Background(), &core.Channel{Endpoint: srv.URL}, sampleItems())
		srv.Close()

		if tt.status == http.StatusOK {
			if err != nil {
				t.Errorf("status %d: unexpected error %v", tt.status, err)
			}
			continue
		}
		if core.IsTransient(err) != tt.transient || core.IsPermanent(err) != tt.permanent {
			t.Errorf("status %d: transient=%v permanent=%v (err %v)",
				tt.status, core.IsTransient(err), core.IsPermanent(err), err)
		}
	}
}

func TestDiscordSendChunksEmbeds(t *testing.T) {
	var requests int
	var embedCounts []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var msg DiscordMessage
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &msg)
		embedCounts = append(embedCounts, len(msg.Embeds))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	items := make([]Item, 13)
	for i := range items {
		items[i] = Item{Article: core.Article{ID: int64(i), Title: "p", Published: time.Now()}, Score: 0.9}
	}

	p := NewDiscordProvider(Options{})
	// No artificial waiting in tests.
	p.limiter.SetLimit(1e6)

	ch := &core.Channel{Name: "papers", Endpoint: srv.URL}
	if err := p.Send(context.Background(), ch, items); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if requests != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
	if embedCounts[0] != 10 || embedCounts[1] != 3 {
		t.Errorf("embed counts = %v, want [10 3]", embedCounts)
	}
}

func TestScoreColorBuckets(t *testing.T) {
	if scoreColor(0.95) != colorHigh {
		t.Error("0.95 should be high")
	}
	if scoreColor(0.6) != colorMid {
		t.Error("0.6 should be mid")
	}
	if scoreColor(0.2) != colorLow {
		t.Error("0.2 should be low")
	}
}

func TestEmailSendBuildsMultipartDigest(t *testing.T) {
	var (
		gotTo  []string
		gotMsg []byte
	)
	p := NewEmailProvider(SMTPConfig{
		Host: "mail.example.org", Port: 587, FromAddress: "sorter@example.org",
	}, Options{BaseURL: "https://sorter.example.org"})
	p.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	}

	ch := &core.Channel{Name: "weekly", Endpoint: "mailto:team@example.org"}
	if err := p.Send(context.Background(), ch, sampleItems()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(gotTo) != 1 || gotTo[0] != "team@example.org" {
		t.Errorf("recipients = %v", gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{
		"Subject: weekly: 1 new papers",
		"multipart/alternative",
		"text/plain",
		"text/html",
		"Scaling Laws Revisited",
		"https://sorter.example.org/articles/42",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestEmailSendRejectsBadEndpoint(t *testing.T) {
	p := NewEmailProvider(SMTPConfig{}, Options{})
	err := p.Send(context.Background(), &core.Channel{Endpoint: "mailto:"}, sampleItems())
	if !core.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestFormatAuthors(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"A"}, "A"},
		{[]string{"A", "B", "C"}, "A, B, C"},
		{[]string{"A", "B", "C", "D"}, "A, B, C et al."},
	}
	for _, tt := range tests {
		if got := formatAuthors(tt.in); got != tt.want {
			t.Errorf("formatAuthors(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
