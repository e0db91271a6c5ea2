package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"papersorter/internal/core"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>arXiv cs.LG</title>
  <item>
    <title>Scaling Laws, &lt;b&gt;Revisited&lt;/b&gt;</title>
    <link>https://arxiv.org/abs/2501.00001</link>
    <guid>oai:arXiv.org:2501.00001</guid>
    <description>&lt;p&gt;We revisit   scaling laws.&lt;/p&gt;</description>
    <pubDate>Fri, 10 Jan 2025 08:00:00 GMT</pubDate>
    <author>jane@example.org (Jane Doe)</author>
  </item>
  <item>
    <title>Untitled Blob</title>
    <link></link>
    <description>no guid, no link</description>
  </item>
</channel>
</rss>`

func TestFetchParsesRSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, true)
	src := &core.FeedSource{ID: 1, Name: "arXiv cs.LG", URL: srv.URL}

	result, err := c.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.NotModified {
		t.Fatal("unexpected not-modified on first fetch")
	}
	if len(result.Articles) != 1 {
		t.Fatalf("expected 1 article (item without id skipped), got %d", len(result.Articles))
	}

	a := result.Articles[0]
	if a.ExternalID != "oai:arXiv.org:2501.00001" {
		t.Errorf("external id = %q", a.ExternalID)
	}
	if a.Title != "Scaling Laws, Revisited" {
		t.Errorf("title not cleaned: %q", a.Title)
	}
	if a.Content != "We revisit scaling laws." {
		t.Errorf("content not cleaned: %q", a.Content)
	}
	if a.Origin != "arXiv cs.LG" {
		t.Errorf("origin = %q", a.Origin)
	}
	if a.Published.UTC().Hour() != 8 {
		t.Errorf("published = %v", a.Published)
	}
}

func TestFetchSendsConditionalHeaders(t *testing.T) {
	var fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, true)
	src := &core.FeedSource{ID: 1, URL: srv.URL}

	if _, err := c.Fetch(context.Background(), src); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	result, err := c.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !result.NotModified {
		t.Error("expected not-modified on second fetch")
	}
	if fetches != 2 {
		t.Errorf("expected 2 requests, got %d", fetches)
	}
}

func TestFetchAppliesBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "reader" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, true)

	_, err := c.Fetch(context.Background(), &core.FeedSource{ID: 1, URL: srv.URL})
	if err == nil {
		t.Fatal("expected failure without credentials")
	}
	if !core.IsPermanent(err) {
		t.Errorf("401 should be permanent, got %v", err)
	}

	result, err := c.Fetch(context.Background(), &core.FeedSource{
		ID: 1, URL: srv.URL, Username: "reader", Password: "s3cret",
	})
	if err != nil {
		t.Fatalf("authed fetch: %v", err)
	}
	if len(result.Articles) == 0 {
		t.Error("expected articles from authed fetch")
	}
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, true)
	_, err := c.Fetch(context.Background(), &core.FeedSource{ID: 1, URL: srv.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	if !core.IsTransient(err) {
		t.Errorf("502 should be transient, got %v", err)
	}
}

// Bare ampersands make this invalid XML; only the fallback extractor can
// read it.
const malformedFeed = `<?xml version="1.0"?>
<rss version="2.0">
<channel>
  <title>Lab Preprints & Reviews</title>
  <item>
    <title>Chromatin Loops & Gene Expression</title>
    <link>https://ex.org/p/77</link>
    <guid>p77</guid>
    <description>Loops matter <b>a lot</b></description>
    <pubDate>Fri, 10 Jan 2025 08:00:00 +0000</pubDate>
    <dc:creator>Rosalind Franklin</dc:creator>
  </item>
  <entry>
    <title>Attention Is Not Enough</title>
    <link href="https://ex.org/p/78"/>
    <id>p78</id>
    <summary>A rebuttal</summary>
    <published>2025-01-09T12:00:00Z</published>
    <author><name>Alan Turing</name></author>
  </entry>
</channel>
</rss>`

func TestFetchFallsBackOnMalformedFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(malformedFeed))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, true)
	result, err := c.Fetch(context.Background(), &core.FeedSource{ID: 1, Name: "lab", URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Articles) != 2 {
		t.Fatalf("expected 2 articles from fallback, got %d", len(result.Articles))
	}

	rss := result.Articles[0]
	if rss.ExternalID != "p77" {
		t.Errorf("rss external id = %q", rss.ExternalID)
	}
	if rss.Link != "https://ex.org/p/77" {
		t.Errorf("rss link = %q", rss.Link)
	}
	if rss.Title != "Chromatin Loops & Gene Expression" {
		t.Errorf("rss title = %q", rss.Title)
	}
	if len(rss.Authors) != 1 || rss.Authors[0] != "Rosalind Franklin" {
		t.Errorf("rss authors = %v", rss.Authors)
	}
	if rss.Published.UTC().Hour() != 8 {
		t.Errorf("rss published = %v", rss.Published)
	}

	atom := result.Articles[1]
	if atom.ExternalID != "p78" {
		t.Errorf("atom external id = %q", atom.ExternalID)
	}
	if atom.Link != "https://ex.org/p/78" {
		t.Errorf("atom link = %q", atom.Link)
	}
	if len(atom.Authors) != 1 || atom.Authors[0] != "Alan Turing" {
		t.Errorf("atom authors = %v", atom.Authors)
	}
}

func TestFetchUnparsableFeedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a feed at all"))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, true)
	_, err := c.Fetch(context.Background(), &core.FeedSource{ID: 1, URL: srv.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	if !core.IsPermanent(err) {
		t.Errorf("unparsable feed should be permanent, got %v", err)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"whitespace runs", "a \n\t b", "a b"},
		{"html markup", "<p>one <em>two</em></p>", "one two"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanText(tt.in); got != tt.want {
				t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
