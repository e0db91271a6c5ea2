// Package feeds polls registered feed sources and turns their entries into
// articles ready for deduplication and storage.
package feeds

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"papersorter/internal/core"
)

const userAgent = "PaperSorter/1.0"

// FetchResult holds the parsed articles for one source, or the not-modified
// marker when the server honored our conditional headers.
type FetchResult struct {
	Articles    []core.Article
	NotModified bool
}

type cacheEntry struct {
	etag         string
	lastModified string
}

// Client fetches and parses one feed URL at a time. Conditional headers from
// previous fetches are cached in-process, so long-running daemons skip
// unchanged feeds cheaply.
type Client struct {
	http   *http.Client
	parser *gofeed.Parser

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient builds a Client. When sslVerify is false, certificate errors are
// ignored; some institutional proxies require this.
func NewClient(timeout time.Duration, sslVerify bool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !sslVerify}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		parser: gofeed.NewParser(),
		cache:  make(map[string]cacheEntry),
	}
}

// Fetch retrieves and parses the source's feed. Basic-auth credentials on the
// source are applied when present.
func (c *Client) Fetch(ctx context.Context, src *core.FeedSource) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if src.Username != "" {
		req.SetBasicAuth(src.Username, src.Password)
	}

	c.mu.Lock()
	if entry, ok := c.cache[src.URL]; ok {
		if entry.etag != "" {
			req.Header.Set("If-None-Match", entry.etag)
		}
		if entry.lastModified != "" {
			req.Header.Set("If-Modified-Since", entry.lastModified)
		}
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("fetch feed %q: %w", src.URL, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &FetchResult{NotModified: true}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, core.Permanent(fmt.Errorf("feed %q returned status %d", src.URL, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, core.Transient(fmt.Errorf("feed %q returned status %d", src.URL, resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("read feed %q: %w", src.URL, err))
	}

	c.mu.Lock()
	c.cache[src.URL] = cacheEntry{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	c.mu.Unlock()

	feed, err := c.parser.Parse(bytes.NewReader(body))
	if err != nil {
		articles := parseFallback(bytes.NewReader(body), src)
		if len(articles) == 0 {
			return nil, core.Permanent(fmt.Errorf("parse feed %q: %w", src.URL, err))
		}
		return &FetchResult{Articles: articles}, nil
	}

	return &FetchResult{Articles: c.convert(feed, src)}, nil
}

// parseFallback extracts entries from feeds the strict parser rejects. HTML
// parsing tolerates the unescaped entities and stray markup that break XML,
// at the cost of looser field handling.
func parseFallback(r io.Reader, src *core.FeedSource) []core.Article {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil
	}

	var out []core.Article
	doc.Find("item, entry").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find("title").First().Text())
		link := fallbackLink(s)
		externalID := strings.TrimSpace(s.Find("guid, id").First().Text())
		if externalID == "" {
			externalID = link
		}
		if externalID == "" || title == "" {
			return
		}

		var content string
		for _, sel := range []string{"content\\:encoded", "description", "summary", "content"} {
			if v := strings.TrimSpace(s.Find(sel).First().Text()); v != "" {
				content = v
				break
			}
		}

		var authors []string
		for _, sel := range []string{"author", "dc\\:creator"} {
			s.Find(sel).Each(func(_ int, a *goquery.Selection) {
				if name := strings.TrimSpace(a.Text()); name != "" {
					authors = append(authors, name)
				}
			})
			if len(authors) > 0 {
				break
			}
		}

		published := time.Now().UTC()
		if raw := strings.TrimSpace(s.Find("pubdate, published").First().Text()); raw != "" {
			if t, err := parseFeedTime(raw); err == nil {
				published = t
			}
		}

		out = append(out, core.Article{
			ExternalID: externalID,
			Title:      CleanText(title),
			Content:    CleanText(content),
			Authors:    authors,
			Origin:     src.Name,
			Link:       link,
			Published:  published,
		})
	})
	return out
}

// fallbackLink handles both Atom links (href attribute) and RSS links. The
// HTML parser treats <link> as a void element, so an RSS link's URL text
// lands in the following sibling node.
func fallbackLink(s *goquery.Selection) string {
	ln := s.Find("link").First()
	if ln.Length() == 0 {
		return ""
	}
	if href, ok := ln.Attr("href"); ok && href != "" {
		return href
	}
	if v := strings.TrimSpace(ln.Text()); v != "" {
		return v
	}
	if n := ln.Get(0).NextSibling; n != nil && n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}
	return ""
}

func parseFeedTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339, time.RFC822Z, time.RFC822} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}

// convert maps feed items to articles. Items without both a stable id and a
// link are skipped; there is nothing to deduplicate them by.
func (c *Client) convert(feed *gofeed.Feed, src *core.FeedSource) []core.Article {
	origin := src.Name
	if origin == "" {
		origin = feed.Title
	}

	var out []core.Article
	for _, item := range feed.Items {
		externalID := item.GUID
		if externalID == "" {
			externalID = item.Link
		}
		if externalID == "" {
			continue
		}

		var authors []string
		for _, a := range item.Authors {
			if a != nil && a.Name != "" {
				authors = append(authors, a.Name)
			}
		}

		content := item.Content
		if content == "" {
			content = item.Description
		}

		published := time.Now().UTC()
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC()
		} else if item.UpdatedParsed != nil {
			published = item.UpdatedParsed.UTC()
		}

		out = append(out, core.Article{
			ExternalID: externalID,
			Title:      CleanText(item.Title),
			Content:    CleanText(content),
			Authors:    authors,
			Origin:     origin,
			Link:       item.Link,
			Published:  published,
		})
	}
	return out
}

// CleanText strips HTML markup and collapses whitespace. Plain text passes
// through with only whitespace normalization.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<>") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
