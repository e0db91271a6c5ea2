// Package dedup decides whether an incoming article is new or a duplicate of
// something already stored. Three checks run in order, cheapest first: exact
// external id, byte-equal link, then fuzzy title match against recent titles.
package dedup

import (
	"context"
	"fmt"
	"time"

	"papersorter/internal/core"
	"papersorter/internal/logger"
)

// Lookup is the slice of storage dedup needs.
type Lookup interface {
	ArticleExistsByExternalID(ctx context.Context, externalID string) (bool, error)
	ArticleExistsByLink(ctx context.Context, link string) (bool, error)
	RecentTitles(ctx context.Context, since time.Time) ([]core.ArticleTitle, error)
}

// Verdict reports the outcome of a duplicate check.
type Verdict struct {
	Duplicate bool
	Reason    string // "external_id", "link", or "title"
	MatchedID int64  // set only for title matches
}

// Deduper runs duplicate checks with a fixed window and threshold.
type Deduper struct {
	lookup    Lookup
	window    time.Duration // how far back fuzzy matching looks
	threshold float64       // similarity at or above this is a duplicate
}

// New builds a Deduper. windowDays and threshold come from feed defaults.
func New(lookup Lookup, windowDays int, threshold float64) *Deduper {
	return &Deduper{
		lookup:    lookup,
		window:    time.Duration(windowDays) * 24 * time.Hour,
		threshold: threshold,
	}
}

// Check classifies the article. A zero Verdict with nil error means the
// article is new. Checks run in cost order and stop at the first hit.
func (d *Deduper) Check(ctx context.Context, a *core.Article) (Verdict, error) {
	if a.ExternalID != "" {
		exists, err := d.lookup.ArticleExistsByExternalID(ctx, a.ExternalID)
		if err != nil {
			return Verdict{}, fmt.Errorf("dedup external id check: %w", err)
		}
		if exists {
			return Verdict{Duplicate: true, Reason: "external_id"}, nil
		}
	}

	if a.Link != "" {
		exists, err := d.lookup.ArticleExistsByLink(ctx, a.Link)
		if err != nil {
			return Verdict{}, fmt.Errorf("dedup link check: %w", err)
		}
		if exists {
			return Verdict{Duplicate: true, Reason: "link"}, nil
		}
	}

	since := time.Now().UTC().Add(-d.window)
	recent, err := d.lookup.RecentTitles(ctx, since)
	if err != nil {
		return Verdict{}, fmt.Errorf("dedup title check: %w", err)
	}

	incoming := core.NormalizeTitle(a.Title)
	for _, t := range recent {
		sim := core.TitleSimilarity(incoming, core.NormalizeTitle(t.Title))
		if sim >= d.threshold {
			logger.Get().Debug("fuzzy title duplicate",
				"incoming", a.Title,
				"matched_id", t.ID,
				"similarity", sim)
			return Verdict{Duplicate: true, Reason: "title", MatchedID: t.ID}, nil
		}
	}

	return Verdict{}, nil
}
