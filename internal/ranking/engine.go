// Package ranking scores and orders posts from a store snapshot.
//
// The engine is pure: given the same snapshot, clock and configuration it
// always produces the same ordering, so it can be exercised exhaustively in
// tests and run concurrently for many feed requests.
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/openfeeds/domainfeed/internal/domain"
)

// Config holds the scoring parameters. See config.RankingConfig for the
// load-time validation of these values.
type Config struct {
	DecayRate      float64
	MaxAgeHours    int
	MinShareCount  int64
	MinRepostCount int64
	RepostWeight   float64
	ResultsLimit   int
	MaxPostsPerURL int
}

// RankedPost is one scored entry in the feed ordering.
type RankedPost struct {
	URI         string
	CID         string
	CreatedAt   time.Time
	URL         string
	Domain      string
	ShareCount  int64
	RepostCount int64
	AgeHours    float64
	Score       float64
}

// Engine computes the ranked feed ordering.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Score computes the time-decay score:
//
//	score = max(repost_count, 1)^repost_weight × share_count × e^(−decay_rate × age_hours)
//
// An un-reposted post still scores on its URL's popularity.
func (e *Engine) Score(repostCount, shareCount int64, ageHours float64) float64 {
	effective := float64(repostCount)
	if effective < 1 {
		effective = 1
	}
	weighted := math.Pow(effective, e.cfg.RepostWeight)
	return weighted * float64(shareCount) * math.Exp(-e.cfg.DecayRate*ageHours)
}

// Rank filters and scores the snapshot, returning the full deterministic
// ordering: score descending, then creation time descending, then URI
// ascending.
//
// A post referencing several URLs is ranked once, on its most-shared URL.
func (e *Engine) Rank(snapshot []domain.SnapshotRow, now time.Time) []RankedPost {
	best := make(map[string]domain.SnapshotRow, len(snapshot))
	for _, row := range snapshot {
		cur, ok := best[row.URI]
		if !ok || row.ShareCount > cur.ShareCount {
			best[row.URI] = row
		}
	}

	ranked := make([]RankedPost, 0, len(best))
	for _, row := range best {
		age := now.Sub(row.CreatedAt).Hours()
		if age < 0 {
			age = 0
		}
		if age > float64(e.cfg.MaxAgeHours) {
			continue
		}
		if row.ShareCount < e.cfg.MinShareCount {
			continue
		}
		if row.RepostCount < e.cfg.MinRepostCount {
			continue
		}

		ranked = append(ranked, RankedPost{
			URI:         row.URI,
			CID:         row.CID,
			CreatedAt:   row.CreatedAt,
			URL:         row.URL,
			Domain:      row.Domain,
			ShareCount:  row.ShareCount,
			RepostCount: row.RepostCount,
			AgeHours:    age,
			Score:       e.Score(row.RepostCount, row.ShareCount, age),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})

	if e.cfg.MaxPostsPerURL > 0 {
		ranked = capPerURL(ranked, e.cfg.MaxPostsPerURL)
	}

	return ranked
}

// less is the feed's total order: score desc, created_at desc, uri asc.
func less(a, b RankedPost) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.URI < b.URI
}

// capPerURL keeps at most n entries per URL, preserving order.
func capPerURL(ranked []RankedPost, n int) []RankedPost {
	counts := make(map[string]int)
	out := ranked[:0]
	for _, p := range ranked {
		if counts[p.URL] >= n {
			continue
		}
		counts[p.URL]++
		out = append(out, p)
	}
	return out
}

// Page returns the slice of ranked results after the pagination cursor, at
// most limit entries, plus the continuation cursor. An empty continuation
// cursor is the end-of-list marker. An unparsable cursor starts from the
// beginning, matching the behavior for a missing cursor.
func (e *Engine) Page(ranked []RankedPost, cursor string, limit int) ([]RankedPost, string) {
	if limit <= 0 || limit > e.cfg.ResultsLimit {
		limit = e.cfg.ResultsLimit
	}

	start := 0
	if cursor != "" {
		if c, err := decodeCursor(cursor); err == nil {
			start = afterCursor(ranked, c)
		}
	}

	if start >= len(ranked) {
		return nil, ""
	}

	end := start + limit
	if end > len(ranked) {
		end = len(ranked)
	}
	page := ranked[start:end]

	next := ""
	if end < len(ranked) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(pageCursor{
			Score:     last.Score,
			CreatedAt: last.CreatedAt.UnixMicro(),
			URI:       last.URI,
		})
	}
	return page, next
}

// afterCursor locates the index of the first item strictly after the cursor
// position. It first looks for the exact item; if the ranking shifted since
// the cursor was issued, it falls back to an order-based comparison so pages
// never repeat earlier items.
func afterCursor(ranked []RankedPost, c pageCursor) int {
	for i, p := range ranked {
		if p.URI == c.URI && p.CreatedAt.UnixMicro() == c.CreatedAt {
			return i + 1
		}
	}

	anchor := RankedPost{
		Score:     c.Score,
		CreatedAt: time.UnixMicro(c.CreatedAt).UTC(),
		URI:       c.URI,
	}
	for i, p := range ranked {
		if less(anchor, p) {
			return i
		}
	}
	return len(ranked)
}
