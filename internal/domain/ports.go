package domain

import (
	"context"
	"time"
)

// EventStore defines the transactional persistence contract for firehose
// events and the read contract for ranking and stats.
//
// Each Apply method runs as a single transaction that also advances the
// stream cursor, so a crash can never leave the cursor ahead of the data or
// the data ahead of the cursor. All Apply methods are idempotent with respect
// to their event's unique identifier and safe to re-run on at-least-once
// delivery.
type EventStore interface {
	// ApplyPostCreate inserts a post and its trusted URLs, incrementing each
	// URL's share count. Returns false without side effects when the post is
	// already indexed.
	ApplyPostCreate(ctx context.Context, ev *PostCreate) (bool, error)

	// ApplyRepostDelta adjusts a post's repost count by ev.Delta. Returns
	// false when the delta did not apply: the subject post is not indexed,
	// the repost was already counted, or the deletion has no matching
	// creation.
	ApplyRepostDelta(ctx context.Context, ev *RepostDelta) (bool, error)

	// ApplyPostDelete removes a post and decrements the share count of every
	// URL it referenced, never below zero. Returns false when the URI was not
	// indexed and nothing changed.
	ApplyPostDelete(ctx context.Context, ev *PostDelete) (bool, error)

	// Cursor returns the last applied upstream sequence position and the
	// persisted gap indicator. A zero sequence means no cursor has been
	// saved.
	Cursor(ctx context.Context) (seq int64, gap bool, err error)

	// SaveCursor persists the cursor position. The stored value only ever
	// moves forward; an older sequence is ignored.
	SaveCursor(ctx context.Context, seq int64) error

	// SetGap records whether a retention gap was detected on resume.
	SetGap(ctx context.Context, gap bool) error

	// Snapshot returns one row per live (post, URL) pair no older than
	// maxAge, with current counters, as a consistent read.
	Snapshot(ctx context.Context, maxAge time.Duration) ([]SnapshotRow, error)

	// Stats returns the read-only stats projection.
	Stats(ctx context.Context) (*StoreStats, error)

	// DeleteOldPosts removes posts created before the retention window,
	// decrementing the affected URL share counts. Returns rows deleted.
	DeleteOldPosts(ctx context.Context, retention time.Duration) (int64, error)
}

// SnapshotRow is the ranking engine's view of one post/URL pairing.
type SnapshotRow struct {
	URI         string
	CID         string
	AuthorDID   string
	CreatedAt   time.Time
	RepostCount int64
	URL         string
	Domain      string
	ShareCount  int64
	FirstSeen   time.Time
}

// StoreStats summarizes the store for the stats endpoint.
type StoreStats struct {
	Posts     int64
	URLs      int64
	Domains   int64
	CursorSeq int64
	Gap       bool
}
