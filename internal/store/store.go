// Package store implements the SQLite-backed event store.
//
// Write operations apply one firehose event per transaction and advance the
// stream cursor in the same transaction, so cursor and data can never drift
// apart. The schema runs in WAL mode: the single logical writer never blocks
// readers, and readers see a consistent snapshot.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openfeeds/domainfeed/internal/domain"
)

// Store implements domain.EventStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.EventStore = (*Store)(nil)

// Open opens (or creates) the SQLite database at path, applies migrations,
// and returns a Store. The caller should Close it when done.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path,
	)
	return open(dsn, 0, logger)
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory(logger *slog.Logger) (*Store, error) {
	// A second connection to :memory: would get its own empty database.
	return open("file::memory:?_pragma=foreign_keys(1)", 1, logger)
}

func open(dsn string, maxConns int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ApplyPostCreate inserts a post and its trusted URLs in one transaction.
func (s *Store) ApplyPostCreate(ctx context.Context, ev *domain.PostCreate) (applied bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO posts (uri, cid, author_did, text, created_at, indexed_at, repost_count)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT (uri) DO NOTHING`,
			ev.URI, ev.CID, ev.AuthorDID, ev.Text, micros(ev.CreatedAt), micros(now),
		)
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		// Duplicate delivery: the post is already indexed. Advance the
		// cursor but leave every counter untouched.
		if inserted > 0 {
			applied = true
			// A repeated canonical URL in one event must count once.
			seen := make(map[string]struct{}, len(ev.URLs))
			for _, u := range ev.URLs {
				if _, dup := seen[u.URL]; dup {
					continue
				}
				seen[u.URL] = struct{}{}
				if err := linkURL(ctx, tx, ev.URI, u, now); err != nil {
					return err
				}
			}
		}

		return advanceCursor(ctx, tx, ev.Seq)
	})
	return applied, err
}

// linkURL upserts the URL aggregate, increments its share count, and links it
// to the post.
func linkURL(ctx context.Context, tx *sql.Tx, postURI string, u domain.TrustedURL, now time.Time) error {
	var urlID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO urls (url, domain, first_seen, last_seen, share_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (url) DO UPDATE SET
			share_count = share_count + 1,
			last_seen = excluded.last_seen
		RETURNING id`,
		u.URL, u.Domain, micros(now), micros(now),
	).Scan(&urlID)
	if err != nil {
		return fmt.Errorf("upsert url %s: %w", u.URL, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO post_urls (post_uri, url_id, shared_at)
		VALUES (?, ?, ?)
		ON CONFLICT (post_uri, url_id) DO NOTHING`,
		postURI, urlID, micros(now),
	)
	if err != nil {
		return fmt.Errorf("link post to url: %w", err)
	}
	return nil
}

// ApplyRepostDelta adjusts the subject post's repost count.
func (s *Store) ApplyRepostDelta(ctx context.Context, ev *domain.RepostDelta) (applied bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		switch {
		case ev.Delta > 0:
			applied, err = s.applyRepost(ctx, tx, ev)
		case ev.Delta < 0:
			applied, err = s.applyUnrepost(ctx, tx, ev)
		}
		if err != nil {
			return err
		}
		return advanceCursor(ctx, tx, ev.Seq)
	})
	return applied, err
}

func (s *Store) applyRepost(ctx context.Context, tx *sql.Tx, ev *domain.RepostDelta) (bool, error) {
	// Only reposts of indexed posts are tracked.
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM posts WHERE uri = ?`, ev.SubjectURI,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subject post: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reposts (uri, subject_uri, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (uri) DO NOTHING`,
		ev.RepostURI, ev.SubjectURI, micros(time.Now().UTC()),
	)
	if err != nil {
		return false, fmt.Errorf("insert repost: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if inserted == 0 {
		// Duplicate delivery of the same repost record.
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE posts SET repost_count = repost_count + 1 WHERE uri = ?`,
		ev.SubjectURI,
	)
	if err != nil {
		return false, fmt.Errorf("increment repost count: %w", err)
	}
	return true, nil
}

func (s *Store) applyUnrepost(ctx context.Context, tx *sql.Tx, ev *domain.RepostDelta) (bool, error) {
	var subjectURI string
	err := tx.QueryRowContext(ctx,
		`DELETE FROM reposts WHERE uri = ? RETURNING subject_uri`, ev.RepostURI,
	).Scan(&subjectURI)
	if err == sql.ErrNoRows {
		// Deletion without a recorded creation: nothing to undo.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete repost: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE posts SET repost_count = MAX(repost_count - 1, 0) WHERE uri = ?`,
		subjectURI,
	)
	if err != nil {
		return false, fmt.Errorf("decrement repost count: %w", err)
	}
	return true, nil
}

// ApplyPostDelete removes the post and decrements its URLs' share counts.
func (s *Store) ApplyPostDelete(ctx context.Context, ev *domain.PostDelete) (applied bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE urls SET share_count = MAX(share_count - 1, 0)
			WHERE id IN (SELECT url_id FROM post_urls WHERE post_uri = ?)`,
			ev.URI,
		)
		if err != nil {
			return fmt.Errorf("decrement share counts: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM post_urls WHERE post_uri = ?`, ev.URI,
		); err != nil {
			return fmt.Errorf("unlink post urls: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM reposts WHERE subject_uri = ?`, ev.URI,
		); err != nil {
			return fmt.Errorf("delete reposts: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM posts WHERE uri = ?`, ev.URI,
		)
		if err != nil {
			return fmt.Errorf("delete post: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		applied = deleted > 0

		return advanceCursor(ctx, tx, ev.Seq)
	})
	return applied, err
}

// Cursor returns the persisted stream cursor and gap indicator.
func (s *Store) Cursor(ctx context.Context) (int64, bool, error) {
	var seq int64
	var gap int
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, gap FROM stream_cursor WHERE id = 1`,
	).Scan(&seq, &gap)
	if err != nil {
		return 0, false, fmt.Errorf("read cursor: %w", err)
	}
	return seq, gap != 0, nil
}

// SaveCursor persists the cursor position outside of event application. The
// stored value only moves forward.
func (s *Store) SaveCursor(ctx context.Context, seq int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return advanceCursor(ctx, tx, seq)
	})
}

// SetGap records the retention-gap indicator.
func (s *Store) SetGap(ctx context.Context, gap bool) error {
	g := 0
	if gap {
		g = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE stream_cursor SET gap = ?, updated_at = ? WHERE id = 1`,
		g, micros(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("set gap: %w", err)
	}
	return nil
}

// Snapshot returns one row per live (post, URL) pair created within maxAge.
func (s *Store) Snapshot(ctx context.Context, maxAge time.Duration) ([]domain.SnapshotRow, error) {
	cutoff := micros(time.Now().UTC().Add(-maxAge))

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.uri, p.cid, p.author_did, p.created_at, p.repost_count,
		       u.url, u.domain, u.share_count, u.first_seen
		FROM posts p
		JOIN post_urls pu ON pu.post_uri = p.uri
		JOIN urls u ON u.id = pu.url_id
		WHERE p.created_at >= ?
		ORDER BY p.created_at DESC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var snapshot []domain.SnapshotRow
	for rows.Next() {
		var r domain.SnapshotRow
		var createdAt, firstSeen int64
		if err := rows.Scan(
			&r.URI, &r.CID, &r.AuthorDID, &createdAt, &r.RepostCount,
			&r.URL, &r.Domain, &r.ShareCount, &firstSeen,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		r.CreatedAt = fromMicros(createdAt)
		r.FirstSeen = fromMicros(firstSeen)
		snapshot = append(snapshot, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return snapshot, nil
}

// Stats returns the read-only stats projection.
func (s *Store) Stats(ctx context.Context) (*domain.StoreStats, error) {
	stats := &domain.StoreStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM posts),
			(SELECT COUNT(*) FROM urls),
			(SELECT COUNT(DISTINCT domain) FROM urls),
			(SELECT seq FROM stream_cursor WHERE id = 1),
			(SELECT gap FROM stream_cursor WHERE id = 1)`,
	).Scan(&stats.Posts, &stats.URLs, &stats.Domains, &stats.CursorSeq, &stats.Gap)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// DeleteOldPosts removes posts created before the retention window and
// decrements the affected URL share counts. URL aggregates themselves are
// retained for historical stats.
func (s *Store) DeleteOldPosts(ctx context.Context, retention time.Duration) (deleted int64, err error) {
	cutoff := micros(time.Now().UTC().Add(-retention))

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE urls SET share_count = MAX(share_count - (
				SELECT COUNT(*) FROM post_urls pu
				JOIN posts p ON p.uri = pu.post_uri
				WHERE pu.url_id = urls.id AND p.created_at < ?
			), 0)`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("decrement share counts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM reposts WHERE subject_uri IN
				(SELECT uri FROM posts WHERE created_at < ?)`,
			cutoff,
		); err != nil {
			return fmt.Errorf("delete reposts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM post_urls WHERE post_uri IN
				(SELECT uri FROM posts WHERE created_at < ?)`,
			cutoff,
		); err != nil {
			return fmt.Errorf("unlink post urls: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM posts WHERE created_at < ?`, cutoff,
		)
		if err != nil {
			return fmt.Errorf("delete posts: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

// advanceCursor moves the stream cursor forward within the current
// transaction. An older sequence never rewinds it.
func advanceCursor(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE stream_cursor SET seq = MAX(seq, ?), updated_at = ? WHERE id = 1`,
		seq, micros(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error. Write transactions
// are short by construction: one event application each.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(n int64) time.Time {
	return time.UnixMicro(n).UTC()
}
