// CLAUDE:SUMMARY Persistent dedup store: hashed (channel, feed, url) triples in SQLite answering "which of these URLs are unposted?".
// CLAUDE:EXPORTS Store, NewStore, Hash64
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/hazyhaar/ircfeedbot/dbopen"
)

// Schema for the post table. All three columns participate in the primary
// key, so WITHOUT ROWID stores the rows directly in the index B-tree.
// The secondary index serves channel-scoped membership probes.
const schema = `
CREATE TABLE IF NOT EXISTS post (
	channel INTEGER NOT NULL,
	feed    INTEGER NOT NULL,
	url     INTEGER NOT NULL,
	PRIMARY KEY (channel, feed, url)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_post_channel_url ON post (channel, url);
`

// queryChunkSize bounds the number of bound parameters per membership
// query, staying well under the engine's parameter limit.
const queryChunkSize = 100

// Store answers membership queries over posted (channel, feed, url)
// triples and records new posts. Strings are hashed with Hash64 before
// touching the database; reads run concurrently, writes are serialized
// by a store-level mutex.
type Store struct {
	db *sql.DB

	mu sync.Mutex // serializes writers
}

// NewStore wraps an already-open database, applying the schema. The
// caller owns the handle; the recorder in package stats shares the same
// state database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("dedup: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Maintain vacuums and analyzes the post table. Called once at startup.
func (s *Store) Maintain(ctx context.Context) error {
	start := time.Now()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM post`).Scan(&n); err != nil {
		return fmt.Errorf("dedup: count: %w", err)
	}
	for _, stmt := range []string{"VACUUM", "ANALYZE"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dedup: %s: %w", strings.ToLower(stmt), err)
		}
	}
	slog.Info("dedup: maintenance complete", "posts", n, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// IsNewFeed reports whether no post has ever been recorded for
// (channel, feed).
func (s *Store) IsNewFeed(ctx context.Context, channel, feed string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM post WHERE channel = ? AND feed = ?)`,
		Hash64(channel), Hash64(feed),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup: is new feed: %w", err)
	}
	return exists == 0, nil
}

// Unposted returns the subset of urls with no post recorded for
// (channel, url) under any feed. Input order is preserved; duplicate
// inputs are collapsed to their first occurrence.
func (s *Store) Unposted(ctx context.Context, channel string, urls []string) ([]string, error) {
	return s.unposted(ctx, urls,
		`SELECT url FROM post WHERE channel = ? AND url IN (%s)`,
		Hash64(channel))
}

// UnpostedForFeed returns the subset of urls with no post recorded for
// (channel, feed, url). Input order is preserved; duplicate inputs are
// collapsed to their first occurrence.
func (s *Store) UnpostedForFeed(ctx context.Context, channel, feed string, urls []string) ([]string, error) {
	return s.unposted(ctx, urls,
		`SELECT url FROM post WHERE channel = ? AND feed = ? AND url IN (%s)`,
		Hash64(channel), Hash64(feed))
}

func (s *Store) unposted(ctx context.Context, urls []string, queryTmpl string, keyArgs ...any) ([]string, error) {
	uniq := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		uniq = append(uniq, u)
	}

	posted := make(map[int64]struct{})
	for start := 0; start < len(uniq); start += queryChunkSize {
		end := min(start+queryChunkSize, len(uniq))
		chunk := uniq[start:end]

		args := make([]any, 0, len(keyArgs)+len(chunk))
		args = append(args, keyArgs...)
		for _, u := range chunk {
			args = append(args, Hash64(u))
		}
		query := fmt.Sprintf(queryTmpl, placeholders(len(chunk)))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("dedup: unposted query: %w", err)
		}
		for rows.Next() {
			var h int64
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				return nil, fmt.Errorf("dedup: unposted scan: %w", err)
			}
			posted[h] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dedup: unposted rows: %w", err)
		}
		rows.Close()
	}

	out := make([]string, 0, len(uniq))
	for _, u := range uniq {
		if _, ok := posted[Hash64(u)]; !ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// InsertPosted records the given urls as posted for (channel, feed) in a
// single transaction. Already-present triples are ignored.
func (s *Store) InsertPosted(ctx context.Context, channel, feed string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, fd := Hash64(channel), Hash64(feed)
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for start := 0; start < len(urls); start += queryChunkSize {
			end := min(start+queryChunkSize, len(urls))
			chunk := urls[start:end]

			var sb strings.Builder
			sb.WriteString(`INSERT OR IGNORE INTO post (channel, feed, url) VALUES `)
			args := make([]any, 0, 3*len(chunk))
			for i, u := range chunk {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString("(?, ?, ?)")
				args = append(args, ch, fd, Hash64(u))
			}
			if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
				return fmt.Errorf("dedup: insert posted: %w", err)
			}
		}
		return nil
	})
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
