// Package stats persists run counters and an optional raw IRC protocol
// log into the state database.
//
// All persistence is async and non-blocking: counter deltas are merged
// in memory and flushed in batches; protocol lines beyond the buffer
// cap are dropped rather than applying backpressure to the bot.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS stats_counter (
	name       TEXT PRIMARY KEY,
	value      INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS irc_log (
	ts        INTEGER NOT NULL,
	direction TEXT NOT NULL,
	line      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_irc_log_ts ON irc_log (ts DESC);
`

// Counter names. Fetch approaches are recorded under "fetch_" plus the
// approach name.
const (
	CounterFeedsRead     = "feeds_read"
	CounterReadFailures  = "read_failures"
	CounterEntriesListed = "entries_listed"
	CounterEntriesPosted = "entries_posted"
	CounterMessagesSent  = "messages_sent"
	CounterTopicsSet     = "topics_set"
	CounterAlertsSent    = "alerts_sent"
	CounterSearches      = "searches"

	CounterFetchPrefix = "fetch_"

	counterDroppedLines = "irc_log_dropped"
)

// Direction tags a protocol line as received or sent.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

type protoLine struct {
	at        time.Time
	direction Direction
	line      string
}

// Recorder buffers counter deltas and protocol lines and flushes them
// to SQLite in batches.
type Recorder struct {
	db            *sql.DB
	flushInterval time.Duration
	linesMax      int

	mu      sync.Mutex
	deltas  map[string]int64
	lines   []protoLine
	dropped int64

	stop chan struct{}
	done chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithFlushInterval overrides the flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) { r.flushInterval = d }
}

// WithLineBufferMax overrides the protocol-line buffer cap.
func WithLineBufferMax(n int) Option {
	return func(r *Recorder) { r.linesMax = n }
}

// New applies the stats schema and starts the flush loop.
func New(db *sql.DB, opts ...Option) (*Recorder, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("stats: schema: %w", err)
	}
	r := &Recorder{
		db:            db,
		flushInterval: 2 * time.Second,
		linesMax:      1024,
		deltas:        make(map[string]int64),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.flushLoop()
	return r, nil
}

// Count queues a counter delta. Non-blocking.
func (r *Recorder) Count(name string, delta int64) {
	r.mu.Lock()
	r.deltas[name] += delta
	r.mu.Unlock()
}

// LogLine queues a raw protocol line. Lines beyond the buffer cap are
// dropped and accounted under the irc_log_dropped counter.
func (r *Recorder) LogLine(direction Direction, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) >= r.linesMax {
		r.dropped++
		return
	}
	r.lines = append(r.lines, protoLine{at: time.Now(), direction: direction, line: line})
}

// Counters returns current totals, persisted values merged with
// unflushed deltas.
func (r *Recorder) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT name, value FROM stats_counter")
	if err != nil {
		return nil, fmt.Errorf("stats: counters: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("stats: counters: %w", err)
		}
		totals[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: counters: %w", err)
	}

	r.mu.Lock()
	for name, delta := range r.deltas {
		totals[name] += delta
	}
	if r.dropped > 0 {
		totals[counterDroppedLines] += r.dropped
	}
	r.mu.Unlock()
	return totals, nil
}

// Cleanup deletes protocol-log rows older than keep and returns the
// count removed. Counters are never expired.
func (r *Recorder) Cleanup(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep).Unix()
	res, err := r.db.ExecContext(ctx, "DELETE FROM irc_log WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("stats: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining datapoints and stops the background loop.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	deltas := r.deltas
	lines := r.lines
	if r.dropped > 0 {
		deltas[counterDroppedLines] += r.dropped
		r.dropped = 0
	}
	r.deltas = make(map[string]int64)
	r.lines = nil
	r.mu.Unlock()

	if len(deltas) == 0 && len(lines) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("stats: begin tx", "error", err)
		return
	}

	now := time.Now().Unix()
	for name, delta := range deltas {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stats_counter (name, value, updated_at) VALUES (?,?,?)
			ON CONFLICT (name) DO UPDATE SET
				value = value + excluded.value,
				updated_at = excluded.updated_at`,
			name, delta, now); err != nil {
			slog.Error("stats: upsert counter", "counter", name, "error", err)
		}
	}

	if len(lines) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO irc_log (ts, direction, line) VALUES (?,?,?)")
		if err != nil {
			slog.Error("stats: prepare irc_log", "error", err)
		} else {
			for _, l := range lines {
				if _, err := stmt.ExecContext(ctx, l.at.Unix(), string(l.direction), l.line); err != nil {
					slog.Error("stats: insert irc_log", "error", err)
				}
			}
			stmt.Close()
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("stats: commit", "error", err)
	}
}
