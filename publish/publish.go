// CLAUDE:SUMMARY Archival publishers: Record CSV model, the queue-and-retry wrapper every backend runs under, and the graceful-exit drain contract.
// CLAUDE:EXPORTS Publisher, Backend, Record, Retrier, NewRetrier
package publish

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hazyhaar/ircfeedbot/config"
)

// Record is one published entry row. The posting scope is carried
// separately (it names the archive file, not a column).
type Record struct {
	Time     time.Time
	Feed     string
	Title    string
	LongURL  string
	ShortURL string
}

// Publisher is what the poster hands bundles to. Publish failures are
// absorbed (queued for retry); Drain flushes the queue before exit.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, scope string, records []Record) error
	Drain(ctx context.Context) error
}

// Backend performs one actual publication attempt for a scope.
type Backend interface {
	Name() string
	Publish(ctx context.Context, scope string, records []Record) error
}

// Alerter posts an operator-facing message to the alerts channel.
type Alerter func(msg string)

// Retrier wraps a backend with the shared policy: bounded exponential
// retries per publish, failed batches queued per scope and prepended
// to the next publish for that scope, and an unlimited-retry drain for
// shutdown.
type Retrier struct {
	backend Backend
	alert   Alerter

	retryInterval time.Duration // first retry delay; tests shrink it

	mu     sync.Mutex
	queued map[string][]Record
}

func NewRetrier(backend Backend, alert Alerter) *Retrier {
	return &Retrier{
		backend:       backend,
		alert:         alert,
		retryInterval: 2 * time.Second,
		queued:        make(map[string][]Record),
	}
}

func (r *Retrier) Name() string { return r.backend.Name() }

// Publish sends records plus any queued backlog for the scope. After
// the retry budget is exhausted the whole batch is queued and an alert
// raised; the error is returned so callers can log it, but posting
// continues.
func (r *Retrier) Publish(ctx context.Context, scope string, records []Record) error {
	return r.publish(ctx, scope, records, config.PublishAttemptsMax)
}

func (r *Retrier) publish(ctx context.Context, scope string, records []Record, maxAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := append(r.queued[scope], records...)
	delete(r.queued, scope)
	if len(batch) == 0 {
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := r.backend.Publish(ctx, scope, batch); err != nil {
			slog.Warn("publish: attempt failed",
				"publisher", r.backend.Name(), "scope", scope, "entries", len(batch),
				"attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInterval
	bo.Multiplier = 2
	bo.MaxInterval = config.PublishRetrySleepMax
	bo.MaxElapsedTime = 0

	var wrapped backoff.BackOff = bo
	if maxAttempts > 0 {
		wrapped = backoff.WithMaxRetries(bo, uint64(maxAttempts-1))
	}
	if err := backoff.Retry(op, backoff.WithContext(wrapped, ctx)); err != nil {
		r.queued[scope] = batch
		msg := fmt.Sprintf("Failed to publish %d entries of %s to %s. The entries are queued. The error was: %v",
			len(batch), scope, r.backend.Name(), err)
		if r.alert != nil {
			r.alert(msg)
		}
		return fmt.Errorf("publish: %d entries of %s to %s: %w", len(batch), scope, r.backend.Name(), err)
	}
	slog.Info("publish: published",
		"publisher", r.backend.Name(), "scope", scope, "entries", len(batch), "attempts", attempt)
	return nil
}

// Drain retries every queued batch until it publishes or ctx ends.
// Called on graceful exit after posters have stopped.
func (r *Retrier) Drain(ctx context.Context) error {
	for {
		r.mu.Lock()
		var scope string
		for s := range r.queued {
			scope = s
			break
		}
		r.mu.Unlock()
		if scope == "" {
			return nil
		}
		slog.Info("publish: draining queued entries", "publisher", r.backend.Name(), "scope", scope)
		if err := r.publish(ctx, scope, nil, 0); err != nil {
			return err
		}
	}
}

// Queued reports how many scopes still hold unpublished batches.
func (r *Retrier) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queued)
}

var csvHeader = []string{"dt_utc", "feed", "title", "long_url", "short_url"}

// RecordsCSV renders records as the archive CSV document.
func RecordsCSV(records []Record) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(csvHeader)
	for _, rec := range records {
		w.Write([]string{
			rec.Time.UTC().Format(time.RFC3339),
			rec.Feed,
			rec.Title,
			rec.LongURL,
			rec.ShortURL,
		})
	}
	w.Flush()
	return buf.Bytes()
}

// ParseRecordsCSV is the inverse of RecordsCSV, for appending to an
// already-published file.
func ParseRecordsCSV(doc []byte) ([]Record, error) {
	rows, err := csv.NewReader(bytes.NewReader(doc)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("publish: parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec, err := ParseRecordRow(row)
		if err != nil {
			return nil, fmt.Errorf("publish: parse csv: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ParseRecordRow decodes one archive row (no header). The searcher uses
// it on CSV lines recovered from code-search fragments.
func ParseRecordRow(row []string) (Record, error) {
	if len(row) != len(csvHeader) {
		return Record{}, fmt.Errorf("row has %d columns, want %d", len(row), len(csvHeader))
	}
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return Record{}, fmt.Errorf("row timestamp: %w", err)
	}
	return Record{
		Time:     ts,
		Feed:     row[1],
		Title:    row[2],
		LongURL:  row[3],
		ShortURL: row[4],
	}, nil
}
