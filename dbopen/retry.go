package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Writers sharing the state database (dedup inserts, stats flushes)
// can still collide under WAL; busy errors are retried briefly before
// surfacing.
const (
	txAttempts  = 3
	txRetryStep = 100 * time.Millisecond
)

// RunTx runs fn inside a transaction, retrying SQLITE_BUSY with a
// short linear backoff (100/200 ms). fn's own errors and non-busy
// database errors return unchanged; fn may run multiple times.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = runOnce(ctx, db, fn); err == nil || !isBusy(err) {
			return err
		}
		if attempt == txAttempts {
			return fmt.Errorf("dbopen: transaction busy after %d attempts: %w", txAttempts, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dbopen: retry wait: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * txRetryStep):
		}
	}
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// isBusy matches the busy/locked shapes SQLite drivers report as plain
// error strings.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
