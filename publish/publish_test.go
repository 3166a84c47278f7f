package publish

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeBackend fails the first failN calls and records every attempt.
type fakeBackend struct {
	failN int
	calls []fakeCall
}

type fakeCall struct {
	scope   string
	records []Record
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Publish(_ context.Context, scope string, records []Record) error {
	f.calls = append(f.calls, fakeCall{scope: scope, records: append([]Record(nil), records...)})
	if len(f.calls) <= f.failN {
		return errors.New("boom")
	}
	return nil
}

func newTestRetrier(backend Backend, alert Alerter) *Retrier {
	r := NewRetrier(backend, alert)
	r.retryInterval = time.Millisecond
	return r
}

func testRecords(feed string, n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			Time:    time.Date(2024, 3, 14, 15, 0, i, 0, time.UTC),
			Feed:    feed,
			Title:   "Title",
			LongURL: "https://example.com/1",
		}
	}
	return records
}

// WHAT: Publish with a healthy backend.
// WHY: the common path must make exactly one attempt and pass records through.
func TestRetrierPublish(t *testing.T) {
	backend := &fakeBackend{}
	r := newTestRetrier(backend, nil)

	if err := r.Publish(context.Background(), "#c", testRecords("job", 2)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("attempts = %d, want 1", len(backend.calls))
	}
	if got := backend.calls[0]; got.scope != "#c" || len(got.records) != 2 {
		t.Errorf("backend got scope %q with %d records, want #c with 2", got.scope, len(got.records))
	}
	if n := r.Queued(); n != 0 {
		t.Errorf("Queued() = %d after success, want 0", n)
	}
}

// WHAT: Publish with nothing to send.
// WHY: empty bundles must not reach the backend at all.
func TestRetrierEmptyPublish(t *testing.T) {
	backend := &fakeBackend{}
	r := newTestRetrier(backend, nil)

	if err := r.Publish(context.Background(), "#c", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(backend.calls) != 0 {
		t.Errorf("backend called %d times for empty batch, want 0", len(backend.calls))
	}
}

// WHAT: transient backend failures within the attempt budget.
// WHY: the retrier must keep trying and succeed without queueing.
func TestRetrierRetries(t *testing.T) {
	backend := &fakeBackend{failN: 2}
	r := newTestRetrier(backend, nil)

	if err := r.Publish(context.Background(), "#c", testRecords("job", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(backend.calls) != 3 {
		t.Errorf("attempts = %d, want 3", len(backend.calls))
	}
	if n := r.Queued(); n != 0 {
		t.Errorf("Queued() = %d, want 0", n)
	}
}

// WHAT: exhausting the retry budget.
// WHY: the batch must be queued, the operator alerted, and the next
// publish for that scope must carry the backlog in front of new records.
func TestRetrierQueuesOnExhaustion(t *testing.T) {
	backend := &fakeBackend{failN: 1000}
	var alerts []string
	r := newTestRetrier(backend, func(msg string) { alerts = append(alerts, msg) })

	err := r.Publish(context.Background(), "#c", testRecords("job", 2))
	if err == nil {
		t.Fatal("Publish succeeded, want error after exhausted retries")
	}
	if len(backend.calls) != 3 {
		t.Errorf("attempts = %d, want 3", len(backend.calls))
	}
	if n := r.Queued(); n != 1 {
		t.Fatalf("Queued() = %d, want 1", n)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if !strings.Contains(alerts[0], "Failed to publish 2 entries of #c") ||
		!strings.Contains(alerts[0], "The entries are queued") {
		t.Errorf("alert = %q, want failure notice with queue mention", alerts[0])
	}

	// Heal the backend; the queued batch rides ahead of the new record.
	backend.failN = len(backend.calls)
	if err := r.Publish(context.Background(), "#c", testRecords("tech", 1)); err != nil {
		t.Fatalf("Publish after heal: %v", err)
	}
	last := backend.calls[len(backend.calls)-1]
	if len(last.records) != 3 {
		t.Fatalf("merged batch = %d records, want 3", len(last.records))
	}
	if last.records[0].Feed != "job" || last.records[2].Feed != "tech" {
		t.Errorf("batch order = [%s .. %s], want queued first", last.records[0].Feed, last.records[2].Feed)
	}
	if n := r.Queued(); n != 0 {
		t.Errorf("Queued() = %d after heal, want 0", n)
	}
}

// WHAT: Drain with batches queued for several scopes.
// WHY: graceful exit must flush every scope and then stop.
func TestRetrierDrain(t *testing.T) {
	backend := &fakeBackend{failN: 1000}
	r := newTestRetrier(backend, nil)

	r.Publish(context.Background(), "#a", testRecords("job", 1))
	r.Publish(context.Background(), "#b", testRecords("tech", 2))
	if n := r.Queued(); n != 2 {
		t.Fatalf("Queued() = %d, want 2", n)
	}

	backend.failN = 0
	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n := r.Queued(); n != 0 {
		t.Errorf("Queued() = %d after drain, want 0", n)
	}
}

// WHAT: Drain against a dead backend with a cancelled context.
// WHY: shutdown must not hang forever when the backend never recovers.
func TestRetrierDrainHonorsContext(t *testing.T) {
	backend := &fakeBackend{failN: 1 << 30}
	r := newTestRetrier(backend, nil)
	r.Publish(context.Background(), "#a", testRecords("job", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx); err == nil {
		t.Fatal("Drain succeeded against a dead backend, want context error")
	}
	if n := r.Queued(); n != 1 {
		t.Errorf("Queued() = %d, want batch still queued", n)
	}
}

// WHAT: CSV round-trip with quoting-sensitive titles.
// WHY: archive files are re-read and merged; the codec must be lossless.
func TestRecordsCSVRoundTrip(t *testing.T) {
	records := []Record{
		{
			Time:     time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC),
			Feed:     "job",
			Title:    `Senior Engineer, "Remote" (NYC)`,
			LongURL:  "https://example.com/jobs/1?a=b&c=d",
			ShortURL: "https://j.mp/x1",
		},
		{
			Time:    time.Date(2024, 3, 14, 16, 0, 0, 0, time.UTC),
			Feed:    "tech",
			Title:   "Plain title",
			LongURL: "https://example.com/2",
		},
	}

	doc := RecordsCSV(records)
	if !strings.HasPrefix(string(doc), "dt_utc,feed,title,long_url,short_url\n") {
		t.Fatalf("csv header missing: %q", string(doc)[:40])
	}

	got, err := ParseRecordsCSV(doc)
	if err != nil {
		t.Fatalf("ParseRecordsCSV: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("parsed %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], records[i])
		}
	}
}

// WHAT: parsing malformed archive documents.
// WHY: a corrupt stored file must surface as an error, not silent loss.
func TestParseRecordsCSVBadDoc(t *testing.T) {
	if _, err := ParseRecordsCSV([]byte("dt_utc,feed\nx,y\n")); err == nil {
		t.Error("short rows parsed without error")
	}
	if _, err := ParseRecordsCSV([]byte("dt_utc,feed,title,long_url,short_url\nnot-a-time,f,t,u,s\n")); err == nil {
		t.Error("bad timestamp parsed without error")
	}
	got, err := ParseRecordsCSV(nil)
	if err != nil || got != nil {
		t.Errorf("empty doc = (%v, %v), want (nil, nil)", got, err)
	}
}
