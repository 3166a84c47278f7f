package dedup_test

import (
	"context"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ircfeedbot/dbopen"
	"github.com/hazyhaar/ircfeedbot/dedup"
)

func newTestStore(t *testing.T) *dedup.Store {
	t.Helper()
	s, err := dedup.NewStore(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// WHAT: with an empty store, Unposted returns every URL in input order.
// WHY: announcement order downstream equals the order returned here; a
// reordering store would scramble channel output.
func TestUnpostedPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	urls := []string{"https://a.example/3", "https://a.example/1", "https://a.example/2"}
	got, err := s.Unposted(ctx, "#chan", urls)
	if err != nil {
		t.Fatalf("Unposted: %v", err)
	}
	if len(got) != len(urls) {
		t.Fatalf("got %d urls, want %d", len(got), len(urls))
	}
	for i := range urls {
		if got[i] != urls[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], urls[i])
		}
	}
}

// WHAT: duplicate input URLs collapse to their first occurrence.
// WHY: a feed that lists the same link twice must not produce two
// announcements in one bundle.
func TestUnpostedCollapsesDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	urls := []string{"https://x.example/a", "https://x.example/b", "https://x.example/a"}
	got, err := s.Unposted(ctx, "#chan", urls)
	if err != nil {
		t.Fatalf("Unposted: %v", err)
	}
	want := []string{"https://x.example/a", "https://x.example/b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// WHAT: after InsertPosted(s, f, U), UnpostedForFeed(s, f, U') returns
// exactly U' \ U in input order, for U' a superset of U.
// WHY: this is the core dedup contract; any deviation either re-posts old
// entries or suppresses new ones.
func TestInsertPostedThenUnpostedForFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	posted := []string{"https://e.example/1", "https://e.example/2"}
	if err := s.InsertPosted(ctx, "#chan", "myfeed", posted); err != nil {
		t.Fatalf("InsertPosted: %v", err)
	}

	super := []string{
		"https://e.example/0",
		"https://e.example/1",
		"https://e.example/2",
		"https://e.example/3",
	}
	got, err := s.UnpostedForFeed(ctx, "#chan", "myfeed", super)
	if err != nil {
		t.Fatalf("UnpostedForFeed: %v", err)
	}
	want := []string{"https://e.example/0", "https://e.example/3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// WHAT: a URL posted under one feed is still "posted" at channel scope but
// "unposted" for a different feed.
// WHY: the two dedup scopes (channel vs feed) are distinct configuration
// choices and must not bleed into each other.
func TestDedupScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	url := "https://shared.example/item"
	if err := s.InsertPosted(ctx, "#chan", "feed-a", []string{url}); err != nil {
		t.Fatalf("InsertPosted: %v", err)
	}

	chanScope, err := s.Unposted(ctx, "#chan", []string{url})
	if err != nil {
		t.Fatalf("Unposted: %v", err)
	}
	if len(chanScope) != 0 {
		t.Errorf("channel scope: url still unposted after insert under feed-a")
	}

	feedScope, err := s.UnpostedForFeed(ctx, "#chan", "feed-b", []string{url})
	if err != nil {
		t.Fatalf("UnpostedForFeed: %v", err)
	}
	if len(feedScope) != 1 {
		t.Errorf("feed scope: url considered posted for feed-b, want unposted")
	}

	otherChan, err := s.Unposted(ctx, "#other", []string{url})
	if err != nil {
		t.Fatalf("Unposted: %v", err)
	}
	if len(otherChan) != 1 {
		t.Errorf("other channel: url considered posted, want unposted")
	}
}

// WHAT: membership queries work across the 100-parameter chunk boundary.
// WHY: inputs longer than one chunk must produce the same result as a
// single query would; off-by-one chunking bugs only show up past 100.
func TestUnpostedChunking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var all, odd []string
	for i := range 250 {
		u := fmt.Sprintf("https://bulk.example/item-%03d", i)
		all = append(all, u)
		if i%2 == 1 {
			odd = append(odd, u)
		}
	}
	if err := s.InsertPosted(ctx, "#chan", "bulk", odd); err != nil {
		t.Fatalf("InsertPosted: %v", err)
	}

	got, err := s.UnpostedForFeed(ctx, "#chan", "bulk", all)
	if err != nil {
		t.Fatalf("UnpostedForFeed: %v", err)
	}
	if len(got) != 125 {
		t.Fatalf("got %d unposted, want 125", len(got))
	}
	for i, u := range got {
		want := fmt.Sprintf("https://bulk.example/item-%03d", i*2)
		if u != want {
			t.Fatalf("got[%d] = %q, want %q", i, u, want)
		}
	}
}

// WHAT: IsNewFeed flips from true to false after the first insert.
// WHY: the new-feed emission cap keys off this predicate; a wrong answer
// either floods a channel with history or suppresses a feed forever.
func TestIsNewFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isNew, err := s.IsNewFeed(ctx, "#chan", "fresh")
	if err != nil {
		t.Fatalf("IsNewFeed: %v", err)
	}
	if !isNew {
		t.Error("feed with no posts reported as not new")
	}

	if err := s.InsertPosted(ctx, "#chan", "fresh", []string{"https://f.example/1"}); err != nil {
		t.Fatalf("InsertPosted: %v", err)
	}

	isNew, err = s.IsNewFeed(ctx, "#chan", "fresh")
	if err != nil {
		t.Fatalf("IsNewFeed: %v", err)
	}
	if isNew {
		t.Error("feed with posts reported as new")
	}

	isNew, err = s.IsNewFeed(ctx, "#other", "fresh")
	if err != nil {
		t.Fatalf("IsNewFeed: %v", err)
	}
	if !isNew {
		t.Error("same feed name on another channel reported as not new")
	}
}

// WHAT: inserting the same triples twice neither errors nor duplicates.
// WHY: the poster re-marks all unposted URLs of a bundle; overlap with
// concurrent cycles must be harmless.
func TestInsertPostedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	urls := []string{"https://i.example/1", "https://i.example/2"}
	for range 2 {
		if err := s.InsertPosted(ctx, "#chan", "idem", urls); err != nil {
			t.Fatalf("InsertPosted: %v", err)
		}
	}

	got, err := s.UnpostedForFeed(ctx, "#chan", "idem", urls)
	if err != nil {
		t.Fatalf("UnpostedForFeed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("urls still unposted after double insert: %v", got)
	}
}

// WHAT: InsertPosted with an empty slice is a no-op.
// WHY: empty bundles flow through the poster's mark step unconditionally.
func TestInsertPostedEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertPosted(context.Background(), "#chan", "empty", nil); err != nil {
		t.Fatalf("InsertPosted(nil): %v", err)
	}
}

// WHAT: Maintain (VACUUM + ANALYZE) succeeds on a populated store.
// WHY: it runs unconditionally at startup; a failure there blocks boot.
func TestMaintain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertPosted(ctx, "#chan", "m", []string{"https://m.example/1"}); err != nil {
		t.Fatalf("InsertPosted: %v", err)
	}
	if err := s.Maintain(ctx); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
}
