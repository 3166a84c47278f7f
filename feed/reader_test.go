package feed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/ircfeedbot/config"
	"github.com/hazyhaar/ircfeedbot/fetch"
	"github.com/hazyhaar/ircfeedbot/parse"
)

type fakeFetcher struct {
	pages    map[string]string
	approach fetch.Approach
	calls    []string
}

func (ff *fakeFetcher) Fetch(_ context.Context, url string, _ time.Duration) (*fetch.URLContent, error) {
	ff.calls = append(ff.calls, url)
	body, ok := ff.pages[url]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &fetch.URLContent{Body: []byte(body), FetchedAt: time.Now(), Approach: ff.approach}, nil
}

const readerRSS = `<rss version="2.0"><channel><title>T</title>
<item><title>One</title><link>https://e/1</link></item>
<item><title>Two</title><link>https://e/2</link></item>
</channel></rss>`

// WHAT: a read cycle fetches the source URL, parses it, and runs the
// pipeline, reporting how the content was obtained.
// WHY: this is the poll loop's whole substance; everything downstream
// consumes its bundle.
func TestReaderRead(t *testing.T) {
	f := &config.Feed{
		Scope: "#c", Name: "n",
		URLs:   []string{"https://origin/feed"},
		Parser: parse.KindSyndication,
	}
	ff := &fakeFetcher{pages: map[string]string{"https://origin/feed": readerRSS}}
	r := NewReader(f, ff, nil)

	fd, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(fd.Entries) != 2 || fd.Entries[0].Title != "One" || fd.Entries[1].Title != "Two" {
		t.Errorf("entries = %v", entryTitles(fd.Entries))
	}
	if fd.Entries[0].Feed != f {
		t.Errorf("entry not bound to its feed config")
	}
	if fd.Stats.Approaches[fetch.ApproachRead] != 1 {
		t.Errorf("stats = %+v, want 1 read", fd.Stats.Approaches)
	}
}

// WHAT: follow-URLs returned by the parser are fetched and parsed in
// turn, each URL at most once.
// WHY: paginated APIs spread entries across pages that reference each
// other; a cycle must visit each page exactly once.
func TestReaderFollowsURLs(t *testing.T) {
	f := &config.Feed{
		Scope: "#c", Name: "n",
		URLs:      []string{"https://api/page1"},
		Parser:    parse.KindJMESPath,
		Selection: parse.Selection{Select: "items", Follow: "pages"},
	}
	ff := &fakeFetcher{pages: map[string]string{
		"https://api/page1": `{"items": [{"title": "A", "link": "https://e/a"}], "pages": ["https://api/page2"]}`,
		"https://api/page2": `{"items": [{"title": "B", "link": "https://e/b"}], "pages": ["https://api/page1"]}`,
	}}
	r := NewReader(f, ff, nil)

	fd, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(ff.calls) != 2 || ff.calls[0] != "https://api/page1" || ff.calls[1] != "https://api/page2" {
		t.Errorf("fetched %v, want each page once", ff.calls)
	}
	if len(fd.Entries) != 2 {
		t.Errorf("entries = %v", entryTitles(fd.Entries))
	}
}

// WHAT: a fetch failure fails the whole cycle with the feed named in
// the error.
// WHY: partial bundles would post some entries and silently drop the
// rest; the retry comes next period.
func TestReaderFetchErrorFailsCycle(t *testing.T) {
	f := &config.Feed{
		Scope: "#c", Name: "n",
		URLs:   []string{"https://origin/feed", "https://origin/gone"},
		Parser: parse.KindSyndication,
	}
	ff := &fakeFetcher{pages: map[string]string{"https://origin/feed": readerRSS}}
	r := NewReader(f, ff, nil)

	_, err := r.Read(context.Background())
	if err == nil {
		t.Fatal("Read succeeded with a failing url")
	}
	if !strings.Contains(err.Error(), "feed n of #c") {
		t.Errorf("err = %v, want feed named", err)
	}
}

// WHAT: a URL yielding zero entries raises an operator alert when
// alerts.empty is on, and only a log line when off.
// WHY: an empty read usually means the selector rotted; operators
// need to hear about it unless they opted out.
func TestReaderEmptyAlert(t *testing.T) {
	empty := `<rss version="2.0"><channel><title>T</title></channel></rss>`
	var alerts []string
	alert := func(msg string) { alerts = append(alerts, msg) }

	f := &config.Feed{
		Scope: "#c", Name: "n",
		URLs:       []string{"https://origin/feed"},
		Parser:     parse.KindSyndication,
		AlertEmpty: true,
	}
	ff := &fakeFetcher{pages: map[string]string{"https://origin/feed": empty}}
	if _, err := NewReader(f, ff, alert).Read(context.Background()); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(alerts) != 1 || !strings.Contains(alerts[0], "Read 0 entries") {
		t.Errorf("alerts = %q, want one empty-read alert", alerts)
	}

	alerts = nil
	f.AlertEmpty = false
	if _, err := NewReader(f, ff, alert).Read(context.Background()); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %q, want none with alerts.empty off", alerts)
	}
}

// WHAT: ReadStats renders a compact human summary of fetch approaches.
// WHY: the poster logs it with every bundle; it must stay scannable.
func TestReadStatsString(t *testing.T) {
	s := ReadStats{Approaches: map[fetch.Approach]int{
		fetch.ApproachRead:     2,
		fetch.ApproachCacheHit: 1,
	}}
	if got, want := s.String(), "2 read, 1 cache-hit"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if got, want := (ReadStats{}).String(), "nothing"; got != want {
		t.Errorf("empty String = %q, want %q", got, want)
	}
}
