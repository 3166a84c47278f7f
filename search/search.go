// CLAUDE:SUMMARY Archive searcher: an actor that runs GitHub code search over the published CSV archive and replies with matching entries.
// CLAUDE:EXPORTS Searcher, Query, NewGitHub, Respond, FixQuery
package search

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v60/github"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hazyhaar/ircfeedbot/publish"
)

const (
	// resultsMax caps the entry lines in one reply.
	resultsMax = 3
	// queueSize bounds pending queries; Submit drops beyond it.
	queueSize = 8

	cacheSize = 128
	cacheTTL  = 10 * time.Minute
)

// Query is one search request. ReplyTo is the IRC target (channel or
// nick) the answer goes back to.
type Query struct {
	Text    string
	ReplyTo string
}

// Replier posts a reply line. The bot routes it through the normal
// outgoing throttle.
type Replier func(target, text string)

// Searcher answers archive queries with GitHub code search, scoped to
// the publish repository. It runs as a single actor so searches never
// block message handling.
type Searcher struct {
	repo    string
	client  *github.Client
	reply   Replier
	queries chan Query
	memo    *expirable.LRU[string, []string]
}

// NewGitHub builds a searcher over the "owner/name" archive repository,
// authenticating with GITHUB_TOKEN.
func NewGitHub(repo string, reply Replier) (*Searcher, error) {
	token := strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	if token == "" {
		return nil, errors.New("search: GITHUB_TOKEN not set")
	}
	if owner, name, ok := strings.Cut(repo, "/"); !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("search: repo %q: want owner/name", repo)
	}
	return &Searcher{
		repo:    repo,
		client:  github.NewClient(nil).WithAuthToken(token),
		reply:   reply,
		queries: make(chan Query, queueSize),
		memo:    expirable.NewLRU[string, []string](cacheSize, nil, cacheTTL),
	}, nil
}

// Submit enqueues a query without blocking. False means the queue is
// full and the query was dropped.
func (s *Searcher) Submit(q Query) bool {
	select {
	case s.queries <- q:
		return true
	default:
		return false
	}
}

// Run consumes queries until ctx ends. One search at a time.
func (s *Searcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-s.queries:
			for _, line := range s.Respond(ctx, q.Text) {
				s.reply(q.ReplyTo, line)
			}
		}
	}
}

// Respond answers one query synchronously: the reply lines an IRC user
// would see, including the error-shaped ones. Results are memoized for
// a short window so repeated queries cost one API call.
func (s *Searcher) Respond(ctx context.Context, text string) []string {
	fixed := FixQuery(text)
	if fixed == "" {
		return []string{"Search syntax: https://docs.github.com/search-github/searching-on-github/searching-code"}
	}
	if lines, ok := s.memo.Get(fixed); ok {
		return lines
	}
	slog.Debug("search: searching", "query", fixed)
	lines, err := s.search(ctx, fixed)
	if err != nil {
		slog.Warn("search: search failed", "query", fixed, "error", err)
		return []string{fmt.Sprintf("Search for %q failed: %v", fixed, err)}
	}
	s.memo.Add(fixed, lines)
	return lines
}

func (s *Searcher) search(ctx context.Context, query string) ([]string, error) {
	res, _, err := s.client.Search.Code(ctx, fmt.Sprintf("%s repo:%s", query, s.repo),
		&github.SearchOptions{
			Sort:        "indexed",
			TextMatch:   true,
			ListOptions: github.ListOptions{PerPage: 10},
		})
	if err != nil {
		return nil, err
	}

	var lines []string
	seen := make(map[string]bool)
	matches := 0
	for _, cr := range res.CodeResults {
		for _, tm := range cr.TextMatches {
			for _, rec := range recordsFromFragment(tm.GetFragment()) {
				matches++
				if seen[rec.LongURL] || len(lines) == resultsMax {
					continue
				}
				seen[rec.LongURL] = true
				lines = append(lines, fmt.Sprintf("%s → %s", rec.Title, rec.LongURL))
			}
		}
	}

	total := res.GetTotal()
	switch {
	case total == 0 || matches == 0:
		lines = append(lines, fmt.Sprintf("0 search results for %q.", query))
	case res.GetIncompleteResults():
		lines = append(lines, fmt.Sprintf("Showing %d of %d+ archive files matching %q.", len(lines), total, query))
	default:
		lines = append(lines, fmt.Sprintf("Showing %d of %d archive files matching %q.", len(lines), total, query))
	}
	return lines, nil
}

// recordsFromFragment recovers archive rows from a code-search text
// fragment. Fragments are clipped mid-line at both ends, so rows that
// do not parse cleanly are skipped.
func recordsFromFragment(fragment string) []publish.Record {
	var records []publish.Record
	for _, line := range strings.Split(fragment, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		row, err := csv.NewReader(strings.NewReader(line)).Read()
		if err != nil {
			continue
		}
		rec, err := publish.ParseRecordRow(row)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// FixQuery collapses whitespace and uppercases bare and/or/not tokens,
// which the code-search syntax requires as operators.
func FixQuery(query string) string {
	tokens := strings.Fields(query)
	for i, t := range tokens {
		if upper := strings.ToUpper(t); upper == "AND" || upper == "OR" || upper == "NOT" {
			tokens[i] = upper
		}
	}
	return strings.Join(tokens, " ")
}
