package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v60/github"
	"go.etcd.io/bbolt"
)

// pubVersion guards the cached publication schema across upgrades.
const pubVersion = 1

var pubBucket = []byte("publication")

// publication is the per-scope position memo: the archive file being
// appended to this hour, its rows so far, and its last known SHA.
type publication struct {
	Version int      `json:"version"`
	Path    string   `json:"path"`
	SHA     string   `json:"sha"`
	Records []Record `json:"records"`
}

// GitHub appends records as hourly CSV files to an archive repository.
// Files live at {scope}/{YYYY/MMDD/HH}.csv. Each publish follows the
// original chain: update using the cached SHA, else create the file,
// else fetch the current content, merge, and update.
type GitHub struct {
	owner, repo string
	client      *github.Client
	cache       *bbolt.DB

	now func() time.Time
}

// NewGitHub builds the backend for "owner/repo", authenticating with
// GITHUB_TOKEN and memoizing file positions under cacheDir.
func NewGitHub(repo, cacheDir string) (*GitHub, error) {
	token := strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	if token == "" {
		return nil, errors.New("publish: GITHUB_TOKEN not set")
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("publish: repo %q: want owner/name", repo)
	}
	db, err := openCache(cacheDir)
	if err != nil {
		return nil, err
	}
	return &GitHub{
		owner:  owner,
		repo:   name,
		client: github.NewClient(nil).WithAuthToken(token),
		cache:  db,
		now:    time.Now,
	}, nil
}

func openCache(cacheDir string) (*bbolt.DB, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("publish: cache dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(cacheDir, "github_publisher.db"), 0o600,
		&bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("publish: open cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pubBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("publish: cache bucket: %w", err)
	}
	return db, nil
}

func (g *GitHub) Name() string { return "github" }

// Close releases the position cache.
func (g *GitHub) Close() error { return g.cache.Close() }

func (g *GitHub) Publish(ctx context.Context, scope string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	pub := &publication{
		Version: pubVersion,
		Path:    hourPath(scope, g.now().UTC()),
		Records: records,
	}

	var sha string
	published := false

	// Same hour as the cached position: append to our own rows and
	// update in place with the remembered SHA.
	if cached := g.cachedPublication(scope); cached != nil &&
		cached.Version == pubVersion && cached.Path == pub.Path {
		merged := append(append([]Record(nil), cached.Records...), records...)
		got, err := g.updateFile(ctx, cached.Path, summary(scope, merged), merged, cached.SHA)
		if err == nil {
			pub.Records = merged
			sha = got
			published = true
		} else {
			slog.Warn("publish: cached-sha update failed, falling back",
				"scope", scope, "path", cached.Path, "error", err)
		}
	}

	// First write of the hour (or stale cache): create the file.
	if !published {
		got, err := g.createFile(ctx, pub.Path, summary(scope, pub.Records), pub.Records)
		if err == nil {
			sha = got
			published = true
		} else {
			slog.Debug("publish: create failed, merging with published content",
				"scope", scope, "path", pub.Path, "error", err)
		}
	}

	// The file exists but we lost its SHA (restart, racing writer):
	// fetch, merge behind the stored rows, update.
	if !published {
		stored, storedSHA, err := g.getFile(ctx, pub.Path)
		if err != nil {
			return fmt.Errorf("publish: get %s: %w", pub.Path, err)
		}
		pub.Records = append(stored, pub.Records...)
		got, err := g.updateFile(ctx, pub.Path, summary(scope, pub.Records), pub.Records, storedSHA)
		if err != nil {
			return fmt.Errorf("publish: update %s: %w", pub.Path, err)
		}
		sha = got
	}

	pub.SHA = sha
	if err := g.storePublication(scope, pub); err != nil {
		// The publication itself succeeded; failing here would trigger
		// a duplicate re-publish. The stale cache self-heals through
		// the fallback chain.
		slog.Warn("publish: cannot store position cache", "scope", scope, "error", err)
	}
	return nil
}

func (g *GitHub) updateFile(ctx context.Context, path, message string, records []Record, sha string) (string, error) {
	resp, _, err := g.client.Repositories.UpdateFile(ctx, g.owner, g.repo, escapePath(path),
		&github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: RecordsCSV(records),
			SHA:     github.String(sha),
		})
	if err != nil {
		return "", err
	}
	return resp.Content.GetSHA(), nil
}

func (g *GitHub) createFile(ctx context.Context, path, message string, records []Record) (string, error) {
	resp, _, err := g.client.Repositories.CreateFile(ctx, g.owner, g.repo, escapePath(path),
		&github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: RecordsCSV(records),
		})
	if err != nil {
		return "", err
	}
	return resp.Content.GetSHA(), nil
}

// escapePath percent-encodes a contents path for the PUT endpoints,
// which splice it into the request URL verbatim. Channel scopes start
// with '#', which a raw URL would read as a fragment. GetContents
// escapes on its own.
func escapePath(path string) string {
	return (&url.URL{Path: path}).EscapedPath()
}

func (g *GitHub) getFile(ctx context.Context, path string) ([]Record, string, error) {
	file, _, _, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, path, nil)
	if err != nil {
		return nil, "", err
	}
	if file == nil {
		return nil, "", fmt.Errorf("%s is not a file", path)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, "", err
	}
	records, err := ParseRecordsCSV([]byte(content))
	if err != nil {
		return nil, "", err
	}
	return records, file.GetSHA(), nil
}

func (g *GitHub) cachedPublication(scope string) *publication {
	var pub *publication
	err := g.cache.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(pubBucket).Get([]byte(scope))
		if raw == nil {
			return nil
		}
		pub = new(publication)
		return json.Unmarshal(raw, pub)
	})
	if err != nil {
		slog.Warn("publish: cannot read position cache", "scope", scope, "error", err)
		return nil
	}
	return pub
}

func (g *GitHub) storePublication(scope string, pub *publication) error {
	raw, err := json.Marshal(pub)
	if err != nil {
		return err
	}
	return g.cache.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pubBucket).Put([]byte(scope), raw)
	})
}

// hourPath names the archive file for a scope and instant:
// {scope}/{YYYY/MMDD/HH}.csv.
func hourPath(scope string, t time.Time) string {
	return fmt.Sprintf("%s/%s.csv", scope, t.Format("2006/0102/15"))
}

// summary is the commit message: "{scope}={total}: feed1=n1, feed2=n2"
// with feeds ordered by descending count, then name.
func summary(scope string, records []Record) string {
	counts := make(map[string]int)
	var feeds []string
	for _, rec := range records {
		if counts[rec.Feed] == 0 {
			feeds = append(feeds, rec.Feed)
		}
		counts[rec.Feed]++
	}
	sort.Slice(feeds, func(i, j int) bool {
		if counts[feeds[i]] != counts[feeds[j]] {
			return counts[feeds[i]] > counts[feeds[j]]
		}
		return feeds[i] < feeds[j]
	})
	parts := make([]string, len(feeds))
	for i, f := range feeds {
		parts[i] = fmt.Sprintf("%s=%d", f, counts[f])
	}
	return fmt.Sprintf("%s=%d: %s", scope, len(records), strings.Join(parts, ", "))
}
