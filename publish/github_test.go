package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-github/v60/github"
)

// githubStub emulates the slice of the contents API the backend uses:
// GET for stored files, PUT for create (no sha) and update (with sha).
type githubStub struct {
	mu      sync.Mutex
	files   map[string]stubFile
	shaSeq  int
	gets    int
	puts    int
	lastMsg string
}

type stubFile struct {
	data []byte
	sha  string
}

func newGitHubStub() *githubStub {
	return &githubStub{files: make(map[string]stubFile)}
}

func (s *githubStub) seed(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shaSeq++
	s.files[path] = stubFile{data: data, sha: fmt.Sprintf("sha-%d", s.shaSeq)}
}

func (s *githubStub) file(path string) (stubFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return f, ok
}

func (s *githubStub) counts() (gets, puts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts
}

func (s *githubStub) lastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsg
}

func (s *githubStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/repos/owner/archive/contents/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		s.gets++
		f, ok := s.files[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"path":     path,
			"sha":      f.sha,
			"content":  base64.StdEncoding.EncodeToString(f.data),
		})

	case http.MethodPut:
		s.puts++
		var body struct {
			Message string `json:"message"`
			Content string `json:"content"`
			SHA     string `json:"sha"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f, exists := s.files[path]
		switch {
		case body.SHA == "" && exists:
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Invalid request. \"sha\" wasn't supplied."}`)
			return
		case body.SHA != "" && !exists:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		case body.SHA != "" && body.SHA != f.sha:
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"message":"does not match"}`)
			return
		}
		s.shaSeq++
		sha := fmt.Sprintf("sha-%d", s.shaSeq)
		s.files[path] = stubFile{data: data, sha: sha}
		s.lastMsg = body.Message
		if body.SHA == "" {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": map[string]any{"path": path, "sha": sha},
		})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestGitHub(t *testing.T, baseURL string) *GitHub {
	t.Helper()
	db, err := openCache(t.TempDir())
	if err != nil {
		t.Fatalf("openCache: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := github.NewClient(nil)
	u, err := url.Parse(baseURL + "/")
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	client.BaseURL = u

	return &GitHub{
		owner:  "owner",
		repo:   "archive",
		client: client,
		cache:  db,
		now:    func() time.Time { return time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC) },
	}
}

// WHAT: first publication of an hour.
// WHY: the file must be created at {scope}/{YYYY/MMDD/HH}.csv with a
// summary commit message, channel name '#' intact.
func TestGitHubPublishCreates(t *testing.T) {
	stub := newGitHubStub()
	srv := httptest.NewServer(stub)
	defer srv.Close()
	g := newTestGitHub(t, srv.URL)

	if err := g.Publish(context.Background(), "#c", testRecords("job", 2)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	const path = "#c/2024/0314/15.csv"
	f, ok := stub.file(path)
	if !ok {
		t.Fatalf("no stored file at %s", path)
	}
	rows, err := ParseRecordsCSV(f.data)
	if err != nil {
		t.Fatalf("stored file does not parse: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("stored rows = %d, want 2", len(rows))
	}
	if got := stub.lastMessage(); got != "#c=2: job=2" {
		t.Errorf("commit message = %q, want %q", got, "#c=2: job=2")
	}
}

// WHAT: a second publication within the same hour.
// WHY: the cached sha must be used to append in place, with no extra
// GET round-trip.
func TestGitHubPublishAppendsSameHour(t *testing.T) {
	stub := newGitHubStub()
	srv := httptest.NewServer(stub)
	defer srv.Close()
	g := newTestGitHub(t, srv.URL)

	ctx := context.Background()
	if err := g.Publish(ctx, "#c", testRecords("job", 2)); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	getsBefore, _ := stub.counts()
	if err := g.Publish(ctx, "#c", testRecords("tech", 1)); err != nil {
		t.Fatalf("second Publish: %v", err)
	}

	f, _ := stub.file("#c/2024/0314/15.csv")
	rows, err := ParseRecordsCSV(f.data)
	if err != nil {
		t.Fatalf("stored file does not parse: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("stored rows = %d, want 3", len(rows))
	}
	if rows[0].Feed != "job" || rows[2].Feed != "tech" {
		t.Errorf("row order = [%s .. %s], want earlier rows first", rows[0].Feed, rows[2].Feed)
	}
	if gets, _ := stub.counts(); gets != getsBefore {
		t.Errorf("gets = %d, want %d (append must reuse the cached sha)", gets, getsBefore)
	}
	if got := stub.lastMessage(); got != "#c=3: job=2, tech=1" {
		t.Errorf("commit message = %q, want %q", got, "#c=3: job=2, tech=1")
	}
}

// WHAT: publishing when the file exists but the position cache is gone.
// WHY: after a restart the backend must fetch the published rows, merge
// behind them, and update with the fetched sha instead of losing data.
func TestGitHubPublishMergesAfterRestart(t *testing.T) {
	stub := newGitHubStub()
	stub.seed("#c/2024/0314/15.csv", RecordsCSV(testRecords("job", 1)))
	srv := httptest.NewServer(stub)
	defer srv.Close()
	g := newTestGitHub(t, srv.URL)

	if err := g.Publish(context.Background(), "#c", testRecords("tech", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f, _ := stub.file("#c/2024/0314/15.csv")
	rows, err := ParseRecordsCSV(f.data)
	if err != nil {
		t.Fatalf("stored file does not parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("stored rows = %d, want 2", len(rows))
	}
	if rows[0].Feed != "job" || rows[1].Feed != "tech" {
		t.Errorf("row order = [%s, %s], want published rows first", rows[0].Feed, rows[1].Feed)
	}
	if gets, _ := stub.counts(); gets != 1 {
		t.Errorf("gets = %d, want 1", gets)
	}
}

func TestHourPath(t *testing.T) {
	at := time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC)
	if got := hourPath("#c", at); got != "#c/2024/0314/15.csv" {
		t.Errorf("hourPath = %q, want %q", got, "#c/2024/0314/15.csv")
	}
}

func TestSummary(t *testing.T) {
	records := append(testRecords("b", 1), testRecords("a", 2)...)
	if got := summary("#c", records); got != "#c=3: a=2, b=1" {
		t.Errorf("summary = %q, want %q", got, "#c=3: a=2, b=1")
	}
	tied := append(testRecords("z", 1), testRecords("m", 1)...)
	if got := summary("#c", tied); got != "#c=2: m=1, z=1" {
		t.Errorf("summary ties = %q, want name order", got)
	}
}
