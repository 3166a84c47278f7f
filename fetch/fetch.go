// CLAUDE:SUMMARY Resilient conditional-GET URL reader: disk cache, ETag validation and honesty probes, per-netloc blacklist, retry with backoff.
// CLAUDE:EXPORTS Fetcher, Config, URLContent, Approach, ReadError, Netloc
package fetch

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultUserAgent mimics a desktop browser; assorted origins refuse
// requests from anything that looks like a bot.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:76.0) Gecko/20100101 Firefox/76.0"

// EntropyUserAgent is a sentinel override value: each request gets a
// fresh random token instead, which defeats rudimentary per-agent
// throttling.
const EntropyUserAgent = "(entropy)"

func defaultUserAgentOverrides() map[string]string {
	return map[string]string{
		"medscape.com":        "Googlebot-News",
		"m.youtube.com":       "Mozilla/5.0",
		"swansonvitamins.com": "FeedFetcher-Google; (+http://www.google.com/feedfetcher.html)",
		"youtu.be":            "Mozilla/5.0",
		"youtube.com":         "Mozilla/5.0",
	}
}

// defaultETagBlacklist lists netlocs known to reuse ETags across changed
// content. Conditional requests to these would silently lose entries.
func defaultETagBlacklist() []string {
	return []string{
		"blog.ml.cmu.edu",
		"blogs.cornell.edu",
		"bodyrecomposition.com",
		"deeplearning.ai",
		"devblogs.nvidia.com",
		"export.arxiv.org",
		"rise.cs.berkeley.edu",
		"siliconangle.com",
	}
}

// Config controls a Fetcher.
type Config struct {
	// CachePath is the bbolt file backing the URL cache. Required.
	CachePath string
	// Timeout bounds each HTTP attempt. Default 90s.
	Timeout time.Duration
	// MaxBytes bounds a response body. Default 10 MiB.
	MaxBytes int64
	// MaxAttempts bounds retries per fetch. Default 3.
	MaxAttempts int
	// RetryInterval is the first backoff delay; it doubles per attempt.
	// Default 2s.
	RetryInterval time.Duration
	// UserAgent is the default User-Agent header.
	UserAgent string
	// UserAgentOverrides maps netlocs to replacement User-Agent values.
	// The value EntropyUserAgent requests a random token per request.
	// nil selects the built-in override set.
	UserAgentOverrides map[string]string
	// ETagTestProbability is the chance that a fetch with a cached
	// strong ETag probes the origin instead of validating. Default 0.1;
	// negative disables probing.
	ETagTestProbability float64
	// ETagBlacklist seeds the netlocs whose ETags are never trusted.
	// nil selects the built-in set.
	ETagBlacklist []string
	// OnAlert, when set, receives operator-facing alerts (ETag
	// misbehavior). Optional.
	OnAlert func(msg string)
}

func (c *Config) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 90 * time.Second
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.UserAgentOverrides == nil {
		c.UserAgentOverrides = defaultUserAgentOverrides()
	}
	if c.ETagTestProbability == 0 {
		c.ETagTestProbability = 0.1
	}
	if c.ETagBlacklist == nil {
		c.ETagBlacklist = defaultETagBlacklist()
	}
}

// ReadError reports a fetch that failed after exhausting its attempts.
type ReadError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("fetch: %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Fetcher reads URLs with conditional-request reuse. Safe for concurrent
// use by multiple readers.
type Fetcher struct {
	cfg    Config
	client *http.Client
	cache  *cache

	mu         sync.Mutex
	prohibited map[string]struct{}
}

// New opens the cache at cfg.CachePath and returns a ready Fetcher.
func New(cfg Config) (*Fetcher, error) {
	cfg.defaults()
	c, err := openCache(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	prohibited := make(map[string]struct{}, len(cfg.ETagBlacklist))
	for _, n := range cfg.ETagBlacklist {
		prohibited[n] = struct{}{}
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("fetch: too many redirects")
				}
				return nil
			},
		},
		cache:      c,
		prohibited: prohibited,
	}, nil
}

// Close releases the cache.
func (f *Fetcher) Close() error { return f.cache.close() }

// ETagBlacklisted reports whether conditional requests are disabled for
// netloc, either from the seed list or after a failed honesty probe.
func (f *Fetcher) ETagBlacklisted(netloc string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.prohibited[netloc]
	return ok
}

// Fetch returns the content of rawURL. A cache record younger than
// maxCacheAge is returned without contacting the origin; an expired
// record with a usable ETag turns the request conditional. Failures are
// reported as *ReadError after MaxAttempts tries.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxCacheAge time.Duration) (*URLContent, error) {
	cached, err := f.cache.get(rawURL)
	if err != nil {
		// A broken cache must not take the reader down with it.
		slog.Warn("fetch: cache read failed", "url", rawURL, "err", err)
		cached = nil
	}
	if cached != nil && cached.Age() <= maxCacheAge {
		slog.Debug("fetch: cache hit", "url", rawURL, "age", cached.Age().Round(time.Second))
		cached.Approach = ApproachCacheHit
		return cached, nil
	}

	netloc := Netloc(rawURL)
	hasETag := cached != nil && cached.ETag != ""
	etagAllowed := !f.ETagBlacklisted(netloc)
	probe := hasETag && cached.ETagStrong() && etagAllowed &&
		f.cfg.ETagTestProbability > 0 && rand.Float64() <= f.cfg.ETagTestProbability

	condETag := ""
	if hasETag && etagAllowed && !probe {
		condETag = cached.ETag
	}

	status, header, body, err := f.getWithRetries(ctx, rawURL, f.userAgent(netloc), condETag)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotModified {
		if cached == nil {
			return nil, fmt.Errorf("fetch: %s: 304 without cached content", rawURL)
		}
		content := &URLContent{
			Body:      cached.Body,
			ETag:      cached.ETag,
			FetchedAt: time.Now(),
			Approach:  ApproachETagHit,
		}
		if err := f.cache.put(rawURL, content); err != nil {
			slog.Warn("fetch: cache write failed", "url", rawURL, "err", err)
		}
		return content, nil
	}

	content := &URLContent{
		Body:      body,
		ETag:      header.Get("ETag"),
		FetchedAt: time.Now(),
		Approach:  ApproachRead,
	}
	if err := f.cache.put(rawURL, content); err != nil {
		slog.Warn("fetch: cache write failed", "url", rawURL, "err", err)
	}

	if probe && content.ETag == cached.ETag {
		if bytes.Equal(content.Body, cached.Body) {
			slog.Debug("fetch: etag probe passed", "url", rawURL, "etag", content.ETag)
		} else {
			f.poisoned(netloc, rawURL, cached, content)
		}
	}
	return content, nil
}

func (f *Fetcher) getWithRetries(ctx context.Context, url, userAgent, condETag string) (status int, header http.Header, body []byte, err error) {
	attempts := 0
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		if condETag != "" {
			req.Header.Set("If-None-Match", condETag)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			slog.Info("fetch: attempt failed", "url", url, "attempt", attempts, "err", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			err := fmt.Errorf("unexpected status %d", resp.StatusCode)
			slog.Info("fetch: attempt failed", "url", url, "attempt", attempts, "err", err)
			return err
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
		if err != nil {
			slog.Info("fetch: attempt failed", "url", url, "attempt", attempts, "err", err)
			return err
		}
		if int64(len(b)) > f.cfg.MaxBytes {
			return backoff.Permanent(fmt.Errorf("body exceeds %d bytes", f.cfg.MaxBytes))
		}

		status, header, body = resp.StatusCode, resp.Header.Clone(), b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.RetryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(f.cfg.MaxAttempts-1)), ctx)); err != nil {
		return 0, nil, nil, &ReadError{URL: url, Attempts: attempts, Err: err}
	}
	return status, header, body, nil
}

func (f *Fetcher) userAgent(netloc string) string {
	ua, ok := f.cfg.UserAgentOverrides[netloc]
	if !ok {
		return f.cfg.UserAgent
	}
	if ua == EntropyUserAgent {
		n := 48 + rand.IntN(16)
		b := make([]byte, n)
		crand.Read(b)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	return ua
}

// poisoned handles a failed ETag honesty probe: alert, blacklist the
// netloc for the rest of the process, purge its cache records.
func (f *Fetcher) poisoned(netloc, url string, cached, current *URLContent) {
	f.alert(fmt.Sprintf(
		"ETag test failed for %s: etag %q stayed unchanged while the body changed (cached %d bytes, current %d bytes). "+
			"The ETag cache is disabled for %s for the life of the process; the mismatch should be reported to the site administrator.",
		url, current.ETag, len(cached.Body), len(current.Body), netloc))

	f.mu.Lock()
	f.prohibited[netloc] = struct{}{}
	f.mu.Unlock()

	n, err := f.cache.purgeNetloc(netloc)
	if err != nil {
		slog.Error("fetch: purge after failed probe", "netloc", netloc, "err", err)
		return
	}
	slog.Info("fetch: purged cache for netloc", "netloc", netloc, "entries", n)
}

func (f *Fetcher) alert(msg string) {
	if f.cfg.OnAlert != nil {
		f.cfg.OnAlert(msg)
		return
	}
	slog.Warn("fetch: " + msg)
}
