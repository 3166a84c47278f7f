// CLAUDE:SUMMARY URL shortener: Bitly v4 client with a rotating token pool and an LRU result cache; shortening failures degrade to long URLs upstream.
// CLAUDE:EXPORTS Shortener, Bitly, NewBitly, Tokens
package shorten

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Shortener produces short URLs for announcement, pairwise with its
// input. Implementations must treat failures as advisory: callers fall
// back to posting long URLs.
type Shortener interface {
	Shorten(ctx context.Context, urls []string) ([]string, error)
}

const (
	defaultEndpoint = "https://api-ssl.bitly.com/v4/shorten"

	// cacheSize bounds the long→short memo. Feeds re-surface recent
	// URLs across cycles; anything older has long been deduped away.
	cacheSize = 4096
)

// Tokens returns the configured Bitly token pool from BITLY_TOKENS
// (comma-separated), empty entries dropped.
func Tokens() []string {
	var tokens []string
	for _, t := range strings.Split(os.Getenv("BITLY_TOKENS"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Bitly shortens URLs via the Bitly v4 API. Tokens are rotated
// round-robin across requests; a rate-limited token is skipped for the
// next one. Results are cached so repeat appearances of a URL cost no
// API quota.
type Bitly struct {
	// Endpoint overrides the API URL in tests.
	Endpoint string

	client *http.Client
	tokens []string
	next   atomic.Uint64
	cache  *lru.Cache[string, string]
}

// NewBitly builds a shortener over the given token pool; pass
// Tokens() for the environment-configured pool.
func NewBitly(tokens []string) (*Bitly, error) {
	if len(tokens) == 0 {
		return nil, errors.New("shorten: no Bitly tokens; set BITLY_TOKENS or disable shortening per feed")
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("shorten: cache: %w", err)
	}
	return &Bitly{
		Endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		tokens:   tokens,
		cache:    cache,
	}, nil
}

// Shorten maps urls to short URLs pairwise. One URL failing all tokens
// fails the whole call.
func (b *Bitly) Shorten(ctx context.Context, urls []string) ([]string, error) {
	out := make([]string, len(urls))
	for i, u := range urls {
		if short, ok := b.cache.Get(u); ok {
			out[i] = short
			continue
		}
		short, err := b.shortenOne(ctx, u)
		if err != nil {
			return nil, err
		}
		b.cache.Add(u, short)
		out[i] = short
	}
	return out, nil
}

func (b *Bitly) shortenOne(ctx context.Context, longURL string) (string, error) {
	var lastErr error
	for range b.tokens {
		token := b.nextToken()
		short, retry, err := b.request(ctx, token, longURL)
		if err == nil {
			return short, nil
		}
		lastErr = err
		if !retry {
			return "", err
		}
		slog.Debug("shorten: token rate limited, rotating", "error", err)
	}
	return "", fmt.Errorf("shorten: all %d tokens exhausted: %w", len(b.tokens), lastErr)
}

// request performs one API call. retry reports that the failure is
// token-specific (rate limit, forbidden) and the next token may
// succeed.
func (b *Bitly) request(ctx context.Context, token, longURL string) (short string, retry bool, err error) {
	body, err := json.Marshal(map[string]string{"long_url": longURL})
	if err != nil {
		return "", false, fmt.Errorf("shorten: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("shorten: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("shorten: %s: %w", longURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		return "", true, fmt.Errorf("shorten: %s: status %d", longURL, resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", false, fmt.Errorf("shorten: %s: status %d: %s", longURL, resp.StatusCode, snippet)
	}

	var decoded struct {
		Link string `json:"link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", false, fmt.Errorf("shorten: decode response: %w", err)
	}
	if decoded.Link == "" {
		return "", false, fmt.Errorf("shorten: %s: empty link in response", longURL)
	}
	return decoded.Link, false, nil
}

func (b *Bitly) nextToken() string {
	n := b.next.Add(1) - 1
	return b.tokens[n%uint64(len(b.tokens))]
}
