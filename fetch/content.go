package fetch

import (
	"strings"
	"time"
)

// Approach records how the content of a URL was obtained.
type Approach uint8

const (
	// ApproachRead means the origin was read, bypassing the cache.
	ApproachRead Approach = iota
	// ApproachCacheHit means an unexpired cache record was returned
	// without contacting the origin.
	ApproachCacheHit
	// ApproachETagHit means the origin confirmed the cached record via
	// a 304 response to a conditional request.
	ApproachETagHit
)

func (a Approach) String() string {
	switch a {
	case ApproachCacheHit:
		return "cache-hit"
	case ApproachETagHit:
		return "etag-304"
	default:
		return "read"
	}
}

func approachFromString(s string) Approach {
	switch s {
	case "cache-hit":
		return ApproachCacheHit
	case "etag-304":
		return ApproachETagHit
	default:
		return ApproachRead
	}
}

// URLContent is the result of fetching a URL.
type URLContent struct {
	Body      []byte
	ETag      string
	FetchedAt time.Time
	Approach  Approach
}

// Age returns how long ago the content was fetched.
func (c *URLContent) Age() time.Duration { return time.Since(c.FetchedAt) }

// ETagStrong reports whether the content carries a strong ETag. Weak
// ETags (W/ prefix) only promise semantic equivalence, so they are never
// probed for honesty.
func (c *URLContent) ETagStrong() bool {
	return c.ETag != "" && !strings.HasPrefix(c.ETag, "W/") && !strings.HasPrefix(c.ETag, "w/")
}
