package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.etcd.io/bbolt"
)

// cacheVersion is bumped whenever the on-disk record layout changes;
// records with any other version are treated as misses and rewritten.
const cacheVersion = 2

var cacheBucket = []byte("urlreader")

// cacheRecord is the persisted per-URL state. Body is gzip-compressed.
type cacheRecord struct {
	Body     []byte `json:"body"`
	ETag     string `json:"etag,omitempty"`
	Time     int64  `json:"time"`
	Approach string `json:"approach"`
	Version  int    `json:"version"`
}

// cache is a bbolt-backed URL-keyed store of fetched content. One record
// per URL, overwritten in place on every non-304 fetch, so total size is
// proportional to the number of distinct URLs fetched.
type cache struct {
	db *bbolt.DB
}

func openCache(path string) (*cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("fetch: create cache dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("fetch: open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fetch: create cache bucket: %w", err)
	}
	return &cache{db: db}, nil
}

func (c *cache) close() error { return c.db.Close() }

// get returns the decoded record for url, or nil on miss. Records with a
// stale version are deleted and reported as misses.
func (c *cache) get(url string) (*URLContent, error) {
	var rec *cacheRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(url))
		if v == nil {
			return nil
		}
		var r cacheRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: cache get %s: %w", url, err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Version != cacheVersion {
		if err := c.delete(url); err != nil {
			return nil, err
		}
		return nil, nil
	}

	body, err := gunzip(rec.Body)
	if err != nil {
		// A corrupt record is treated as a miss after removal.
		if derr := c.delete(url); derr != nil {
			return nil, derr
		}
		return nil, nil
	}
	return &URLContent{
		Body:      body,
		ETag:      rec.ETag,
		FetchedAt: time.Unix(rec.Time, 0),
		Approach:  approachFromString(rec.Approach),
	}, nil
}

func (c *cache) put(url string, content *URLContent) error {
	gz, err := gzipBytes(content.Body)
	if err != nil {
		return fmt.Errorf("fetch: compress body for %s: %w", url, err)
	}
	rec := cacheRecord{
		Body:     gz,
		ETag:     content.ETag,
		Time:     content.FetchedAt.Unix(),
		Approach: content.Approach.String(),
		Version:  cacheVersion,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("fetch: encode record for %s: %w", url, err)
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(url), data)
	})
	if err != nil {
		return fmt.Errorf("fetch: cache put %s: %w", url, err)
	}
	return nil
}

func (c *cache) delete(url string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(url))
	})
	if err != nil {
		return fmt.Errorf("fetch: cache delete %s: %w", url, err)
	}
	return nil
}

// purgeNetloc removes every record whose URL resolves to netloc and
// returns the number removed.
func (c *cache) purgeNetloc(netloc string) (int, error) {
	var purged int
	err := c.db.Update(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(cacheBucket).Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			if Netloc(string(k)) != netloc {
				continue
			}
			if err := cur.Delete(); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fetch: purge netloc %s: %w", netloc, err)
	}
	return purged, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
