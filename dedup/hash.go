package dedup

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/sha3"
)

// hashCache memoizes Hash64 results. URLs repeat on every poll cycle, so
// the cache hit rate is high; the cache is shared process-wide and safe
// for concurrent use.
var hashCache, _ = lru.New[string, int64](65536)

// Hash64 maps a string to a signed 64-bit integer: SHAKE-128 digest
// truncated to 8 bytes, interpreted big-endian as two's complement.
// Collisions are possible in principle; at the scale of feed URLs the
// probability is negligible and the only consequence of a collision is a
// single suppressed announcement.
func Hash64(s string) int64 {
	if v, ok := hashCache.Get(s); ok {
		return v
	}
	var d [8]byte
	sha3.ShakeSum128(d[:], []byte(s))
	v := int64(binary.BigEndian.Uint64(d[:]))
	hashCache.Add(s, v)
	return v
}
