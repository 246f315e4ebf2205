// Package dedup suppresses payload-identical uplinks received within a
// short window, on the order of one uplink's air time plus network skew.
// Letting the odd duplicate through is tolerable; suppressing a genuinely
// new uplink is not, so keys hash the full payload.
package dedup

import (
	"encoding/binary"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
)

// Key is the fingerprint of an uplink payload within a coarse timing window.
type Key [32]byte

// NewKey derives the dedup key for a payload received at t. Receptions of
// the same transmission by independent gateways land in the same window and
// collapse to one key; a window boundary between them lets a duplicate
// through, which is the tolerated failure mode.
func NewKey(payload []byte, t time.Time, window time.Duration) Key {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(t.UnixNano()/int64(window)))
	h, _ := blake2b.New256(nil)
	h.Write(idx[:])
	h.Write(payload)
	var key Key
	copy(key[:], h.Sum(nil))
	return key
}

// Deduplicator is a fixed-capacity, TTL-bounded record of recently seen
// keys. Memory use is deterministic: capacity bounds the entry count and
// the cache evicts expired entries on access and on its own sweep.
type Deduplicator struct {
	cache *expirable.LRU[Key, time.Time]
	ttl   time.Duration
}

// New creates a deduplicator holding at most capacity keys for ttl.
func New(capacity int, ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		cache: expirable.NewLRU[Key, time.Time](capacity, nil, ttl),
		ttl:   ttl,
	}
}

// Seen records the key and reports whether it was already present within
// the TTL. The first appearance returns false; repeats within the TTL
// return true.
func (d *Deduplicator) Seen(key Key, now time.Time) bool {
	if first, ok := d.cache.Get(key); ok && now.Sub(first) < d.ttl {
		return true
	}
	d.cache.Add(key, now)
	return false
}

// Len reports the number of live entries, for observability.
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}
