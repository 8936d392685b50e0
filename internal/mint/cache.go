package mint

import (
	"encoding/binary"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"fedmint/internal/metrics"
	"fedmint/internal/peer"
	"fedmint/internal/tbs"
)

// DefaultCacheSize is the number of verification results kept by default.
const DefaultCacheSize = 1 << 16

// VerifyFunc checks one peer's share over a token.
type VerifyFunc func(p peer.ID, ref TokenRef, share tbs.SignatureShare) bool

// cacheKey fingerprints (session, peer, tier, token, share).
type cacheKey [32]byte

// cacheEntry is a stored verification result.
type cacheEntry struct {
	session RequestID // session is the owning request
	valid   bool      // valid is the verification result
}

// VerificationCache memoizes share verification results so each distinct
// (peer, token, share) is verified at most once per session, even under
// concurrent lookups. Entries are bounded by an LRU and can be dropped per
// session once the session resolves.
type VerificationCache struct {
	verify  VerifyFunc                       // verify runs the actual check on a miss
	entries *lru.Cache[cacheKey, cacheEntry] // entries holds results, least recently used evicted first
	flight  singleflight.Group               // flight collapses concurrent misses on the same key
	metrics *metrics.Metrics                 // metrics records hits and misses, may be nil

	mu       sync.Mutex                          // mu protects sessions
	sessions map[RequestID]map[cacheKey]struct{} // sessions indexes keys per session
}

// NewVerificationCache creates a cache holding up to size results.
func NewVerificationCache(size int, verify VerifyFunc, m *metrics.Metrics) (*VerificationCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}

	c := &VerificationCache{
		verify:   verify,
		metrics:  m,
		sessions: make(map[RequestID]map[cacheKey]struct{}),
	}

	entries, err := lru.NewWithEvict[cacheKey, cacheEntry](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru:\n%w", err)
	}

	c.entries = entries

	return c, nil
}

// VerifyOrCached returns the verification result for share, running the
// verifier only if no result is cached for this session.
func (c *VerificationCache) VerifyOrCached(session RequestID, p peer.ID, ref TokenRef, share tbs.SignatureShare) bool {
	key := fingerprint(session, p, ref, share)

	if e, ok := c.entries.Get(key); ok {
		c.metrics.CacheLookup(true)
		return e.valid
	}

	v, _, _ := c.flight.Do(string(key[:]), func() (any, error) {
		// a concurrent flight may have stored the result already
		if e, ok := c.entries.Get(key); ok {
			c.metrics.CacheLookup(true)
			return e.valid, nil
		}

		c.metrics.CacheLookup(false)

		valid := c.verify(p, ref, share)

		// index before insert so an immediate eviction finds the key
		c.index(session, key)
		c.entries.Add(key, cacheEntry{session: session, valid: valid})

		return valid, nil
	})

	return v.(bool)
}

// EvictSession drops every cached result of session.
func (c *VerificationCache) EvictSession(session RequestID) {
	c.mu.Lock()
	keys := c.sessions[session]
	delete(c.sessions, session)
	c.mu.Unlock()

	// Remove fires onEvict, which takes mu, so it runs unlocked
	for key := range keys {
		c.entries.Remove(key)
	}
}

// Len returns the number of cached results.
func (c *VerificationCache) Len() int {
	return c.entries.Len()
}

// Sessions returns the number of sessions with cached results.
func (c *VerificationCache) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sessions)
}

// index records key under session.
func (c *VerificationCache) index(session RequestID, key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.sessions[session]
	if !ok {
		keys = make(map[cacheKey]struct{})
		c.sessions[session] = keys
	}

	keys[key] = struct{}{}
}

// onEvict removes an evicted key from the session index.
func (c *VerificationCache) onEvict(key cacheKey, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.sessions[e.session]
	if !ok {
		return
	}

	delete(keys, key)

	if len(keys) == 0 {
		delete(c.sessions, e.session)
	}
}

// fingerprint hashes the cache key material.
func fingerprint(session RequestID, p peer.ID, ref TokenRef, share tbs.SignatureShare) cacheKey {
	h := blake3.New()
	h.Write(session[:])

	var buf [10]byte
	binary.BigEndian.PutUint16(buf[:2], uint16(p))
	binary.BigEndian.PutUint64(buf[2:], uint64(ref.Tier))
	h.Write(buf[:])

	h.Write(ref.Token[:])
	h.Write(share[:])

	var key cacheKey
	copy(key[:], h.Sum(nil))

	return key
}
