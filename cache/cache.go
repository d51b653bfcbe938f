// Package cache implements the Response Cache (C5): a bounded, TTL-aware
// cache with expired-but-serve-optimistically semantics (§4.4). The
// in-process backend is backed by ristretto (the teacher's bounded-cache
// dependency; it evicts by TinyLFU admission and sampled eviction, not
// strict LRU); an optional Redis backend persists entries across restarts
// the way the teacher's RedisDNSCache does, sharing the same Entry shape.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dnsforward/logging"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
)

// CompactRR is a TTL-agnostic textual rendering of a dns.RR, so that the
// same stored bytes can be replayed with a freshly computed remaining TTL.
type CompactRR struct {
	Text    string `json:"text"`
	OrigTTL uint32 `json:"orig_ttl"`
	Type    uint16 `json:"type"`
}

func compact(rr dns.RR) CompactRR {
	return CompactRR{Text: rr.String(), OrigTTL: rr.Header().Ttl, Type: rr.Header().Rrtype}
}

func compactAll(rrs []dns.RR) []CompactRR {
	out := make([]CompactRR, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, compact(rr))
	}
	return out
}

func expand(c CompactRR, remainingTTL uint32) dns.RR {
	rr, err := dns.NewRR(c.Text)
	if err != nil || rr == nil {
		return nil
	}
	rr.Header().Ttl = remainingTTL
	return rr
}

func expandAll(cs []CompactRR, remainingTTL uint32) []dns.RR {
	out := make([]dns.RR, 0, len(cs))
	for _, c := range cs {
		if rr := expand(c, remainingTTL); rr != nil {
			out = append(out, rr)
		}
	}
	return out
}

// Entry is a stored cache entry (§3 CacheEntry).
type Entry struct {
	Answer     []CompactRR `json:"answer"`
	Authority  []CompactRR `json:"authority"`
	Additional []CompactRR `json:"additional"`

	InsertUnix int64  `json:"insert_unix"`
	TTL        uint32 `json:"ttl"`
	UpstreamID uint32 `json:"upstream_id"`
}

func (e *Entry) remainingTTL(now time.Time) (ttl uint32, expired bool) {
	elapsed := now.Unix() - e.InsertUnix
	if elapsed < 0 {
		elapsed = 0
	}
	if uint32(elapsed) >= e.TTL {
		return 0, true
	}
	return e.TTL - uint32(elapsed), false
}

// Messages reconstructs answer/authority/additional record sets with TTLs
// rewound to their remaining value as of now.
func (e *Entry) Messages(now time.Time) (answer, authority, additional []dns.RR, expired bool) {
	remaining, expired := e.remainingTTL(now)
	return expandAll(e.Answer, remaining), expandAll(e.Authority, remaining), expandAll(e.Additional, remaining), expired
}

// RefreshFunc performs the sub-exchange needed to repopulate an expired
// entry; it is supplied by the forwarder (which alone knows how to route
// a retry through the upstream pool).
type RefreshFunc func(ctx context.Context, key string) (answer, authority, additional []dns.RR, ttl uint32, upstreamID uint32, err error)

// Cache is the Response Cache surface the forwarder pipeline calls at
// steps 3 and 14 of §4.6.
type Cache interface {
	// Get returns (entry, found, expired). When !found, entry is nil.
	Get(key string) (entry *Entry, found bool, expired bool)
	// Put stores a fresh entry; ttl == 0 entries are never cached (§4.4).
	Put(key string, answer, authority, additional []dns.RR, ttl uint32, upstreamID uint32)
	// TriggerRefresh schedules a background RefreshFunc call for key,
	// de-duplicating concurrent refreshes of the same key.
	TriggerRefresh(key string, refresh RefreshFunc)
	Close()
}

// singleflightRefresh de-duplicates concurrent background refreshes keyed
// by cache key (SPEC_FULL §4.6 "optimistic-cache background refresh
// de-duplication").
type singleflightRefresh struct {
	mu      sync.Mutex
	inFlight map[string]struct{}
}

func newSingleflightRefresh() *singleflightRefresh {
	return &singleflightRefresh{inFlight: make(map[string]struct{})}
}

func (s *singleflightRefresh) run(key string, fn func()) {
	s.mu.Lock()
	if _, ok := s.inFlight[key]; ok {
		s.mu.Unlock()
		return
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer logging.RecoverPanic("cache refresh " + key)
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
		}()
		fn()
	}()
}

// LRUCache is the in-process bounded cache backend, backed by ristretto.
type LRUCache struct {
	store      *ristretto.Cache[string, *Entry]
	refreshing *singleflightRefresh
}

// NewLRU builds an in-process bounded cache able to hold approximately
// capacity entries.
func NewLRU(capacity int) (*LRUCache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: int64(capacity) * 10,
		MaxCost:     int64(capacity),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: init ristretto: %w", err)
	}
	return &LRUCache{store: store, refreshing: newSingleflightRefresh()}, nil
}

func (c *LRUCache) Get(key string) (*Entry, bool, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false, false
	}
	_, expired := v.remainingTTL(time.Now())
	return v, true, expired
}

func (c *LRUCache) Put(key string, answer, authority, additional []dns.RR, ttl uint32, upstreamID uint32) {
	if ttl == 0 {
		return
	}
	entry := &Entry{
		Answer:     compactAll(answer),
		Authority:  compactAll(authority),
		Additional: compactAll(additional),
		InsertUnix: time.Now().Unix(),
		TTL:        ttl,
		UpstreamID: upstreamID,
	}
	c.store.Set(key, entry, 1)
}

func (c *LRUCache) TriggerRefresh(key string, refresh RefreshFunc) {
	c.refreshing.run(key, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		answer, authority, additional, ttl, upstreamID, err := refresh(ctx, key)
		if err != nil {
			logging.Debugf("cache refresh failed for %s: %v", key, err)
			c.store.Del(key)
			return
		}
		c.Put(key, answer, authority, additional, ttl, upstreamID)
	})
}

func (c *LRUCache) Close() {
	c.store.Close()
}

// RedisCache is the shared/external backend; entries survive process
// restarts. It mirrors the teacher's RedisDNSCache JSON-encoding approach.
type RedisCache struct {
	client     *redis.Client
	keyPrefix  string
	refreshing *singleflightRefresh
}

// NewRedis connects to a Redis instance for use as the response cache
// backend.
func NewRedis(addr, password string, db int, keyPrefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &RedisCache{client: client, keyPrefix: keyPrefix, refreshing: newSingleflightRefresh()}, nil
}

func (c *RedisCache) fullKey(key string) string { return c.keyPrefix + key }

func (c *RedisCache) Get(key string) (*Entry, bool, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, c.fullKey(key)).Result()
	if err != nil {
		return nil, false, false
	}
	entry := &Entry{}
	if err := json.Unmarshal([]byte(data), entry); err != nil {
		return nil, false, false
	}
	_, expired := entry.remainingTTL(time.Now())
	return entry, true, expired
}

func (c *RedisCache) Put(key string, answer, authority, additional []dns.RR, ttl uint32, upstreamID uint32) {
	if ttl == 0 {
		return
	}
	entry := &Entry{
		Answer:     compactAll(answer),
		Authority:  compactAll(authority),
		Additional: compactAll(additional),
		InsertUnix: time.Now().Unix(),
		TTL:        ttl,
		UpstreamID: upstreamID,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Keep serving expired entries optimistically for a while past TTL.
	expiration := time.Duration(ttl)*time.Second + 24*time.Hour
	c.client.Set(ctx, c.fullKey(key), data, expiration)
}

func (c *RedisCache) TriggerRefresh(key string, refresh RefreshFunc) {
	c.refreshing.run(key, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		answer, authority, additional, ttl, upstreamID, err := refresh(ctx, key)
		if err != nil {
			logging.Debugf("cache refresh failed for %s: %v", key, err)
			return
		}
		c.Put(key, answer, authority, additional, ttl, upstreamID)
	})
}

func (c *RedisCache) Close() {
	_ = c.client.Close()
}

// MinTTL computes the cache TTL for a record set: the minimum TTL across
// answer/authority/additional, matching the teacher's CalculateTTL.
func MinTTL(rrsets ...[]dns.RR) uint32 {
	var min uint32
	found := false
	for _, rrs := range rrsets {
		for _, rr := range rrs {
			ttl := rr.Header().Ttl
			if !found || ttl < min {
				min = ttl
				found = true
			}
		}
	}
	if !found {
		return 0
	}
	return min
}
