package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL         = time.Hour
	defaultSweepChunk  = 256
	defaultLoadTimeout = 30 * time.Second
	// recordOverhead approximates the per-entry bookkeeping cost (map bucket,
	// timestamps, slice header) added to key and payload sizes.
	recordOverhead = 96
)

// ErrSerialization reports a value that could not be encoded for storage.
var ErrSerialization = errors.New("store: value not serializable")

// Observer receives per-operation outcomes. *metrics.Recorder satisfies it.
type Observer interface {
	ObserveStoreOperation(namespace, operation, result string)
}

// Loader produces a value for a cache miss in Remember.
type Loader func(ctx context.Context) (any, error)

// Lifetime lets a Loader bound how long its value is kept. A TTL shorter than
// the one passed to Remember wins; a non-positive TTL returns the value
// without storing it.
type Lifetime struct {
	Value any
	TTL   time.Duration
}

// Entry is a stored value together with its lifetime.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Decode unmarshals the stored payload into dst.
func (e Entry) Decode(dst any) error {
	if len(e.Value) == 0 {
		return errors.New("store: empty entry")
	}
	if err := json.Unmarshal(e.Value, dst); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

// Stats summarizes live store contents after expired entries are swept.
type Stats struct {
	TotalKeys         int            `json:"totalKeys"`
	Namespaces        map[string]int `json:"namespaces"`
	ApproxMemoryBytes int64          `json:"approxMemoryBytes"`
}

// Options configures a Store.
type Options struct {
	DefaultTTL       time.Duration
	SessionTTL       time.Duration
	CollaborationTTL time.Duration
	SweepChunk       int
	LoadTimeout      time.Duration
	Now              func() time.Time
	Observer         Observer
}

// Store is the in-process ephemeral key/value store. Each namespace owns its
// own shard lock so a hot namespace never stalls unrelated ones.
type Store struct {
	defaultTTL       time.Duration
	sessionTTL       time.Duration
	collaborationTTL time.Duration
	sweepChunk       int
	loadTimeout      time.Duration
	now              func() time.Time
	observer         Observer
	group            singleflight.Group

	mu     sync.RWMutex
	shards map[string]*shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]record
	bytes   int64
}

type record struct {
	value     json.RawMessage
	storedAt  time.Time
	expiresAt time.Time
}

func (r record) size(key string) int64 {
	return int64(len(key)+len(r.value)) + recordOverhead
}

func (r record) expired(now time.Time) bool {
	return now.After(r.expiresAt)
}

func (r record) entry() Entry {
	return Entry{
		Value:     bytes.Clone(r.value),
		StoredAt:  r.storedAt,
		ExpiresAt: r.expiresAt,
	}
}

// New constructs an empty Store.
func New(opts Options) *Store {
	s := &Store{
		defaultTTL:       opts.DefaultTTL,
		sessionTTL:       opts.SessionTTL,
		collaborationTTL: opts.CollaborationTTL,
		sweepChunk:       opts.SweepChunk,
		loadTimeout:      opts.LoadTimeout,
		now:              opts.Now,
		observer:         opts.Observer,
		shards:           make(map[string]*shard),
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = defaultTTL
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = defaultSessionTTL
	}
	if s.collaborationTTL <= 0 {
		s.collaborationTTL = defaultCollaborationTTL
	}
	if s.sweepChunk <= 0 {
		s.sweepChunk = defaultSweepChunk
	}
	if s.loadTimeout <= 0 {
		s.loadTimeout = defaultLoadTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// DefaultTTL reports the lifetime applied when Set receives a non-positive ttl.
func (s *Store) DefaultTTL() time.Duration { return s.defaultTTL }

func (s *Store) shardFor(namespace string, create bool) *shard {
	s.mu.RLock()
	sh, ok := s.shards[namespace]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[namespace]; ok {
		return sh
	}
	sh = &shard{entries: make(map[string]record)}
	s.shards[namespace] = sh
	return sh
}

type namedShard struct {
	namespace string
	shard     *shard
}

func (s *Store) shardList() []namedShard {
	s.mu.RLock()
	out := make([]namedShard, 0, len(s.shards))
	for ns, sh := range s.shards {
		out = append(out, namedShard{namespace: ns, shard: sh})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].namespace < out[j].namespace })
	return out
}

// Set stores value under the composed key, replacing any previous entry.
// Encoding happens before any lock is taken, so a failed encode leaves the
// store untouched.
func (s *Store) Set(namespace, key string, value any, ttl time.Duration, params Params) error {
	payload, err := json.Marshal(value)
	if err != nil {
		s.observe(namespace, "set", "error")
		return fmt.Errorf("%w: %s:%s: %v", ErrSerialization, namespace, key, err)
	}
	s.put(namespace, ComposeKey(namespace, key, params), payload, ttl)
	s.observe(namespace, "set", "stored")
	return nil
}

func (s *Store) put(namespace, composed string, payload json.RawMessage, ttl time.Duration) record {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	rec := record{value: payload, storedAt: now, expiresAt: now.Add(ttl)}

	sh := s.shardFor(namespace, true)
	sh.mu.Lock()
	if prev, ok := sh.entries[composed]; ok {
		sh.bytes -= prev.size(composed)
	}
	sh.entries[composed] = rec
	sh.bytes += rec.size(composed)
	sh.mu.Unlock()
	return rec
}

// Get returns the live entry for the composed key. Expired entries are evicted
// on the way out and reported as absent.
func (s *Store) Get(namespace, key string, params Params) (Entry, bool) {
	sh := s.shardFor(namespace, false)
	if sh == nil {
		s.observe(namespace, "get", "miss")
		return Entry{}, false
	}
	composed := ComposeKey(namespace, key, params)
	now := s.now()

	sh.mu.Lock()
	rec, ok := sh.entries[composed]
	if ok && rec.expired(now) {
		sh.remove(composed, rec)
		sh.mu.Unlock()
		s.observe(namespace, "get", "expired")
		return Entry{}, false
	}
	sh.mu.Unlock()

	if !ok {
		s.observe(namespace, "get", "miss")
		return Entry{}, false
	}
	s.observe(namespace, "get", "hit")
	return rec.entry(), true
}

// GetInto decodes a live entry into dst. Absence is reported as false with a
// nil error.
func (s *Store) GetInto(namespace, key string, params Params, dst any) (bool, error) {
	entry, ok := s.Get(namespace, key, params)
	if !ok {
		return false, nil
	}
	if err := entry.Decode(dst); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the entry and reports whether a live entry was present.
func (s *Store) Delete(namespace, key string, params Params) bool {
	sh := s.shardFor(namespace, false)
	if sh == nil {
		return false
	}
	composed := ComposeKey(namespace, key, params)
	now := s.now()

	sh.mu.Lock()
	rec, ok := sh.entries[composed]
	if ok {
		sh.remove(composed, rec)
	}
	sh.mu.Unlock()

	present := ok && !rec.expired(now)
	if present {
		s.observe(namespace, "delete", "deleted")
	} else {
		s.observe(namespace, "delete", "miss")
	}
	return present
}

// DeleteMatching removes every key that begins with prefix and returns the
// number of entries removed. A trailing "*" is accepted for glob-style callers.
// Namespaces entirely covered by the prefix are emptied without a key scan.
func (s *Store) DeleteMatching(prefix string) int {
	prefix = strings.TrimSuffix(prefix, "*")
	if prefix == "" {
		return 0
	}
	removed := 0
	for _, ns := range s.shardList() {
		keyPrefix := ns.namespace + ":"
		switch {
		case strings.HasPrefix(keyPrefix, prefix):
			ns.shard.mu.Lock()
			removed += len(ns.shard.entries)
			ns.shard.reset()
			ns.shard.mu.Unlock()
		case strings.HasPrefix(prefix, keyPrefix):
			ns.shard.mu.Lock()
			for key, rec := range ns.shard.entries {
				if strings.HasPrefix(key, prefix) {
					ns.shard.remove(key, rec)
					removed++
				}
			}
			ns.shard.mu.Unlock()
		}
	}
	return removed
}

// Keys lists live keys for a namespace in sorted namespace:key:hash form,
// evicting any expired entries encountered.
func (s *Store) Keys(namespace string) []string {
	sh := s.shardFor(namespace, false)
	if sh == nil {
		return nil
	}
	now := s.now()
	sh.mu.Lock()
	keys := make([]string, 0, len(sh.entries))
	for key, rec := range sh.entries {
		if rec.expired(now) {
			sh.remove(key, rec)
			continue
		}
		keys = append(keys, DisplayKey(key))
	}
	sh.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// scan visits live entries of a namespace whose composed key starts with
// prefix, evicting expired ones along the way.
func (s *Store) scan(namespace, prefix string, visit func(key string, entry Entry)) {
	sh := s.shardFor(namespace, false)
	if sh == nil {
		return
	}
	now := s.now()
	type hit struct {
		key   string
		entry Entry
	}
	var hits []hit
	sh.mu.Lock()
	for key, rec := range sh.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if rec.expired(now) {
			sh.remove(key, rec)
			continue
		}
		hits = append(hits, hit{key: key, entry: rec.entry()})
	}
	sh.mu.Unlock()
	sort.Slice(hits, func(i, j int) bool { return hits[i].key < hits[j].key })
	for _, h := range hits {
		visit(h.key, h.entry)
	}
}

// Stats sweeps expired entries across every namespace, then reports counts.
func (s *Store) Stats() Stats {
	stats := Stats{Namespaces: make(map[string]int)}
	now := s.now()
	for _, ns := range s.shardList() {
		ns.shard.mu.Lock()
		for key, rec := range ns.shard.entries {
			if rec.expired(now) {
				ns.shard.remove(key, rec)
			}
		}
		count := len(ns.shard.entries)
		stats.ApproxMemoryBytes += ns.shard.bytes
		ns.shard.mu.Unlock()
		if count == 0 {
			continue
		}
		stats.Namespaces[ns.namespace] = count
		stats.TotalKeys += count
	}
	return stats
}

// Len counts held entries without sweeping. Entries that expired but were not
// yet evicted are included.
func (s *Store) Len() int {
	total := 0
	for _, ns := range s.shardList() {
		ns.shard.mu.Lock()
		total += len(ns.shard.entries)
		ns.shard.mu.Unlock()
	}
	return total
}

// Clear drops every entry and returns how many were removed.
func (s *Store) Clear() int {
	removed := 0
	for _, ns := range s.shardList() {
		ns.shard.mu.Lock()
		removed += len(ns.shard.entries)
		ns.shard.reset()
		ns.shard.mu.Unlock()
	}
	return removed
}

// Sweep evicts expired entries incrementally. Each namespace's keys are
// snapshotted and then checked in chunks, releasing the shard lock between
// chunks so request traffic can interleave with a long sweep.
func (s *Store) Sweep(ctx context.Context) int {
	removed := 0
	for _, ns := range s.shardList() {
		ns.shard.mu.Lock()
		keys := make([]string, 0, len(ns.shard.entries))
		for key := range ns.shard.entries {
			keys = append(keys, key)
		}
		ns.shard.mu.Unlock()

		for start := 0; start < len(keys); start += s.sweepChunk {
			if err := ctx.Err(); err != nil {
				return removed
			}
			end := min(start+s.sweepChunk, len(keys))
			now := s.now()
			ns.shard.mu.Lock()
			for _, key := range keys[start:end] {
				rec, ok := ns.shard.entries[key]
				if ok && rec.expired(now) {
					ns.shard.remove(key, rec)
					removed++
				}
			}
			ns.shard.mu.Unlock()
		}
	}
	return removed
}

// Remember returns the cached entry for the key or runs load exactly once
// across concurrent callers, caching its result for ttl. The boolean reports
// whether the value came from the store. The shared load outlives any single
// caller's cancellation; a cancelled caller stops waiting and gets its own
// ctx error while the others still receive the result.
func (s *Store) Remember(ctx context.Context, namespace, key string, params Params, ttl time.Duration, load Loader) (Entry, bool, error) {
	if entry, ok := s.Get(namespace, key, params); ok {
		return entry, true, nil
	}
	if load == nil {
		return Entry{}, false, errors.New("store: remember requires a loader")
	}
	composed := ComposeKey(namespace, key, params)
	results := s.group.DoChan(composed, func() (any, error) {
		if entry, ok := s.Get(namespace, key, params); ok {
			return entry, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()
		value, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		effective := ttl
		if effective <= 0 {
			effective = s.defaultTTL
		}
		lifetime, bounded := value.(Lifetime)
		if bounded {
			value = lifetime.Value
		}
		payload, err := json.Marshal(value)
		if err != nil {
			s.observe(namespace, "set", "error")
			return nil, fmt.Errorf("%w: %s:%s: %v", ErrSerialization, namespace, key, err)
		}
		if bounded {
			if lifetime.TTL <= 0 {
				now := s.now()
				s.observe(namespace, "set", "skipped")
				return Entry{Value: payload, StoredAt: now, ExpiresAt: now}, nil
			}
			effective = min(effective, lifetime.TTL)
		}
		rec := s.put(namespace, composed, payload, effective)
		s.observe(namespace, "set", "stored")
		return rec.entry(), nil
	})
	var res singleflight.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	}
	if res.Err != nil {
		return Entry{}, false, res.Err
	}
	entry := res.Val.(Entry)
	entry.Value = bytes.Clone(entry.Value)
	return entry, false, nil
}

func (s *Store) observe(namespace, operation, result string) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveStoreOperation(namespace, operation, result)
}

func (sh *shard) remove(key string, rec record) {
	delete(sh.entries, key)
	sh.bytes -= rec.size(key)
}

func (sh *shard) reset() {
	sh.entries = make(map[string]record)
	sh.bytes = 0
}
