package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultHistorySize   = 100
	defaultWindow        = time.Minute
	defaultRateThreshold = 30
	defaultPathThreshold = 10
	defaultIdleTTL       = time.Hour
	defaultShards        = 32
	maxAgentTagRunes     = 100
	initialHistoryCap    = 4
)

// Config tunes the tracker heuristics and retention.
type Config struct {
	// HistorySize caps the per-identity activity history; oldest entries are
	// dropped first.
	HistorySize int
	// Window is the trailing interval the heuristics look at.
	Window time.Duration
	// RateThreshold flags an identity with more records than this in Window.
	RateThreshold int
	// PathThreshold flags an identity with more distinct paths than this in Window.
	PathThreshold int
	// SuspicionTTL clears a flag once it is this old and the heuristics no
	// longer fire. Zero keeps flags for the lifetime of the identity.
	SuspicionTTL time.Duration
	// IdleTTL is how long an unflagged identity may stay silent before Sweep
	// drops it.
	IdleTTL time.Duration
	Shards  int
	Now     func() time.Time
}

// DefaultConfig returns the baseline heuristics.
func DefaultConfig() Config {
	return Config{
		HistorySize:   defaultHistorySize,
		Window:        defaultWindow,
		RateThreshold: defaultRateThreshold,
		PathThreshold: defaultPathThreshold,
		IdleTTL:       defaultIdleTTL,
		Shards:        defaultShards,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.RateThreshold <= 0 {
		c.RateThreshold = d.RateThreshold
	}
	if c.PathThreshold <= 0 {
		c.PathThreshold = d.PathThreshold
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Activity is one observed request.
type Activity struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	AgentTag  string    `json:"agentTag,omitempty"`
}

// Profile is the derived view of an identity.
type Profile struct {
	Identity      string    `json:"identity"`
	IsSuspicious  bool      `json:"isSuspicious"`
	IsAllowed     bool      `json:"isAllowed"`
	IsDenied      bool      `json:"isDenied"`
	RecentCount   int       `json:"recentCount"`
	DistinctPaths int       `json:"distinctPaths"`
	TotalRecorded int       `json:"totalRecorded"`
	FirstSeen     time.Time `json:"firstSeen,omitzero"`
	LastSeen      time.Time `json:"lastSeen,omitzero"`
	FlaggedAt     time.Time `json:"flaggedAt,omitzero"`
	// NewlyFlagged is set only on the call that raised the flag.
	NewlyFlagged bool `json:"-"`
}

// Summary is one row of the top-identities listing.
type Summary struct {
	Identity      string    `json:"identity"`
	TotalRecorded int       `json:"totalRecorded"`
	Retained      int       `json:"retained"`
	LastSeen      time.Time `json:"lastSeen"`
	Suspicious    bool      `json:"suspicious"`
}

// Stats aggregates tracker state for operators.
type Stats struct {
	TrackedIdentities    int `json:"trackedIdentities"`
	SuspiciousIdentities int `json:"suspiciousIdentities"`
	AllowListed          int `json:"allowListed"`
	DenyListed           int `json:"denyListed"`
}

type listSource uint8

const (
	sourceOperator listSource = iota + 1
	sourceFile
)

// Tracker records per-identity activity and classifies identities.
type Tracker struct {
	cfg    Config
	shards []*shard

	listMu sync.RWMutex
	allow  map[string]listSource
	deny   map[string]listSource
}

type shard struct {
	mu       sync.Mutex
	profiles map[string]*profile
}

type profile struct {
	ring       []Activity
	start      int
	count      int
	total      int
	firstSeen  time.Time
	lastSeen   time.Time
	suspicious bool
	flaggedAt  time.Time
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		allow:  make(map[string]listSource),
		deny:   make(map[string]listSource),
	}
	for i := range t.shards {
		t.shards[i] = &shard{profiles: make(map[string]*profile)}
	}
	return t
}

func (t *Tracker) shardFor(identity string) *shard {
	return t.shards[xxhash.Sum64String(identity)%uint64(len(t.shards))]
}

// Record appends an activity to the identity's bounded history. Unknown and
// malformed identities are ignored.
func (t *Tracker) Record(identity, path, method, agentTag string) {
	id, ok := validIdentity(identity)
	if !ok {
		return
	}
	now := t.cfg.Now()
	sh := t.shardFor(id)
	sh.mu.Lock()
	t.recordLocked(sh, id, path, method, agentTag, now)
	sh.mu.Unlock()
}

// Classify derives the identity's profile from the trailing window.
func (t *Tracker) Classify(identity string) Profile {
	id, ok := validIdentity(identity)
	if !ok {
		return Profile{Identity: identity}
	}
	now := t.cfg.Now()
	sh := t.shardFor(id)
	sh.mu.Lock()
	p := t.classifyLocked(sh, id, now)
	sh.mu.Unlock()
	return t.withLists(p)
}

// Track records the activity and classifies the identity in one critical
// section, so the returned profile always includes this request.
func (t *Tracker) Track(identity, path, method, agentTag string) Profile {
	id, ok := validIdentity(identity)
	if !ok {
		return Profile{Identity: identity}
	}
	now := t.cfg.Now()
	sh := t.shardFor(id)
	sh.mu.Lock()
	t.recordLocked(sh, id, path, method, agentTag, now)
	p := t.classifyLocked(sh, id, now)
	sh.mu.Unlock()
	return t.withLists(p)
}

func (t *Tracker) recordLocked(sh *shard, id, path, method, agentTag string, now time.Time) {
	prof, ok := sh.profiles[id]
	if !ok {
		prof = &profile{firstSeen: now}
		sh.profiles[id] = prof
	}
	if path == "" {
		path = "/"
	}
	prof.push(Activity{
		Identity:  id,
		Timestamp: now,
		Path:      path,
		Method:    method,
		AgentTag:  truncateRunes(agentTag, maxAgentTagRunes),
	}, t.cfg.HistorySize)
	prof.total++
	prof.lastSeen = now
}

func (t *Tracker) classifyLocked(sh *shard, id string, now time.Time) Profile {
	out := Profile{Identity: id}
	prof, ok := sh.profiles[id]
	if !ok {
		return out
	}

	cutoff := now.Add(-t.cfg.Window)
	paths := make(map[string]struct{})
	recent := 0
	prof.each(func(a Activity) {
		if a.Timestamp.Before(cutoff) {
			return
		}
		recent++
		paths[a.Path] = struct{}{}
	})

	firing := recent > t.cfg.RateThreshold || len(paths) > t.cfg.PathThreshold
	switch {
	case firing && !prof.suspicious:
		prof.suspicious = true
		prof.flaggedAt = now
		out.NewlyFlagged = true
	case !firing && prof.suspicious && t.cfg.SuspicionTTL > 0 && now.Sub(prof.flaggedAt) > t.cfg.SuspicionTTL:
		prof.suspicious = false
		prof.flaggedAt = time.Time{}
	}

	out.IsSuspicious = prof.suspicious
	out.RecentCount = recent
	out.DistinctPaths = len(paths)
	out.TotalRecorded = prof.total
	out.FirstSeen = prof.firstSeen
	out.LastSeen = prof.lastSeen
	out.FlaggedAt = prof.flaggedAt
	return out
}

func (t *Tracker) withLists(p Profile) Profile {
	t.listMu.RLock()
	_, p.IsAllowed = t.allow[p.Identity]
	_, p.IsDenied = t.deny[p.Identity]
	t.listMu.RUnlock()
	return p
}

// Denied reports deny-list membership. Deny wins over allow.
func (t *Tracker) Denied(identity string) bool {
	id, ok := validIdentity(identity)
	if !ok {
		return false
	}
	t.listMu.RLock()
	defer t.listMu.RUnlock()
	_, denied := t.deny[id]
	return denied
}

// Allowed reports allow-list membership.
func (t *Tracker) Allowed(identity string) bool {
	id, ok := validIdentity(identity)
	if !ok {
		return false
	}
	t.listMu.RLock()
	defer t.listMu.RUnlock()
	_, allowed := t.allow[id]
	return allowed
}

// Allow adds identity to the allow list.
func (t *Tracker) Allow(identity string) error {
	return t.editList(identity, func(id string) { t.allow[id] = sourceOperator })
}

// UnAllow removes identity from the allow list.
func (t *Tracker) UnAllow(identity string) error {
	return t.editList(identity, func(id string) { delete(t.allow, id) })
}

// Deny adds identity to the deny list.
func (t *Tracker) Deny(identity string) error {
	return t.editList(identity, func(id string) { t.deny[id] = sourceOperator })
}

// UnDeny removes identity from the deny list.
func (t *Tracker) UnDeny(identity string) error {
	return t.editList(identity, func(id string) { delete(t.deny, id) })
}

func (t *Tracker) editList(identity string, edit func(string)) error {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	t.listMu.Lock()
	edit(id)
	t.listMu.Unlock()
	return nil
}

// SyncAccessList applies a file-managed access list. Entries added by a
// previous sync that are missing now are removed; operator edits are kept.
// The whole list is validated before anything changes.
func (t *Tracker) SyncAccessList(allow, deny []string) error {
	allowIDs, err := normalizeAll(allow)
	if err != nil {
		return fmt.Errorf("tracker: access list allow: %w", err)
	}
	denyIDs, err := normalizeAll(deny)
	if err != nil {
		return fmt.Errorf("tracker: access list deny: %w", err)
	}
	t.listMu.Lock()
	syncSet(t.allow, allowIDs)
	syncSet(t.deny, denyIDs)
	t.listMu.Unlock()
	return nil
}

func normalizeAll(identities []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		id, err := NormalizeIdentity(identity)
		if err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, nil
}

func syncSet(set map[string]listSource, want map[string]struct{}) {
	for id, source := range set {
		if source != sourceFile {
			continue
		}
		if _, keep := want[id]; !keep {
			delete(set, id)
		}
	}
	for id := range want {
		if _, exists := set[id]; !exists {
			set[id] = sourceFile
		}
	}
}

// Flag marks identity as suspicious regardless of heuristics.
func (t *Tracker) Flag(identity string) error {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	now := t.cfg.Now()
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prof, ok := sh.profiles[id]
	if !ok {
		prof = &profile{firstSeen: now, lastSeen: now}
		sh.profiles[id] = prof
	}
	if !prof.suspicious {
		prof.suspicious = true
		prof.flaggedAt = now
	}
	return nil
}

// ClearSuspicion removes the suspicion flag. The heuristics can raise it again
// on the next request if the identity still misbehaves.
func (t *Tracker) ClearSuspicion(identity string) error {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if prof, ok := sh.profiles[id]; ok {
		prof.suspicious = false
		prof.flaggedAt = time.Time{}
	}
	return nil
}

// Inspect returns the profile and retained history for identity, oldest first.
// The boolean reports whether the tracker holds any history for it.
func (t *Tracker) Inspect(identity string) (Profile, []Activity, bool) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return Profile{Identity: identity}, nil, false
	}
	now := t.cfg.Now()
	sh := t.shardFor(id)
	sh.mu.Lock()
	prof, ok := sh.profiles[id]
	var history []Activity
	if ok {
		history = make([]Activity, 0, prof.count)
		prof.each(func(a Activity) { history = append(history, a) })
	}
	p := t.classifyLocked(sh, id, now)
	sh.mu.Unlock()
	return t.withLists(p), history, ok
}

// Top lists up to n identities ordered by recorded volume.
func (t *Tracker) Top(n int) []Summary {
	var out []Summary
	for _, sh := range t.shards {
		sh.mu.Lock()
		for id, prof := range sh.profiles {
			out = append(out, Summary{
				Identity:      id,
				TotalRecorded: prof.total,
				Retained:      prof.count,
				LastSeen:      prof.lastSeen,
				Suspicious:    prof.suspicious,
			})
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRecorded != out[j].TotalRecorded {
			return out[i].TotalRecorded > out[j].TotalRecorded
		}
		return out[i].Identity < out[j].Identity
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats counts tracked, flagged and listed identities.
func (t *Tracker) Stats() Stats {
	var stats Stats
	for _, sh := range t.shards {
		sh.mu.Lock()
		stats.TrackedIdentities += len(sh.profiles)
		for _, prof := range sh.profiles {
			if prof.suspicious {
				stats.SuspiciousIdentities++
			}
		}
		sh.mu.Unlock()
	}
	t.listMu.RLock()
	stats.AllowListed = len(t.allow)
	stats.DenyListed = len(t.deny)
	t.listMu.RUnlock()
	return stats
}

// Sweep drops unflagged identities that have been idle longer than IdleTTL.
// Shards are visited one at a time.
func (t *Tracker) Sweep(ctx context.Context) int {
	removed := 0
	for _, sh := range t.shards {
		if err := ctx.Err(); err != nil {
			return removed
		}
		now := t.cfg.Now()
		sh.mu.Lock()
		for id, prof := range sh.profiles {
			if prof.suspicious {
				continue
			}
			if now.Sub(prof.lastSeen) > t.cfg.IdleTTL {
				delete(sh.profiles, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// push grows the history on demand and only wraps once it holds limit
// entries, so an identity seen once costs one slot.
func (p *profile) push(a Activity, limit int) {
	if len(p.ring) < limit {
		if len(p.ring) == cap(p.ring) {
			grown := make([]Activity, len(p.ring), min(max(2*cap(p.ring), initialHistoryCap), limit))
			copy(grown, p.ring)
			p.ring = grown
		}
		p.ring = append(p.ring, a)
		p.count = len(p.ring)
		return
	}
	p.ring[p.start] = a
	p.start = (p.start + 1) % len(p.ring)
}

func (p *profile) each(visit func(Activity)) {
	size := len(p.ring)
	for i := 0; i < p.count; i++ {
		visit(p.ring[(p.start+i)%size])
	}
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
