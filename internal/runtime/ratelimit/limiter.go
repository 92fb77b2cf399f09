package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Class is a coarse endpoint category sharing one rate budget.
type Class string

const (
	ClassAuthentication Class = "authentication"
	ClassConversational Class = "conversational"
	ClassSearch         Class = "search"
	ClassDefault        Class = "default"
)

const (
	defaultShards   = 32
	unknownIdentity = "unknown"
)

// ErrInvalidRule reports a rule with a non-positive budget or window.
var ErrInvalidRule = errors.New("ratelimit: invalid rule")

// Rule is the budget for one class. Match lists path substrings that select
// the class; the default rule ignores Match.
type Rule struct {
	Class    Class         `json:"class"`
	Match    []string      `json:"match,omitempty"`
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Config lists the class rules in match order plus the fallback rule.
type Config struct {
	Rules   []Rule
	Default Rule
	Shards  int
	Now     func() time.Time
}

// DefaultConfig returns the stock class table.
func DefaultConfig() Config {
	return Config{
		Rules: []Rule{
			{Class: ClassAuthentication, Match: []string{"/auth", "/login", "/register"}, Requests: 10, Window: 5 * time.Minute},
			{Class: ClassConversational, Match: []string{"/chat", "/itinerary", "/generate"}, Requests: 20, Window: time.Hour},
			{Class: ClassSearch, Match: []string{"/search", "/places", "/flights", "/hotels"}, Requests: 50, Window: time.Hour},
		},
		Default: Rule{Class: ClassDefault, Requests: 100, Window: time.Hour},
		Shards:  defaultShards,
	}
}

// Decision is the typed outcome of an admission check.
type Decision struct {
	Class      Class         `json:"class"`
	Admitted   bool          `json:"admitted"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type windowKey struct {
	identity string
	class    Class
}

type shard struct {
	mu      sync.Mutex
	windows map[windowKey][]time.Time
}

// Limiter keeps a sliding window of admitted timestamps per (identity, class).
type Limiter struct {
	rules    []Rule
	byClass  map[Class]Rule
	fallback Rule
	now      func() time.Time
	shards   []*shard
}

// New validates cfg and constructs a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Default.Class == "" {
		cfg.Default.Class = ClassDefault
	}
	if err := validateRule(cfg.Default); err != nil {
		return nil, err
	}
	l := &Limiter{
		byClass:  map[Class]Rule{cfg.Default.Class: cfg.Default},
		fallback: cfg.Default,
		now:      cfg.Now,
	}
	for _, rule := range cfg.Rules {
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		if _, dup := l.byClass[rule.Class]; dup {
			return nil, fmt.Errorf("%w: duplicate class %q", ErrInvalidRule, rule.Class)
		}
		rule.Match = append([]string(nil), rule.Match...)
		l.byClass[rule.Class] = rule
		l.rules = append(l.rules, rule)
	}
	if l.now == nil {
		l.now = time.Now
	}
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}
	l.shards = make([]*shard, n)
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[windowKey][]time.Time)}
	}
	return l, nil
}

func validateRule(rule Rule) error {
	if strings.TrimSpace(string(rule.Class)) == "" {
		return fmt.Errorf("%w: class name required", ErrInvalidRule)
	}
	if rule.Requests <= 0 {
		return fmt.Errorf("%w: %s: requests must be positive", ErrInvalidRule, rule.Class)
	}
	if rule.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidRule, rule.Class)
	}
	return nil
}

// ClassOf maps a path to the first rule whose Match contains a substring of
// it, or the default class.
func (l *Limiter) ClassOf(path string) Class {
	for _, rule := range l.rules {
		for _, needle := range rule.Match {
			if needle != "" && strings.Contains(path, needle) {
				return rule.Class
			}
		}
	}
	return l.fallback.Class
}

// Limit returns the rule governing class. Unknown classes use the default rule.
func (l *Limiter) Limit(class Class) Rule {
	if rule, ok := l.byClass[class]; ok {
		return rule
	}
	return l.fallback
}

// Rules lists every configured rule, default last.
func (l *Limiter) Rules() []Rule {
	out := make([]Rule, 0, len(l.rules)+1)
	out = append(out, l.rules...)
	return append(out, l.fallback)
}

// Admit purges aged-out timestamps and admits the request when the window
// still has budget, recording it in the same critical section. A rejected
// request is not recorded.
func (l *Limiter) Admit(identity string, class Class) Decision {
	return l.evaluate(identity, class, true)
}

// Remaining reports the current budget without consuming it.
func (l *Limiter) Remaining(identity string, class Class) Decision {
	return l.evaluate(identity, class, false)
}

func (l *Limiter) evaluate(identity string, class Class, record bool) Decision {
	rule := l.Limit(class)
	decision := Decision{Class: rule.Class, Limit: rule.Requests}

	if untracked(identity) {
		now := l.now()
		decision.Admitted = true
		decision.Remaining = rule.Requests
		decision.ResetAt = now.Add(rule.Window)
		return decision
	}

	key := windowKey{identity: identity, class: rule.Class}
	sh := l.shardFor(key)
	sh.mu.Lock()
	// Read the clock under the lock so appended timestamps stay ordered.
	now := l.now()
	stamps := purge(sh.windows[key], now.Add(-rule.Window))
	count := len(stamps)
	decision.Admitted = count < rule.Requests
	if decision.Admitted && record {
		stamps = append(stamps, now)
		count++
	}
	if len(stamps) == 0 {
		delete(sh.windows, key)
		decision.ResetAt = now.Add(rule.Window)
	} else {
		sh.windows[key] = stamps
		decision.ResetAt = stamps[0].Add(rule.Window)
	}
	sh.mu.Unlock()

	decision.Remaining = max(0, rule.Requests-count)
	if !decision.Admitted {
		decision.RetryAfter = decision.ResetAt.Sub(now)
	}
	return decision
}

// Sweep drops windows whose timestamps have all aged out.
func (l *Limiter) Sweep(ctx context.Context) int {
	now := l.now()
	removed := 0
	for _, sh := range l.shards {
		if err := ctx.Err(); err != nil {
			return removed
		}
		sh.mu.Lock()
		for key, stamps := range sh.windows {
			rule := l.Limit(key.class)
			if len(stamps) == 0 || stamps[len(stamps)-1].Before(now.Add(-rule.Window)) {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Windows reports how many (identity, class) windows are held.
func (l *Limiter) Windows() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.windows)
		sh.mu.Unlock()
	}
	return total
}

func (l *Limiter) shardFor(key windowKey) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(key.identity)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(string(key.class))
	return l.shards[h.Sum64()%uint64(len(l.shards))]
}

// purge drops timestamps strictly older than cutoff. Timestamps are appended
// in order so the retained run is a suffix.
func purge(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(stamps), func(i int) bool { return !stamps[i].Before(cutoff) })
	if idx == 0 {
		return stamps
	}
	kept := len(stamps) - idx
	copy(stamps, stamps[idx:])
	clear(stamps[kept:])
	return stamps[:kept]
}

func untracked(identity string) bool {
	trimmed := strings.TrimSpace(identity)
	return trimmed == "" || strings.EqualFold(trimmed, unknownIdentity)
}
