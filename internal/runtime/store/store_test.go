package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (o *recordingObserver) ObserveStoreOperation(namespace, operation, result string) {
	o.mu.Lock()
	o.ops = append(o.ops, namespace+"/"+operation+"/"+result)
	o.mu.Unlock()
}

func newTestStore(clock *fakeClock) *Store {
	return New(Options{DefaultTTL: time.Hour, SweepChunk: 2, Now: clock.Now})
}

func TestSetGetHonorsTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	require.NoError(t, s.Set("places", "paris-hotels", map[string]any{"count": 3}, time.Minute, nil))

	clock.Advance(time.Minute)
	entry, ok := s.Get("places", "paris-hotels", nil)
	require.True(t, ok, "entry must be visible at exactly expiresAt")
	var payload map[string]int
	require.NoError(t, entry.Decode(&payload))
	require.Equal(t, 3, payload["count"])

	clock.Advance(time.Nanosecond)
	_, ok = s.Get("places", "paris-hotels", nil)
	require.False(t, ok, "entry must be absent strictly after expiresAt")
	require.Empty(t, s.Keys("places"), "expired entry should be evicted lazily by Get")
}

func TestSetUsesDefaultTTLWhenUnset(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	require.NoError(t, s.Set("weather", "lisbon", "sunny", 0, nil))

	entry, ok := s.Get("weather", "lisbon", nil)
	require.True(t, ok)
	require.Equal(t, time.Hour, entry.ExpiresAt.Sub(entry.StoredAt))
}

func TestParamsOrderIndependence(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	first := Params{"a": 1, "b": 2, "nested": map[string]any{"x": "1", "y": []any{1, "two"}}}
	second := Params{"nested": map[string]any{"y": []any{1, "two"}, "x": "1"}, "b": 2, "a": 1}
	require.Equal(t, ComposeKey("search", "q", first), ComposeKey("search", "q", second))

	require.NoError(t, s.Set("search", "q", "v1", time.Minute, first))
	require.NoError(t, s.Set("search", "q", "v2", time.Minute, second))
	require.Len(t, s.Keys("search"), 1)

	var got string
	ok, err := s.GetInto("search", "q", Params{"b": 2, "a": 1, "nested": map[string]any{"x": "1", "y": []any{1, "two"}}}, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", got)

	require.NotEqual(t, ComposeKey("search", "q", Params{"a": 1}), ComposeKey("search", "q", Params{"a": 2}))
	require.Equal(t, "search:q", ComposeKey("search", "q", nil))
}

func TestSetRejectsUnserializableValue(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	require.NoError(t, s.Set("ns", "k", "original", time.Minute, nil))

	err := s.Set("ns", "k", make(chan int), time.Minute, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSerialization))

	var got string
	ok, err := s.GetInto("ns", "k", nil, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "original", got, "failed write must leave the previous entry intact")
}

func TestDeleteReportsPresence(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	require.False(t, s.Delete("ns", "missing", nil))
	require.NoError(t, s.Set("ns", "k", 1, time.Second, nil))
	require.True(t, s.Delete("ns", "k", nil))
	require.False(t, s.Delete("ns", "k", nil))

	require.NoError(t, s.Set("ns", "stale", 1, time.Second, nil))
	clock.Advance(2 * time.Second)
	require.False(t, s.Delete("ns", "stale", nil), "expired entries count as absent")
}

func TestDeleteMatchingLeavesOtherNamespacesUntouched(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	require.NoError(t, s.Set("search_cache", "paris", 1, time.Minute, nil))
	require.NoError(t, s.Set("search_cache", "rome", 1, time.Minute, Params{"page": 2}))
	require.NoError(t, s.Set("places", "paris", 1, time.Minute, nil))
	require.NoError(t, s.Set("sessions", "abc", 1, time.Minute, nil))

	removed := s.DeleteMatching("search_cache")
	require.Equal(t, 2, removed)

	_, ok := s.Get("search_cache", "paris", nil)
	require.False(t, ok)
	_, ok = s.Get("search_cache", "rome", Params{"page": 2})
	require.False(t, ok)
	_, ok = s.Get("places", "paris", nil)
	require.True(t, ok)
	_, ok = s.Get("sessions", "abc", nil)
	require.True(t, ok)
}

func TestDeleteMatchingWithinNamespace(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	require.NoError(t, s.Set("places", "paris-hotels", 1, time.Minute, nil))
	require.NoError(t, s.Set("places", "paris-museums", 1, time.Minute, nil))
	require.NoError(t, s.Set("places", "rome-hotels", 1, time.Minute, nil))

	require.Equal(t, 2, s.DeleteMatching("places:paris*"))
	require.Equal(t, []string{"places:rome-hotels"}, s.Keys("places"))
	require.Equal(t, 0, s.DeleteMatching(""))
}

func TestStatsSweepsExpiredEntriesFirst(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	require.NoError(t, s.Set("a", "live", "value", time.Hour, nil))
	require.NoError(t, s.Set("a", "dead", "value", time.Second, nil))
	require.NoError(t, s.Set("b", "dead", "value", time.Second, nil))
	clock.Advance(2 * time.Second)

	stats := s.Stats()
	require.Equal(t, 1, stats.TotalKeys)
	require.Equal(t, map[string]int{"a": 1}, stats.Namespaces)
	require.Positive(t, stats.ApproxMemoryBytes)

	require.Equal(t, 1, s.Clear())
	require.Zero(t, s.Stats().ApproxMemoryBytes)
}

func TestSweepEvictsInChunks(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	for _, key := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, s.Set("ns", key, key, time.Second, nil))
	}
	require.NoError(t, s.Set("ns", "keep", "keep", time.Hour, nil))
	clock.Advance(2 * time.Second)

	require.Equal(t, 5, s.Sweep(context.Background()))
	require.Equal(t, []string{"ns:keep"}, s.Keys("ns"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Set("ns", "x", "x", time.Second, nil))
	clock.Advance(2 * time.Second)
	require.Equal(t, 0, s.Sweep(ctx), "cancelled sweep stops before the first chunk")
}

func TestRememberLoadsOncePerKey(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []string{"Hotel Lutetia"}, nil
	}

	var wg sync.WaitGroup
	results := make([]Entry, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, _, err := s.Remember(context.Background(), "places", "paris-hotels", nil, time.Hour, load)
			if err != nil {
				t.Errorf("remember: %v", err)
				return
			}
			results[i] = entry
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, entry := range results {
		require.JSONEq(t, `["Hotel Lutetia"]`, string(entry.Value))
	}

	clock.Advance(5 * time.Minute)
	entry, fromCache, err := s.Remember(context.Background(), "places", "paris-hotels", nil, time.Hour, load)
	require.NoError(t, err)
	require.True(t, fromCache)
	require.JSONEq(t, `["Hotel Lutetia"]`, string(entry.Value))
	require.Equal(t, int32(1), calls.Load(), "cached value must not re-invoke the provider")
}

func TestRememberDoesNotCacheLoaderErrors(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	boom := errors.New("provider down")
	_, _, err := s.Remember(context.Background(), "weather", "oslo", nil, time.Minute, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	_, ok := s.Get("weather", "oslo", nil)
	require.False(t, ok)

	_, _, err = s.Remember(context.Background(), "weather", "oslo", nil, time.Minute, nil)
	require.Error(t, err)
}

func TestRememberHonorsLoaderLifetime(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	entry, fromCache, err := s.Remember(context.Background(), "search_cache", "rome", nil, time.Hour, func(context.Context) (any, error) {
		return Lifetime{Value: map[string]int{"results": 3}, TTL: 10 * time.Minute}, nil
	})
	require.NoError(t, err)
	require.False(t, fromCache)
	require.JSONEq(t, `{"results":3}`, string(entry.Value))
	require.Equal(t, clock.Now().Add(10*time.Minute), entry.ExpiresAt)

	var calls atomic.Int32
	uncached := func(context.Context) (any, error) {
		calls.Add(1)
		return Lifetime{Value: "fresh", TTL: 0}, nil
	}
	for i := 0; i < 3; i++ {
		entry, fromCache, err = s.Remember(context.Background(), "search_cache", "live", nil, time.Hour, uncached)
		require.NoError(t, err)
		require.False(t, fromCache)
		require.JSONEq(t, `"fresh"`, string(entry.Value))
	}
	require.Equal(t, int32(3), calls.Load())
	_, ok := s.Get("search_cache", "live", nil)
	require.False(t, ok)
}

func TestObserverReceivesOutcomes(t *testing.T) {
	clock := newFakeClock()
	obs := &recordingObserver{}
	s := New(Options{Now: clock.Now, Observer: obs})

	require.NoError(t, s.Set("ns", "k", 1, time.Second, nil))
	s.Get("ns", "k", nil)
	s.Get("ns", "other", nil)
	clock.Advance(2 * time.Second)
	s.Get("ns", "k", nil)

	require.Equal(t, []string{"ns/set/stored", "ns/get/hit", "ns/get/miss", "ns/get/expired"}, obs.ops)
}

func TestConcurrentAccessAcrossNamespaces(t *testing.T) {
	s := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ns := []string{"places", "flights", "hotels", "weather"}[i%4]
			for j := 0; j < 200; j++ {
				_ = s.Set(ns, "k", j, time.Minute, Params{"j": j % 10})
				s.Get(ns, "k", Params{"j": j % 10})
				if j%50 == 0 {
					s.DeleteMatching(ns + ":k")
					s.Stats()
				}
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, s.Stats().TotalKeys, 40)
}

func TestSessionView(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{Now: clock.Now})
	sessions := s.Sessions()

	require.Error(t, sessions.Set(" ", "x"))
	require.NoError(t, sessions.Set("sid-1", map[string]string{"user": "ana"}))

	var got map[string]string
	ok, err := sessions.Get("sid-1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ana", got["user"])

	clock.Advance(24*time.Hour + time.Second)
	ok, err = sessions.Get("sid-1", &got)
	require.NoError(t, err)
	require.False(t, ok, "sessions default to a 24h lifetime")

	require.NoError(t, sessions.Set("sid-2", "x"))
	require.True(t, sessions.Delete("sid-2"))
}

func TestCollaborationViewScansAndEvicts(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{Now: clock.Now})
	collab := s.Collaboration()

	require.NoError(t, collab.Publish("plan-1", "ana", map[string]string{"editing": "day-2"}))
	clock.Advance(3 * time.Minute)
	require.NoError(t, collab.Publish("plan-1", "ben", map[string]string{"editing": "day-1"}))
	require.NoError(t, collab.Publish("plan-2", "ana", map[string]string{"editing": "day-5"}))
	require.Error(t, collab.Publish("plan:bad", "ana", nil))

	states := collab.States("plan-1")
	require.Len(t, states, 2)
	require.Equal(t, "ana", states[0].UserID)
	require.Equal(t, "ben", states[1].UserID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(states[1].State, &payload))
	require.Equal(t, "day-1", payload["editing"])

	clock.Advance(2*time.Minute + time.Second)
	states = collab.States("plan-1")
	require.Len(t, states, 1, "ana's state is older than five minutes")
	require.Equal(t, "ben", states[0].UserID)
	require.Len(t, s.Keys(CollaborationNamespace), 2)

	require.True(t, collab.Leave("plan-1", "ben"))
	require.Empty(t, collab.States("plan-1"))
}

func TestParamsKeyNeverCollidesWithPlainKey(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	params := Params{"a": 1}

	require.NoError(t, s.Set("ns", "k", "with-params", time.Minute, params))
	require.NoError(t, s.Set("ns", "k:"+HashParams(params), "no-params", time.Minute, nil))
	require.NoError(t, s.Set("ns", "k\x00"+HashParams(params), "nul-key", time.Minute, nil))

	var got string
	ok, err := s.GetInto("ns", "k", params, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "with-params", got)

	ok, err = s.GetInto("ns", "k\x00"+HashParams(params), nil, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "nul-key", got)

	require.Len(t, s.Keys("ns"), 3)
	require.Contains(t, s.Keys("ns"), "ns:k:"+HashParams(params))
}

func TestRememberSurvivesCancelledLeader(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	load := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
			return nil, err
		}
		return "Hotel Lutetia", nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := s.Remember(leaderCtx, "places", "paris-hotels", nil, time.Hour, load)
		leaderDone <- err
	}()
	<-started

	followerDone := make(chan Entry, 1)
	go func() {
		entry, _, err := s.Remember(context.Background(), "places", "paris-hotels", nil, time.Hour, load)
		if err != nil {
			t.Errorf("follower: %v", err)
		}
		followerDone <- entry
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderDone, context.Canceled)
	close(release)

	entry := <-followerDone
	require.JSONEq(t, `"Hotel Lutetia"`, string(entry.Value))
	require.Nil(t, loadErr.Load(), "shared load must not inherit the leader's cancellation")

	_, ok := s.Get("places", "paris-hotels", nil)
	require.True(t, ok)
}
