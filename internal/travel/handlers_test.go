package travel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/tripguard/internal/runtime/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (p *countingProvider) Lookup(_ context.Context, kind, query string, params store.Params) (any, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return map[string]any{"kind": kind, "query": query, "limit": params["limit"]}, nil
}

func newTestHandlers(t *testing.T, provider Provider) (*Handlers, *store.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := store.New(store.Options{Now: clock.Now})
	h, err := New(Options{
		Store:    s,
		Provider: provider,
		CacheTTL: time.Hour,
		Kinds:    []string{"places", "flights", "hotels"},
	})
	require.NoError(t, err)
	return h, s, clock
}

func serve(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSearchIsMemoized(t *testing.T) {
	provider := &countingProvider{}
	h, _, clock := newTestHandlers(t, provider)

	first := serve(h, http.MethodGet, "/api/search/places?q=kyoto&limit=3", nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "miss", first.Header().Get(cacheHeader))
	require.JSONEq(t, `{"kind":"places","query":"kyoto","limit":"3"}`, first.Body.String())

	clock.Advance(5 * time.Minute)
	second := serve(h, http.MethodGet, "/api/search/places?limit=3&q=kyoto", nil)
	require.Equal(t, "hit", second.Header().Get(cacheHeader))
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, int32(1), provider.calls.Load())

	other := serve(h, http.MethodGet, "/api/search/places?q=kyoto&limit=10", nil)
	require.Equal(t, "miss", other.Header().Get(cacheHeader), "different params are a different key")

	clock.Advance(time.Hour)
	expired := serve(h, http.MethodGet, "/api/search/places?q=kyoto&limit=3", nil)
	require.Equal(t, "miss", expired.Header().Get(cacheHeader))
	require.Equal(t, int32(3), provider.calls.Load())
}

func TestSearchValidation(t *testing.T) {
	h, _, _ := newTestHandlers(t, &countingProvider{})
	require.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/search/trains?q=x", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/search/hotels", nil).Code)

	failing, _, _ := newTestHandlers(t, &countingProvider{err: errors.New("down")})
	require.Equal(t, http.StatusBadGateway, serve(failing, http.MethodGet, "/api/search/hotels?q=rome", nil).Code)

	unconfigured, _, _ := newTestHandlers(t, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(unconfigured, http.MethodGet, "/api/search/hotels?q=rome", nil).Code)
}

func TestSessionLifecycle(t *testing.T) {
	h, _, clock := newTestHandlers(t, nil)

	created := serve(h, http.MethodPost, "/api/auth/session", []byte(`{"userId":"u-1","locale":"fr"}`))
	require.Equal(t, http.StatusCreated, created.Code)
	var body struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &body))
	require.Len(t, body.SessionID, 32)

	got := serve(h, http.MethodGet, "/api/auth/session/"+body.SessionID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	require.JSONEq(t, `{"userId":"u-1","locale":"fr"}`, got.Body.String())

	clock.Advance(25 * time.Hour)
	require.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/auth/session/"+body.SessionID, nil).Code)

	require.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/auth/session", []byte(`not json`)).Code)
	require.Equal(t, http.StatusNotFound, serve(h, http.MethodDelete, "/api/auth/session/missing", nil).Code)
}

func TestCollaborationLifecycle(t *testing.T) {
	h, _, clock := newTestHandlers(t, nil)

	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPut, "/api/plans/p1/collaborators/alice", []byte(`{"day":2}`)).Code)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPut, "/api/plans/p1/collaborators/bob", []byte(`{"day":3}`)).Code)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodPut, "/api/plans/p2/collaborators/carol", []byte(`{}`)).Code)

	var listing struct {
		PlanID        string                     `json:"planId"`
		Collaborators []store.CollaborationState `json:"collaborators"`
	}
	rec := serve(h, http.MethodGet, "/api/plans/p1/collaborators", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Collaborators, 2)
	require.Equal(t, "alice", listing.Collaborators[0].UserID)
	require.JSONEq(t, `{"day":3}`, string(listing.Collaborators[1].State))

	require.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/api/plans/p1/collaborators/alice", nil).Code)
	require.Equal(t, http.StatusNotFound, serve(h, http.MethodDelete, "/api/plans/p1/collaborators/alice", nil).Code)

	clock.Advance(6 * time.Minute)
	rec = serve(h, http.MethodGet, "/api/plans/p1/collaborators", nil)
	require.JSONEq(t, `{"planId":"p1","collaborators":[]}`, rec.Body.String())
}
