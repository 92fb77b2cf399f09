// Package travel holds the request handlers that sit behind the governance
// middleware and use the ephemeral store for caching, sessions and
// collaboration state.
package travel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/tripguard/internal/runtime"
	"github.com/l0p7/tripguard/internal/runtime/store"
)

// SearchNamespace partitions memoized provider lookups.
const SearchNamespace = "search_cache"

const (
	cacheHeader    = "X-Cache"
	maxRequestBody = 64 << 10
)

// Options configures the travel handlers.
type Options struct {
	Store    *store.Store
	Provider Provider
	CacheTTL time.Duration
	Kinds    []string
	Logger   *slog.Logger
}

// Handlers serves the /api/ surface.
type Handlers struct {
	store    *store.Store
	provider Provider
	cacheTTL time.Duration
	kinds    map[string]struct{}
	logger   *slog.Logger
	mux      *http.ServeMux
}

func New(opts Options) (*Handlers, error) {
	if opts.Store == nil {
		return nil, errors.New("travel: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		store:    opts.Store,
		provider: opts.Provider,
		cacheTTL: opts.CacheTTL,
		kinds:    make(map[string]struct{}, len(opts.Kinds)),
		logger:   logger.With(slog.String("agent", "travel")),
		mux:      http.NewServeMux(),
	}
	for _, kind := range opts.Kinds {
		h.kinds[strings.ToLower(strings.TrimSpace(kind))] = struct{}{}
	}

	h.mux.HandleFunc("GET /api/search/{kind}", h.search)
	h.mux.HandleFunc("POST /api/auth/session", h.createSession)
	h.mux.HandleFunc("GET /api/auth/session/{id}", h.getSession)
	h.mux.HandleFunc("DELETE /api/auth/session/{id}", h.deleteSession)
	h.mux.HandleFunc("GET /api/plans/{plan}/collaborators", h.listCollaborators)
	h.mux.HandleFunc("PUT /api/plans/{plan}/collaborators/{user}", h.publishCollaborator)
	h.mux.HandleFunc("DELETE /api/plans/{plan}/collaborators/{user}", h.leaveCollaborator)
	return h, nil
}

func (h *Handlers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handlers) search(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(r.PathValue("kind"))
	if _, ok := h.kinds[kind]; !ok {
		writeError(w, http.StatusNotFound, "unknown search kind")
		return
	}
	if h.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "search provider not configured")
		return
	}
	query := r.URL.Query()
	q := strings.TrimSpace(query.Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q required")
		return
	}
	params := store.Params{"q": q}
	for name, values := range query {
		if name == "q" || len(values) == 0 {
			continue
		}
		params[name] = values[0]
	}

	entry, hit, err := h.store.Remember(r.Context(), SearchNamespace, kind, params, h.cacheTTL, func(ctx context.Context) (any, error) {
		return h.provider.Lookup(ctx, kind, q, params)
	})
	if err != nil {
		h.logger.Warn("search lookup failed", slog.String("kind", kind), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "search provider unavailable")
		return
	}

	if hit {
		w.Header().Set(cacheHeader, "hit")
	} else {
		w.Header().Set(cacheHeader, "miss")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Value)
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	payload, ok := readJSON(w, r)
	if !ok {
		return
	}
	id, err := newSessionID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session id unavailable")
		return
	}
	if err := h.store.Sessions().Set(id, payload); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attrs := []any{slog.String("session", id)}
	if g, ok := runtime.FromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("identity", g.Identity))
	}
	h.logger.Debug("session created", attrs...)
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	found, err := h.store.Sessions().Get(r.PathValue("id"), &payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.store.Sessions().Delete(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listCollaborators(w http.ResponseWriter, r *http.Request) {
	plan := r.PathValue("plan")
	states := h.store.Collaboration().States(plan)
	if states == nil {
		states = []store.CollaborationState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"planId": plan, "collaborators": states})
}

func (h *Handlers) publishCollaborator(w http.ResponseWriter, r *http.Request) {
	payload, ok := readJSON(w, r)
	if !ok {
		return
	}
	if err := h.store.Collaboration().Publish(r.PathValue("plan"), r.PathValue("user"), payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) leaveCollaborator(w http.ResponseWriter, r *http.Request) {
	if !h.store.Collaboration().Leave(r.PathValue("plan"), r.PathValue("user")) {
		writeError(w, http.StatusNotFound, "collaborator not present")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "request body unreadable")
		}
		return nil, false
	}
	if len(body) == 0 || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body must be JSON")
		return nil, false
	}
	return json.RawMessage(body), true
}

func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
