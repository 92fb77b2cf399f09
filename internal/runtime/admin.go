package runtime

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/tripguard/internal/runtime/ratelimit"
	"github.com/l0p7/tripguard/internal/runtime/store"
	"github.com/l0p7/tripguard/internal/runtime/tracker"
)

// AdminTokenHeader carries the operator token on admin requests.
const AdminTokenHeader = "X-Admin-Token"

const defaultTopLimit = 20

// AdminHandler serves the operator routes under /admin/. Requests must carry
// token in X-Admin-Token; an empty token disables the routes entirely.
func (p *Pipeline) AdminHandler(token string) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return http.NotFoundHandler()
	}
	logger := p.logger.With(slog.String("agent", "admin"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/identities/top", p.adminTop)
	mux.HandleFunc("GET /admin/identities/{identity}", p.adminInspect)
	mux.HandleFunc("POST /admin/identities/{identity}/{list}", p.adminListEdit)
	mux.HandleFunc("DELETE /admin/identities/{identity}/{list}", p.adminListEdit)
	mux.HandleFunc("GET /admin/ratelimits/{identity}", p.adminRateLimits)
	mux.HandleFunc("GET /admin/stats", p.adminStats)
	mux.HandleFunc("DELETE /admin/store", p.adminStoreDelete)
	mux.HandleFunc("POST /admin/sweep", p.adminSweep)

	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get(AdminTokenHeader))
		if subtle.ConstantTimeCompare(presented, expected) != 1 {
			logger.Warn("admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("identity", tracker.ResolveIdentity(r)),
			)
			p.WriteError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (p *Pipeline) adminTop(w http.ResponseWriter, r *http.Request) {
	limit := defaultTopLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			p.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	p.WriteJSON(w, http.StatusOK, map[string]any{"identities": p.tracker.Top(limit)})
}

func (p *Pipeline) adminInspect(w http.ResponseWriter, r *http.Request) {
	id, err := tracker.NormalizeIdentity(r.PathValue("identity"))
	if err != nil {
		p.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, history, ok := p.tracker.Inspect(id)
	if !ok && !profile.IsAllowed && !profile.IsDenied {
		p.WriteError(w, http.StatusNotFound, "identity not tracked")
		return
	}
	p.WriteJSON(w, http.StatusOK, map[string]any{
		"profile":  profile,
		"activity": history,
	})
}

func (p *Pipeline) adminListEdit(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	add := r.Method == http.MethodPost

	var err error
	switch list := r.PathValue("list"); {
	case list == "allow" && add:
		err = p.tracker.Allow(identity)
	case list == "allow":
		err = p.tracker.UnAllow(identity)
	case list == "deny" && add:
		err = p.tracker.Deny(identity)
	case list == "deny":
		err = p.tracker.UnDeny(identity)
	case list == "flag" && add:
		err = p.tracker.Flag(identity)
	case list == "flag":
		err = p.tracker.ClearSuspicion(identity)
	default:
		p.WriteError(w, http.StatusNotFound, "unknown list "+strconv.Quote(list))
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tracker.ErrInvalidIdentity) {
			status = http.StatusBadRequest
		}
		p.WriteError(w, status, err.Error())
		return
	}

	p.logger.Info("admin list edit",
		slog.String("identity", identity),
		slog.String("list", r.PathValue("list")),
		slog.Bool("added", add),
	)
	profile := p.tracker.Classify(identity)
	p.WriteJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

func (p *Pipeline) adminRateLimits(w http.ResponseWriter, r *http.Request) {
	id, err := tracker.NormalizeIdentity(r.PathValue("identity"))
	if err != nil {
		p.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules := p.limiter.Rules()
	out := make([]ratelimit.Decision, 0, len(rules))
	for _, rule := range rules {
		out = append(out, p.limiter.Remaining(id, rule.Class))
	}
	p.WriteJSON(w, http.StatusOK, map[string]any{"identity": id, "classes": out})
}

type adminStats struct {
	Tracker     tracker.Stats `json:"tracker"`
	Store       store.Stats   `json:"store"`
	RateWindows int           `json:"rateWindows"`
}

func (p *Pipeline) adminStats(w http.ResponseWriter, _ *http.Request) {
	p.WriteJSON(w, http.StatusOK, adminStats{
		Tracker:     p.tracker.Stats(),
		Store:       p.store.Stats(),
		RateWindows: p.limiter.Windows(),
	})
}

func (p *Pipeline) adminStoreDelete(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" {
		p.WriteError(w, http.StatusBadRequest, "prefix required")
		return
	}
	removed := p.store.DeleteMatching(prefix)
	p.logger.Info("admin store purge", slog.String("prefix", prefix), slog.Int("removed", removed))
	p.WriteJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (p *Pipeline) adminSweep(w http.ResponseWriter, r *http.Request) {
	p.WriteJSON(w, http.StatusOK, p.Sweep(r.Context()))
}
