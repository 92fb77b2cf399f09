package server

import (
	"net/http"
	"strings"
)

// Governor defines the surface the router needs from the governance pipeline.
type Governor interface {
	Middleware(http.Handler) http.Handler
	ServeHealth(http.ResponseWriter, *http.Request)
	AdminHandler(token string) http.Handler
	WriteError(http.ResponseWriter, int, string)
}

// Deps are the handlers the router dispatches to.
type Deps struct {
	Pipeline   Governor
	API        http.Handler
	Metrics    http.Handler
	AdminToken string
}

type route int

const (
	routeNone route = iota
	routeHealth
	routeMetrics
	routeAdmin
	routeAPI
)

// NewHandler dispatches health, metrics and admin requests directly and sends
// everything under /api/ through the governance middleware.
func NewHandler(deps Deps) http.Handler {
	if deps.Pipeline == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	api := deps.API
	if api == nil {
		api = http.NotFoundHandler()
	}
	governed := deps.Pipeline.Middleware(api)
	admin := deps.Pipeline.AdminHandler(deps.AdminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch routeFor(r.URL.Path) {
		case routeHealth:
			deps.Pipeline.ServeHealth(w, r)
		case routeMetrics:
			if deps.Metrics == nil {
				deps.Pipeline.WriteError(w, http.StatusNotFound, "metrics disabled")
				return
			}
			deps.Metrics.ServeHTTP(w, r)
		case routeAdmin:
			admin.ServeHTTP(w, r)
		case routeAPI:
			governed.ServeHTTP(w, r)
		default:
			deps.Pipeline.WriteError(w, http.StatusNotFound, "not found")
		}
	})
}

func routeFor(path string) route {
	switch strings.ToLower(strings.TrimRight(path, "/")) {
	case "/health", "/healthz":
		return routeHealth
	case "/metrics":
		return routeMetrics
	}
	switch {
	case strings.HasPrefix(path, "/admin/"):
		return routeAdmin
	case path == "/api" || strings.HasPrefix(path, "/api/"):
		return routeAPI
	}
	return routeNone
}
