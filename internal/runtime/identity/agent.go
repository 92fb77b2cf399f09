package identity

import (
	"context"
	"net/http"

	"github.com/l0p7/tripguard/internal/runtime/pipeline"
	"github.com/l0p7/tripguard/internal/runtime/tracker"
)

// Tracker is the slice of the activity tracker the identity agent needs.
type Tracker interface {
	Track(identity, path, method, agentTag string) tracker.Profile
}

// Config toggles the optional suspicious-identity block.
type Config struct {
	BlockSuspicious bool
}

// Agent resolves the caller identity, records the request and rejects
// deny-listed callers.
type Agent struct {
	tracker Tracker
	cfg     Config
}

func New(t Tracker, cfg Config) *Agent {
	return &Agent{tracker: t, cfg: cfg}
}

func (a *Agent) Name() string { return "identity" }

func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	state.Identity = tracker.ResolveIdentity(r)
	state.Profile = a.tracker.Track(state.Identity, state.Request.Path, state.Request.Method, state.Request.UserAgent)
	state.Advance(pipeline.PhaseClassified)

	meta := map[string]any{
		"identity":   state.Identity,
		"suspicious": state.Profile.IsSuspicious,
	}
	switch {
	case state.Profile.IsDenied:
		state.Reject(pipeline.PhaseDenied, http.StatusForbidden, "identity denied")
		return pipeline.Result{Name: a.Name(), Status: pipeline.StatusDenied, Details: "deny list", Meta: meta}
	case a.cfg.BlockSuspicious && state.Profile.IsSuspicious && !state.Profile.IsAllowed:
		state.Reject(pipeline.PhaseDenied, http.StatusForbidden, "identity flagged as suspicious")
		return pipeline.Result{Name: a.Name(), Status: pipeline.StatusDenied, Details: "suspicious", Meta: meta}
	}
	return pipeline.Result{Name: a.Name(), Status: pipeline.StatusPass, Meta: meta}
}
