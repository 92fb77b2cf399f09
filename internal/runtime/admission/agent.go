package admission

import (
	"context"
	"net/http"
	"strconv"

	"github.com/l0p7/tripguard/internal/runtime/pipeline"
	"github.com/l0p7/tripguard/internal/runtime/ratelimit"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Limiter is the slice of the admission controller the agent needs.
type Limiter interface {
	ClassOf(path string) ratelimit.Class
	Admit(identity string, class ratelimit.Class) ratelimit.Decision
}

// Agent charges the request against its class budget and throttles callers
// that have exhausted it.
type Agent struct {
	limiter Limiter
}

func New(l Limiter) *Agent {
	return &Agent{limiter: l}
}

func (a *Agent) Name() string { return "admission" }

func (a *Agent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Rejected() {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "request already rejected"}
	}

	state.Class = a.limiter.ClassOf(state.Request.Path)
	decision := a.limiter.Admit(state.Identity, state.Class)
	state.Decision = decision
	applyHeaders(state.Response.Headers, decision)

	meta := map[string]any{
		"class":     string(decision.Class),
		"limit":     decision.Limit,
		"remaining": decision.Remaining,
	}
	if !decision.Admitted {
		state.Response.Headers[HeaderRetryAfter] = strconv.Itoa(decision.RetryAfterSeconds())
		state.Reject(pipeline.PhaseThrottled, http.StatusTooManyRequests, "rate limit exceeded")
		meta["retryAfterSeconds"] = decision.RetryAfterSeconds()
		return pipeline.Result{Name: a.Name(), Status: pipeline.StatusThrottle, Meta: meta}
	}
	state.Advance(pipeline.PhaseAdmitted)
	return pipeline.Result{Name: a.Name(), Status: pipeline.StatusPass, Meta: meta}
}

func applyHeaders(headers map[string]string, d ratelimit.Decision) {
	headers[HeaderLimit] = strconv.Itoa(d.Limit)
	headers[HeaderRemaining] = strconv.Itoa(d.Remaining)
	headers[HeaderReset] = strconv.FormatInt(d.ResetAt.Unix(), 10)
}
