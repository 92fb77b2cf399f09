package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/tripguard/internal/runtime/ratelimit"
	"github.com/l0p7/tripguard/internal/runtime/tracker"
)

// Agent represents a governance step. Each agent observes and mutates the
// shared State before returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Agent result statuses.
const (
	StatusPass     = "pass"
	StatusDenied   = "denied"
	StatusThrottle = "throttled"
)

// Phase is a request's position in the governance state machine.
type Phase string

const (
	PhaseReceived   Phase = "received"
	PhaseClassified Phase = "classified"
	PhaseAdmitted   Phase = "admitted"
	PhaseHandled    Phase = "handled"
	PhaseResponded  Phase = "responded"
	PhaseDenied     Phase = "denied"
	PhaseThrottled  Phase = "throttled"
)

// Terminal reports whether the phase ends the request without a handler.
func (p Phase) Terminal() bool {
	return p == PhaseDenied || p == PhaseThrottled
}

var transitions = map[Phase][]Phase{
	PhaseReceived:   {PhaseClassified},
	PhaseClassified: {PhaseAdmitted, PhaseDenied, PhaseThrottled},
	PhaseAdmitted:   {PhaseHandled},
	PhaseHandled:    {PhaseResponded},
}

// RequestState preserves the inbound request snapshot.
type RequestState struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Host      string            `json:"host"`
	PeerAddr  string            `json:"peerAddr"`
	UserAgent string            `json:"userAgent,omitempty"`
	Headers   map[string]string `json:"headers"`
}

// ResponseState is the rejection composed for the caller when the request
// ends in a terminal phase.
type ResponseState struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Headers map[string]string `json:"headers"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	phase   Phase
	history []Phase

	Identity   string             `json:"identity"`
	ReceivedAt time.Time          `json:"receivedAt"`
	Request    RequestState       `json:"request"`
	Profile    tracker.Profile    `json:"profile"`
	Class      ratelimit.Class    `json:"class,omitempty"`
	Decision   ratelimit.Decision `json:"decision"`
	Response   ResponseState      `json:"response"`
}

// NewState captures the inbound request metadata for a governance evaluation.
func NewState(r *http.Request, receivedAt time.Time) *State {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	return &State{
		phase:      PhaseReceived,
		history:    []Phase{PhaseReceived},
		ReceivedAt: receivedAt,
		Request: RequestState{
			Method:    r.Method,
			Path:      r.URL.Path,
			Host:      r.Host,
			PeerAddr:  r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Headers:   headers,
		},
		Response: ResponseState{
			Headers: make(map[string]string),
		},
	}
}

// Phase reports the current phase.
func (s *State) Phase() Phase { return s.phase }

// History lists every phase the request has passed through.
func (s *State) History() []Phase { return append([]Phase(nil), s.history...) }

// Advance moves the request to next. Illegal transitions, including any move
// out of a terminal phase, are refused.
func (s *State) Advance(next Phase) bool {
	for _, allowed := range transitions[s.phase] {
		if allowed == next {
			s.phase = next
			s.history = append(s.history, next)
			return true
		}
	}
	return false
}

// Reject ends the request in a terminal phase with the given response.
func (s *State) Reject(phase Phase, status int, message string) bool {
	if !phase.Terminal() || !s.Advance(phase) {
		return false
	}
	s.Response.Status = status
	s.Response.Message = message
	return true
}

// Rejected reports whether the request ended in a terminal phase.
func (s *State) Rejected() bool { return s.phase.Terminal() }
