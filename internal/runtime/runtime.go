package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/tripguard/internal/config"
	"github.com/l0p7/tripguard/internal/metrics"
	"github.com/l0p7/tripguard/internal/runtime/admission"
	"github.com/l0p7/tripguard/internal/runtime/events"
	"github.com/l0p7/tripguard/internal/runtime/identity"
	"github.com/l0p7/tripguard/internal/runtime/pipeline"
	"github.com/l0p7/tripguard/internal/runtime/ratelimit"
	"github.com/l0p7/tripguard/internal/runtime/store"
	"github.com/l0p7/tripguard/internal/runtime/tracker"
)

const (
	defaultSweepInterval = 2 * time.Minute
	publishTimeout       = 2 * time.Second
)

// PipelineOptions carries the process-start configuration for the governance
// layer and its collaborators.
type PipelineOptions struct {
	Store      config.StoreConfig
	Governance config.GovernanceConfig
	Publisher  events.Publisher
	Metrics    *metrics.Recorder
	Now        func() time.Time
}

// Pipeline owns the ephemeral store, the activity tracker and the admission
// controller, and runs every governed request through the identity and
// admission agents.
type Pipeline struct {
	logger        *slog.Logger
	store         *store.Store
	tracker       *tracker.Tracker
	limiter       *ratelimit.Limiter
	publisher     events.Publisher
	metrics       *metrics.Recorder
	agents        []pipeline.Agent
	now           func() time.Time
	sweepInterval time.Duration

	publishes sync.WaitGroup

	mu          sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closed      bool
}

// Governance is the per-request outcome handlers can read back from the
// request context.
type Governance struct {
	Identity string             `json:"identity"`
	Class    ratelimit.Class    `json:"class"`
	Profile  tracker.Profile    `json:"profile"`
	Decision ratelimit.Decision `json:"decision"`
}

type governanceContextKey struct{}

// FromContext returns the governance annotation attached by Middleware.
func FromContext(ctx context.Context) (Governance, bool) {
	if ctx == nil {
		return Governance{}, false
	}
	g, ok := ctx.Value(governanceContextKey{}).(Governance)
	return g, ok
}

// NewPipeline validates the governance settings and wires the components.
func NewPipeline(logger *slog.Logger, opts PipelineOptions) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}

	storeOpts := store.Options{
		DefaultTTL:       seconds(opts.Store.DefaultTTLSeconds),
		SessionTTL:       seconds(opts.Store.SessionTTLSeconds),
		CollaborationTTL: seconds(opts.Store.CollaborationTTLSeconds),
		SweepChunk:       opts.Store.SweepChunk,
		Now:              now,
	}
	if opts.Metrics != nil {
		storeOpts.Observer = opts.Metrics
	}

	limiter, err := ratelimit.New(limiterConfig(opts.Governance.RateLimits, now))
	if err != nil {
		return nil, fmt.Errorf("runtime: rate limits: %w", err)
	}

	interval := seconds(opts.Governance.SweepIntervalSeconds)
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	p := &Pipeline{
		logger:        logger.With(slog.String("agent", "pipeline")),
		store:         store.New(storeOpts),
		tracker:       tracker.New(trackerConfig(opts.Governance.Tracker, now)),
		limiter:       limiter,
		publisher:     publisher,
		metrics:       opts.Metrics,
		now:           now,
		sweepInterval: interval,
	}
	p.agents = p.instrumentAgents([]pipeline.Agent{
		identity.New(p.tracker, identity.Config{BlockSuspicious: opts.Governance.BlockSuspicious}),
		admission.New(p.limiter),
	})
	return p, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func trackerConfig(cfg config.TrackerConfig, now func() time.Time) tracker.Config {
	return tracker.Config{
		HistorySize:   cfg.HistorySize,
		Window:        seconds(cfg.WindowSeconds),
		RateThreshold: cfg.RateThreshold,
		PathThreshold: cfg.PathThreshold,
		SuspicionTTL:  seconds(cfg.SuspicionTTLSeconds),
		IdleTTL:       seconds(cfg.IdleTTLSeconds),
		Now:           now,
	}
}

func limiterConfig(cfg config.RateLimitsConfig, now func() time.Time) ratelimit.Config {
	out := ratelimit.Config{
		Default: ratelimit.Rule{
			Class:    ratelimit.Class(strings.TrimSpace(cfg.Default.Class)),
			Requests: cfg.Default.Requests,
			Window:   seconds(cfg.Default.WindowSeconds),
		},
		Now: now,
	}
	for _, rule := range cfg.Classes {
		out.Rules = append(out.Rules, ratelimit.Rule{
			Class:    ratelimit.Class(strings.TrimSpace(rule.Class)),
			Match:    rule.Match,
			Requests: rule.Requests,
			Window:   seconds(rule.WindowSeconds),
		})
	}
	return out
}

// Store exposes the ephemeral store to request handlers.
func (p *Pipeline) Store() *store.Store { return p.store }

// Tracker exposes the identity activity tracker.
func (p *Pipeline) Tracker() *tracker.Tracker { return p.tracker }

// Limiter exposes the admission controller.
func (p *Pipeline) Limiter() *ratelimit.Limiter { return p.limiter }

// Evaluate runs the governance agents for r and returns the resulting state.
// The state is either Admitted or in a terminal phase.
func (p *Pipeline) Evaluate(r *http.Request) *pipeline.State {
	state := pipeline.NewState(r, p.now())
	ctx := r.Context()
	for _, agent := range p.agents {
		agent.Execute(ctx, r, state)
		if state.Rejected() {
			break
		}
	}
	return state
}

// Middleware governs every request before next sees it. Rejected requests get
// a JSON error; admitted ones carry the governance annotation in their context.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		state := p.Evaluate(r)
		elapsed := time.Since(start)

		for name, value := range state.Response.Headers {
			w.Header().Set(name, value)
		}
		p.emit(state)

		if state.Rejected() {
			p.observe(r.Context(), state, elapsed)
			p.writeRejection(w, state)
			return
		}

		p.observe(r.Context(), state, elapsed)
		ctx := context.WithValue(r.Context(), governanceContextKey{}, Governance{
			Identity: state.Identity,
			Class:    state.Class,
			Profile:  state.Profile,
			Decision: state.Decision,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
		state.Advance(pipeline.PhaseHandled)
		state.Advance(pipeline.PhaseResponded)

		if p.logger.Enabled(r.Context(), slog.LevelDebug) {
			p.logger.LogAttrs(r.Context(), slog.LevelDebug, "request responded",
				slog.String("identity", state.Identity),
				slog.Any("phases", state.History()),
				slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
			)
		}
	})
}

func (p *Pipeline) observe(ctx context.Context, state *pipeline.State, elapsed time.Duration) {
	outcome := metrics.OutcomeAdmitted
	level := slog.LevelInfo
	switch state.Phase() {
	case pipeline.PhaseDenied:
		outcome = metrics.OutcomeDenied
		level = slog.LevelWarn
	case pipeline.PhaseThrottled:
		outcome = metrics.OutcomeThrottled
		level = slog.LevelWarn
	}
	class := string(state.Class)
	if class == "" {
		class = "none"
	}
	p.metrics.ObserveGovernance(class, outcome, elapsed)

	attrs := []slog.Attr{
		slog.String("identity", state.Identity),
		slog.String("method", state.Request.Method),
		slog.String("path", state.Request.Path),
		slog.String("class", class),
		slog.String("outcome", string(outcome)),
		slog.Bool("suspicious", state.Profile.IsSuspicious),
	}
	if state.Decision.Limit > 0 {
		attrs = append(attrs, slog.Int("remaining", state.Decision.Remaining))
	}
	p.logger.LogAttrs(ctx, level, "request governed", attrs...)
}

func (p *Pipeline) writeRejection(w http.ResponseWriter, state *pipeline.State) {
	payload := map[string]any{
		"error":    state.Response.Message,
		"identity": state.Identity,
	}
	if state.Phase() == pipeline.PhaseThrottled {
		payload["retryAfterSeconds"] = state.Decision.RetryAfterSeconds()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(state.Response.Status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("rejection encode failed", slog.Any("error", err))
	}
}

// emit hands the request's governance events to the publisher off the request
// path.
func (p *Pipeline) emit(state *pipeline.State) {
	var out []events.Event
	base := events.Event{
		Identity: state.Identity,
		Class:    string(state.Class),
		Path:     state.Request.Path,
		At:       state.ReceivedAt,
	}
	if state.Profile.NewlyFlagged {
		p.metrics.ObserveSuspicious()
		e := base
		e.Kind = events.KindIdentitySuspicious
		e.Detail = map[string]string{
			"recentCount":   fmt.Sprint(state.Profile.RecentCount),
			"distinctPaths": fmt.Sprint(state.Profile.DistinctPaths),
		}
		out = append(out, e)
	}
	switch state.Phase() {
	case pipeline.PhaseDenied:
		e := base
		e.Kind = events.KindIdentityDenied
		e.Detail = map[string]string{"reason": state.Response.Message}
		out = append(out, e)
	case pipeline.PhaseThrottled:
		e := base
		e.Kind = events.KindRequestThrottled
		e.Detail = map[string]string{"retryAfterSeconds": fmt.Sprint(state.Decision.RetryAfterSeconds())}
		out = append(out, e)
	}
	if len(out) == 0 {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.publishes.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.publishes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		for _, e := range out {
			if err := p.publisher.Publish(ctx, e); err != nil {
				p.logger.Warn("event publish failed", slog.String("kind", string(e.Kind)), slog.Any("error", err))
			}
		}
	}()
}

// SweepReport counts what one sweep evicted per component.
type SweepReport struct {
	Store   int `json:"store"`
	Tracker int `json:"tracker"`
	Limiter int `json:"limiter"`
}

// Sweep evicts expired store entries, idle tracker profiles and aged-out
// rate windows once.
func (p *Pipeline) Sweep(ctx context.Context) SweepReport {
	report := SweepReport{
		Store:   p.store.Sweep(ctx),
		Tracker: p.tracker.Sweep(ctx),
		Limiter: p.limiter.Sweep(ctx),
	}
	p.metrics.ObserveSweep(metrics.ComponentStore, report.Store)
	p.metrics.ObserveSweep(metrics.ComponentTracker, report.Tracker)
	p.metrics.ObserveSweep(metrics.ComponentLimiter, report.Limiter)
	return report
}

// Start launches the background sweep. Calling it more than once is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sweepCancel != nil || p.closed {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.sweepCancel = cancel
	p.sweepDone = done
	go p.sweepLoop(ctx, done)
}

func (p *Pipeline) sweepLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	p.logger.Info("sweeper started", slog.Duration("interval", p.sweepInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := p.Sweep(ctx)
			p.logger.Debug("sweep completed",
				slog.Int("store", report.Store),
				slog.Int("tracker", report.Tracker),
				slog.Int("limiter", report.Limiter),
			)
		}
	}
}

// Close stops the sweeper, waits for in-flight event publishes and closes the
// publisher.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.sweepCancel, p.sweepDone
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	flushed := make(chan struct{})
	go func() {
		p.publishes.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.publisher.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("runtime: close publisher: %w", err)
	}
	return nil
}

// WriteError emits a JSON error payload.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

// WriteJSON emits payload with the given status.
func (p *Pipeline) WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// ServeHealth reports liveness together with component sizes. Store size is
// the held entry count; the sweeping total lives on the admin stats route.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	stats := p.tracker.Stats()
	p.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"trackedIdentities": stats.TrackedIdentities,
		"rateWindows":       p.limiter.Windows(),
		"storeKeys":         p.store.Len(),
		"observedAt":        p.now().UTC(),
	})
}
