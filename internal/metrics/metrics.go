package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels a governance decision.
type Outcome string

const (
	// OutcomeAdmitted indicates the request reached its handler.
	OutcomeAdmitted Outcome = "admitted"
	// OutcomeDenied indicates the identity was refused before admission.
	OutcomeDenied Outcome = "denied"
	// OutcomeThrottled indicates the class budget was exhausted.
	OutcomeThrottled Outcome = "throttled"
)

// Sweep components.
const (
	ComponentStore   = "store"
	ComponentTracker = "tracker"
	ComponentLimiter = "limiter"
)

// Recorder publishes Prometheus metrics for governance activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	governanceRequests *prometheus.CounterVec
	governanceLatency  *prometheus.HistogramVec

	storeOperations *prometheus.CounterVec
	sweepEvictions  *prometheus.CounterVec
	suspicious      prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	governanceRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tripguard",
		Subsystem: "governance",
		Name:      "requests_total",
		Help:      "Requests evaluated by the governance pipeline.",
	}, []string{"class", "outcome"})

	governanceLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tripguard",
		Subsystem: "governance",
		Name:      "decision_duration_seconds",
		Help:      "Time spent deciding whether to admit a request.",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"class", "outcome"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tripguard",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Ephemeral store operations by namespace and result.",
	}, []string{"namespace", "operation", "result"})

	sweepEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tripguard",
		Subsystem: "sweep",
		Name:      "evictions_total",
		Help:      "Entries removed by the background sweep.",
	}, []string{"component"})

	suspicious := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tripguard",
		Subsystem: "tracker",
		Name:      "suspicious_flags_total",
		Help:      "Identities newly flagged as suspicious by the heuristics.",
	})

	reg.MustRegister(governanceRequests, governanceLatency, storeOperations, sweepEvictions, suspicious)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		governanceRequests: governanceRequests,
		governanceLatency:  governanceLatency,
		storeOperations:    storeOperations,
		sweepEvictions:     sweepEvictions,
		suspicious:         suspicious,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveGovernance records a pipeline decision and the time it took.
func (r *Recorder) ObserveGovernance(class string, outcome Outcome, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	outcomeLabel := normalizeLabel(string(outcome))
	r.governanceRequests.WithLabelValues(classLabel, outcomeLabel).Inc()
	r.governanceLatency.WithLabelValues(classLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveStoreOperation counts a store operation outcome.
func (r *Recorder) ObserveStoreOperation(namespace, operation, result string) {
	if r == nil {
		return
	}
	r.storeOperations.WithLabelValues(normalizeLabel(namespace), normalizeLabel(operation), normalizeLabel(result)).Inc()
}

// ObserveSweep adds evictions performed by a sweep pass.
func (r *Recorder) ObserveSweep(component string, evicted int) {
	if r == nil || evicted <= 0 {
		return
	}
	r.sweepEvictions.WithLabelValues(normalizeLabel(component)).Add(float64(evicted))
}

// ObserveSuspicious counts a fresh suspicion flag.
func (r *Recorder) ObserveSuspicious() {
	if r == nil {
		return
	}
	r.suspicious.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
