package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the polling engine.
type Registry struct {
	pollsTotal          prometheus.Counter
	readsTotal          prometheus.Counter
	publishesTotal      prometheus.Counter
	skipsTotal          prometheus.Counter
	errorsTotal         prometheus.Counter
	sessionReopensTotal prometheus.Counter
	activeGroups        prometheus.Gauge
	activeSessions      prometheus.Gauge
	pollDuration        prometheus.Histogram
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		pollsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cip_poller_polls_total",
			Help: "Total number of completed poll-group iterations",
		}),
		readsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cip_poller_reads_total",
			Help: "Total number of CIP read requests issued",
		}),
		publishesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cip_poller_publishes_total",
			Help: "Total number of telemetry frames published",
		}),
		skipsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cip_poller_skips_total",
			Help: "Total number of poll results suppressed by the change filter",
		}),
		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cip_poller_errors_total",
			Help: "Total number of non-recoverable poll iteration errors",
		}),
		sessionReopensTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cip_poller_session_reopens_total",
			Help: "Total number of CIP sessions reopened after a recoverable error",
		}),
		activeGroups: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cip_poller_active_groups",
			Help: "Number of poll groups currently running",
		}),
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cip_poller_active_sessions",
			Help: "Number of open default CIP sessions (1 while connected); poll group sessions are not counted",
		}),
		pollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cip_poller_poll_duration_seconds",
			Help:    "Duration of one poll-group batch read",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
	}
}

func (r *Registry) IncPolls()          { r.pollsTotal.Inc() }
func (r *Registry) AddReads(n int)     { r.readsTotal.Add(float64(n)) }
func (r *Registry) IncPublishes()      { r.publishesTotal.Inc() }
func (r *Registry) IncSkips()          { r.skipsTotal.Inc() }
func (r *Registry) IncErrors()         { r.errorsTotal.Inc() }
func (r *Registry) IncSessionReopens() { r.sessionReopensTotal.Inc() }
func (r *Registry) SetActiveGroups(n int)   { r.activeGroups.Set(float64(n)) }
func (r *Registry) SetActiveSessions(n int) { r.activeSessions.Set(float64(n)) }
func (r *Registry) ObservePollDuration(seconds float64) { r.pollDuration.Observe(seconds) }
