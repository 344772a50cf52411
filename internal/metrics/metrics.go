// Package metrics exposes the agency's Prometheus instrumentation,
// following the global-registered-collector pattern (spec.md carries no
// metrics section of its own; this is ambient stack grounded on the
// teacher's domain-metrics sibling package).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft/Agent metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_is_leader",
			Help: "Whether this agent believes itself to be the current leader (1 = leader, 0 = not)",
		},
	)

	CommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_commit_index",
			Help: "Current committed log index",
		},
	)

	LastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_last_log_index",
			Help: "Index of the last log entry held locally",
		},
	)

	AppendEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_append_entries_total",
			Help: "Total AppendEntries RPCs sent, by peer and outcome",
		},
		[]string{"peer", "outcome"},
	)

	ReplicationRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agency_replication_rtt_seconds",
			Help:    "Round-trip time of AppendEntries RPCs by peer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	ElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_elections_total",
			Help: "Total number of elections this agent has started",
		},
	)

	// Job / Supervision metrics
	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_job_transitions_total",
			Help: "Job lifecycle transitions by job type and target state",
		},
		[]string{"type", "state"},
	)

	SupervisionTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agency_supervision_tick_duration_seconds",
			Help:    "Time taken for one Supervision reconciliation tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExecutionEngine metrics
	QueriesKilledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_queries_killed_total",
			Help: "Total number of queries killed via reboot-tracker guards",
		},
	)

	EnginesInstantiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_engines_instantiated_total",
			Help: "Total ExecutionEngines instantiated, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		IsLeader,
		CommitIndex,
		LastLogIndex,
		AppendEntriesTotal,
		ReplicationRTT,
		ElectionsTotal,
		JobTransitionsTotal,
		SupervisionTickDuration,
		QueriesKilledTotal,
		EnginesInstantiatedTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for observing into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
