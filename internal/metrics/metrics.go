package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"caremap/internal/model"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// GroupsComputed counts proximity groups emitted by the grouper
	GroupsComputed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "caremap_groups_computed_total", Help: "Proximity groups computed."},
	)
	// AssignmentsResolved counts client/caretaker pairings by resolution mode
	AssignmentsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "caremap_assignments_resolved_total", Help: "Assignments resolved by mode."},
		[]string{"mode"},
	)
	// PartialData counts entities dropped from a render pass
	PartialData = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "caremap_partial_data_total", Help: "Entities skipped for missing data."},
	)
	// BackendRequests counts cluster service calls by operation and outcome
	BackendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "caremap_backend_requests_total", Help: "Cluster service calls by operation and status."},
		[]string{"op", "status"},
	)
	// BackendLatency tracks cluster service latencies in milliseconds
	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "caremap_backend_latency_ms", Help: "Cluster service latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"op"},
	)
	// ClusterCommands counts ClusterStore commands by outcome
	ClusterCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "caremap_cluster_commands_total", Help: "Cluster commands by outcome."},
		[]string{"command", "outcome"},
	)
	// StaleDiscarded counts membership responses dropped because the selection moved on
	StaleDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "caremap_stale_membership_discarded_total", Help: "Membership loads discarded as stale."},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(GroupsComputed)
		Registry.MustRegister(AssignmentsResolved)
		Registry.MustRegister(PartialData)
		Registry.MustRegister(BackendRequests)
		Registry.MustRegister(BackendLatency)
		Registry.MustRegister(ClusterCommands)
		Registry.MustRegister(StaleDiscarded)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Outcome maps an error to the outcome label used by the command counters.
func Outcome(err error) string {
	var (
		ve *model.ValidationError
		pe *model.PreconditionError
		se *model.ServiceError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &pe):
		return "blocked"
	case errors.As(err, &se):
		return "service_error"
	}
	return "error"
}
