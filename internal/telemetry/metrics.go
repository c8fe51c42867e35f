package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the registerWorker RPC
// and the health/readiness endpoints.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vmfleet",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var WorkersRequestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vmfleet",
		Subsystem: "workers",
		Name:      "requested_total",
		Help:      "Total number of worker rows created by the provisioner.",
	},
	[]string{"worker_pool_id"},
)

var WorkersRunningTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vmfleet",
		Subsystem: "workers",
		Name:      "running_total",
		Help:      "Total number of workers that completed registration.",
	},
	[]string{"worker_pool_id"},
)

var WorkersRemovedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vmfleet",
		Subsystem: "workers",
		Name:      "removed_total",
		Help:      "Total number of workers that reached the stopped state.",
	},
	[]string{"worker_pool_id", "reason"},
)

var ScanSeenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vmfleet",
		Subsystem: "scan",
		Name:      "seen_capacity_total",
		Help:      "Cumulative healthy worker capacity observed per scan pass, by pool.",
	},
	[]string{"worker_pool_id"},
)

var RegistrationErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vmfleet",
		Subsystem: "registration",
		Name:      "errors_total",
		Help:      "Total number of registerWorker calls rejected, by cause.",
	},
	[]string{"cause"},
)

var GatewayBackoffTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vmfleet",
		Subsystem: "gateway",
		Name:      "backoff_total",
		Help:      "Total number of cloud gateway retries, by bucket and level.",
	},
	[]string{"bucket", "level"},
)

// All returns every vmfleet-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		WorkersRequestedTotal,
		WorkersRunningTotal,
		WorkersRemovedTotal,
		ScanSeenTotal,
		RegistrationErrorsTotal,
		GatewayBackoffTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
