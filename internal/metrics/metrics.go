// Package metrics holds the Prometheus collectors exported by a node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var CancelOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shardkeep",
	Subsystem: "tasks",
	Name:      "cancel_outcomes",
	Help:      "Task cancellation attempts by terminal state.",
}, []string{"outcome"})

var BanRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shardkeep",
	Subsystem: "tasks",
	Name:      "ban_requests",
	Help:      "Ban set/remove requests sent to other nodes.",
}, []string{"op", "result"})

var BanFanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "shardkeep",
	Subsystem: "tasks",
	Name:      "ban_fanout_seconds",
	Help:      "Time from cancellation until every ban-set acknowledgement arrived.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
})

var RepositoryWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shardkeep",
	Subsystem: "repository",
	Name:      "writes",
	Help:      "Repository ledger write cycles by operation and result.",
}, []string{"repository", "op", "result"})

var RepositoryConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shardkeep",
	Subsystem: "repository",
	Name:      "generation_conflicts",
	Help:      "Generation compare-and-swap conflicts that forced a retry.",
}, []string{"repository"})

var RepositoryGeneration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "shardkeep",
	Subsystem: "repository",
	Name:      "generation",
	Help:      "Latest known ledger generation per repository.",
}, []string{"repository"})

var HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shardkeep",
	Subsystem: "http",
	Name:      "requests",
	Help:      "HTTP requests served, by method and status.",
}, []string{"method", "status"})

// Register adds every collector to reg. extra collectors, such as a
// TaskCollector, are registered alongside.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	collectors := []prometheus.Collector{
		CancelOutcomes,
		BanRequests,
		BanFanoutDuration,
		RepositoryWrites,
		RepositoryConflicts,
		RepositoryGeneration,
		HTTPRequests,
	}
	collectors = append(collectors, extra...)
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
