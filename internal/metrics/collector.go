package metrics

import (
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/prometheus/client_golang/prometheus"
)

// TaskCollector reports the live contents of a task registry at scrape time.
type TaskCollector struct {
	registry *tasks.Registry

	running   *prometheus.Desc
	cancelled *prometheus.Desc
	bans      *prometheus.Desc
}

func NewTaskCollector(registry *tasks.Registry) *TaskCollector {
	labels := prometheus.Labels{"node": registry.NodeID()}
	return &TaskCollector{
		registry: registry,
		running: prometheus.NewDesc("shardkeep_tasks_running",
			"Tasks currently registered on this node.", []string{"cancellable"}, labels),
		cancelled: prometheus.NewDesc("shardkeep_tasks_cancelled_running",
			"Cancelled tasks that have not finished yet.", nil, labels),
		bans: prometheus.NewDesc("shardkeep_tasks_bans",
			"Active parent bans held by this node.", nil, labels),
	}
}

func (c *TaskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.cancelled
	ch <- c.bans
}

func (c *TaskCollector) Collect(ch chan<- prometheus.Metric) {
	var plain, cancellable, cancelled float64
	for _, info := range c.registry.Infos() {
		if !info.Cancellable {
			plain++
			continue
		}
		cancellable++
		if info.Cancelled {
			cancelled++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, plain, "false")
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, cancellable, "true")
	ch <- prometheus.MustNewConstMetric(c.cancelled, prometheus.GaugeValue, cancelled)
	ch <- prometheus.MustNewConstMetric(c.bans, prometheus.GaugeValue, float64(len(c.registry.Bans())))
}
