package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-level collectors. One instance is built at
// startup and shared by reference; nothing registers globally.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth           prometheus.Gauge
	Workers              *prometheus.GaugeVec
	TasksProcessed       prometheus.Counter
	TaskErrors           prometheus.Counter
	ScaleEvents          prometheus.Counter
	CredentialsAvailable prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayq",
			Name:      "queue_depth",
			Help:      "Number of pending tasks in the queue.",
		}),
		Workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayq",
			Name:      "workers",
			Help:      "Worker count by state.",
		}, []string{"state"}),
		TasksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayq",
			Name:      "tasks_processed_total",
			Help:      "Tasks completed successfully.",
		}),
		TaskErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayq",
			Name:      "task_errors_total",
			Help:      "Task executions that ended in error.",
		}),
		ScaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayq",
			Name:      "scale_events_total",
			Help:      "Worker pool rescale operations applied.",
		}),
		CredentialsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayq",
			Name:      "credentials_available",
			Help:      "Credentials currently usable (not cooling down).",
		}),
	}
	m.Registry.MustRegister(
		m.QueueDepth, m.Workers, m.TasksProcessed,
		m.TaskErrors, m.ScaleEvents, m.CredentialsAvailable,
	)
	return m
}
