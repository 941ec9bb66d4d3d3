package celerity

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celerity_tasks_sent_total",
			Help: "Total number of task messages sent",
		},
		[]string{"task", "queue"},
	)

	tasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celerity_tasks_finished_total",
			Help: "Total number of task executions by final state",
		},
		[]string{"task", "state"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "celerity_task_duration_seconds",
			Help:    "Duration of task executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	tasksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "celerity_tasks_active",
			Help: "Number of tasks currently executing",
		},
		[]string{"task"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celerity_deliveries_total",
			Help: "Broker deliveries handled per topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	beatSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celerity_beat_sent_total",
			Help: "Periodic tasks sent by beat",
		},
		[]string{"entry"},
	)
)

// metrics records task level metrics; the zero value is usable.
type metrics struct{}

func (metrics) sent(task, queue string) { tasksSentTotal.WithLabelValues(task, queue).Inc() }

func (metrics) started(task string) { tasksActive.WithLabelValues(task).Inc() }

func (metrics) finished(task string, state State, d time.Duration) {
	tasksActive.WithLabelValues(task).Dec()
	tasksFinishedTotal.WithLabelValues(task, string(state)).Inc()
	taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (metrics) beat(entry string) { beatSentTotal.WithLabelValues(entry).Inc() }
