package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_jobs_enqueued_total",
	Help: "The number of jobs created per queue",
}, []string{"queue"})

var jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_jobs_finished_total",
	Help: "The number of jobs that reached a terminal state",
}, []string{"queue", "state"})

var jobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "crawler_jobs_active",
	Help: "The number of handlers currently running per queue",
}, []string{"queue"})

var jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "crawler_job_duration_seconds",
	Help:    "The time it takes a handler to finish a job",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
}, []string{"queue"})

var jobsStalled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_jobs_stalled_total",
	Help: "The number of active jobs requeued after their lock expired",
}, []string{"queue"})
