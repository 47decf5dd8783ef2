package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconciledItems = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_reconciled_items_total",
	Help: "The number of collected items written to the store",
}, []string{"resource", "outcome"})

var proposalsDemoted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_proposals_demoted_total",
	Help: "The number of stored proposals missing from the remote listing",
}, []string{"chain"})

var maturityJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_maturity_jobs_total",
	Help: "The number of follow-up unbond crawls scheduled at an entry's completion time",
}, []string{"chain"})

var streamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_stream_messages_total",
	Help: "The number of stream messages handled by the ingestor",
}, []string{"outcome"})
