package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acquiredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_pool_acquired_total",
	Help: "counter of connection acquisitions from per-address pools",
}, []string{"address", "outcome"})

var createdCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_pool_created_total",
	Help: "counter of connections created by per-address pools",
}, []string{"address"})

var disposedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_pool_disposed_total",
	Help: "counter of connections disposed by per-address pools",
}, []string{"address", "reason"})

var livenessFailureCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_pool_liveness_failures_total",
	Help: "counter of idle connections that failed their liveness probe on acquisition",
}, []string{"address"})
