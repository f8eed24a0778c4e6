package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refreshCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_router_refresh_total",
	Help: "counter of routing table refresh attempts, by database and outcome",
}, []string{"database", "outcome"})

var rediscoveryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_router_compositions_total",
	Help: "counter of valid cluster compositions obtained, by answering router",
}, []string{"router"})

var forgottenCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_router_forgotten_total",
	Help: "counter of servers dropped from routing tables, by scope",
}, []string{"address", "scope"})
