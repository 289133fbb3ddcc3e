package blacklist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "taskgrid"
	subsystem = "scheduler"
)

var (
	blacklistedExecutorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "executors_blacklisted_total",
		Help:      "Number of executors blacklisted application-wide.",
	})
	unblacklistedExecutorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "executors_unblacklisted_total",
		Help:      "Number of executors whose blacklist timed out.",
	})
	blacklistedNodesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "nodes_blacklisted_total",
		Help:      "Number of nodes blacklisted application-wide.",
	})
	unblacklistedNodesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "nodes_unblacklisted_total",
		Help:      "Number of nodes whose blacklist timed out.",
	})
)
