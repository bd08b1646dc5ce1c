package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kenshin_match_transitions_total",
	Help: "Event match-status transitions by from, to, and actor",
}, []string{"from", "to", "actor"})
