package rooms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	residentRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quire",
		Subsystem: "rooms",
		Name:      "resident",
		Help:      "Rooms currently held in memory",
	})

	// Labels: outcome (applied, malformed)
	incomingUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "rooms",
		Name:      "updates_total",
		Help:      "Incoming CRDT updates by outcome",
	}, []string{"outcome"})

	// Labels: outcome (changed, unchanged, failed, skipped)
	reconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "rooms",
		Name:      "reconciles_total",
		Help:      "Reconcile jobs by outcome",
	}, []string{"outcome"})

	evictedRooms = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "rooms",
		Name:      "evictions_total",
		Help:      "Rooms evicted by the idle sweeper",
	})
)
