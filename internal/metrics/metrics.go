// Package metrics exposes Prometheus counters for the coordination core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts successful activations.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rvm_sessions_started_total",
		Help: "Number of sessions opened by activation.",
	})

	// SessionsClosed counts closes by reason (manual, timeout, recovered).
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rvm_sessions_closed_total",
		Help: "Number of sessions closed, partitioned by close reason.",
	}, []string{"reason"})

	// ItemsDetected counts accepted detection units.
	ItemsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rvm_items_detected_total",
		Help: "Number of items reported by machines and applied to sessions.",
	})

	// DetectionsDropped counts detections arriving with no open session.
	DetectionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rvm_detections_dropped_total",
		Help: "Number of detection events dropped for lack of an open session.",
	})
)
