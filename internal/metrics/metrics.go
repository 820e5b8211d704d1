// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	updateTransitionsCounter *prometheus.CounterVec
	eventsAppendedCounter    *prometheus.CounterVec
	applierDurationMetric    *prometheus.HistogramVec
	recoveryFixupsCounter    prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		updateTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "update_transitions_total",
				Help: "Total number of update state transitions by resulting state.",
			},
			[]string{"state"},
		)

		eventsAppendedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_appended_total",
				Help: "Total number of ledger events appended by kind.",
			},
			[]string{"kind"},
		)

		applierDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "applier_duration_seconds",
				Help:    "Duration of external applier calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		)

		recoveryFixupsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recovery_fixups_total",
				Help: "Total number of interrupted pending updates resolved by recovery.",
			},
		)

		prometheus.MustRegister(
			updateTransitionsCounter,
			eventsAppendedCounter,
			applierDurationMetric,
			recoveryFixupsCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, state := range []string{"pending", "applied", "failed", "rolled_back"} {
			updateTransitionsCounter.WithLabelValues(state)
		}
		for _, kind := range []string{
			"update.started",
			"update.applied",
			"update.failed",
			"update.rollback_started",
			"update.rolled_back",
		} {
			eventsAppendedCounter.WithLabelValues(kind)
		}
		for _, stage := range []string{"apply", "rollback"} {
			applierDurationMetric.WithLabelValues(stage)
		}
	})
}

func IncUpdateTransition(state string) {
	Init()
	updateTransitionsCounter.WithLabelValues(state).Inc()
}

func IncEventAppended(kind string) {
	Init()
	eventsAppendedCounter.WithLabelValues(kind).Inc()
}

func ObserveApplierDuration(stage string, d time.Duration) {
	Init()
	applierDurationMetric.WithLabelValues(stage).Observe(d.Seconds())
}

func IncRecoveryFixups() {
	Init()
	recoveryFixupsCounter.Inc()
}
