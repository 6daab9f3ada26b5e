// services/retrypattern/internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	promx "github.com/YaganovValera/retry-pattern/common/prometheus"
)

// Коллекторы создаются сразу (пакет можно использовать и без Register, например в тестах),
// в реестр попадают через Register.
var (
	once sync.Once

	// Publisher
	Reports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "publisher", Name: "reports_total",
		Help: "Delivery reports by terminal status",
	}, []string{"status"})
	Attempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retrypattern", Subsystem: "publisher", Name: "attempts",
		Help:    "Produce attempts per delivery report",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 11},
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "publisher", Name: "broker_duplicates_total",
		Help: "Retries recognized by the broker as already persisted",
	})
	EpochBumps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "publisher", Name: "epoch_bumps_total",
		Help: "Sequence streams restarted after a terminal failure",
	})
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retrypattern", Subsystem: "publisher", Name: "send_latency_seconds",
		Help:    "Time from Send to the delivery report",
		Buckets: prometheus.DefBuckets,
	})

	// Subscriber
	Processed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "subscriber", Name: "processed_total",
		Help: "Records handled and committed",
	})
	HandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "subscriber", Name: "handler_errors_total",
		Help: "Handler failures (record rewound for redelivery)",
	})
	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "subscriber", Name: "poll_errors_total",
		Help: "Transient poll errors",
	})
	CommitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "subscriber", Name: "commit_errors_total",
		Help: "Failed store/commit calls",
	})
	SessionTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "subscriber", Name: "session_timeouts_total",
		Help: "Broker-reported session timeouts (max poll interval exceeded)",
	})
	SlowHandlers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "subscriber", Name: "slow_handlers_total",
		Help: "Handler runs that left no room for the next poll within max poll interval",
	})
	HandleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retrypattern", Subsystem: "subscriber", Name: "handle_latency_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.DefBuckets,
	})

	// Parking lot
	Parked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrypattern", Subsystem: "parking", Name: "parked_total",
		Help: "Undeliverable reports pushed to the parking lot",
	}, []string{"result"})
)

// Register регистрирует все метрики ровно один раз.
// If r == nil, uses prometheus.DefaultRegisterer; duplicate registrations are ignored.
func Register(r prometheus.Registerer) {
	once.Do(func() {
		err := promx.RegisterAll(r,
			Reports, Attempts, Duplicates, EpochBumps, SendLatency,
			Processed, HandlerErrors, PollErrors, CommitErrors,
			SessionTimeouts, SlowHandlers, HandleLatency,
			Parked,
		)
		if err != nil {
			panic(err)
		}
	})
}
