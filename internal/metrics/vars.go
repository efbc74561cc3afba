package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SyncEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_sync_events_total",
		Help: "Sync logs received across all subscriptions",
	})

	DuplicateEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_duplicate_events_total",
		Help: "Sync logs suppressed by the tx-hash dedup cache",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_decode_errors_total",
		Help: "Sync logs that failed ABI decoding",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_reconnects_total",
		Help: "Subscription batch reconnections",
	})

	Evaluations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_cycle_evaluations_total",
		Help: "Cycle repricings performed",
	})

	DroppedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_dropped_rate_updates_total",
		Help: "Rate updates dropped because the broadcast channel was full",
	})

	EvalLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arb_evaluation_latency_seconds",
		Help:    "Time spent inside the write+evaluate critical section",
		Buckets: prometheus.DefBuckets,
	})

	HydratedPools = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_hydrated_pools",
		Help: "Pools whose reserves were filled during hydration",
	})

	HydrationBatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_hydration_batch_errors_total",
		Help: "Hydration batches skipped after an aggregator failure",
	})

	Observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_connected_observers",
		Help: "Currently connected broadcast observers",
	})
)

func init() {
	prometheus.MustRegister(
		SyncEvents,
		DuplicateEvents,
		DecodeErrors,
		Reconnects,
		Evaluations,
		DroppedUpdates,
		EvalLatency,
		HydratedPools,
		HydrationBatchErrors,
		Observers,
	)
}
