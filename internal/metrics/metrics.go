// Package metrics exposes Prometheus collectors for the metering pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesAccumulated counts messages folded into hourly buckets.
	MessagesAccumulated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_messages_accumulated_total",
		Help: "Messages accumulated into usage buckets, by billing dimension.",
	}, []string{"dimension"})

	// EmissionResults counts terminal emission outcomes per flush cycle.
	EmissionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_emission_results_total",
		Help: "Terminal usage emission outcomes (accepted, duplicate, failed, skipped_disabled).",
	}, []string{"outcome"})

	// OpenBuckets tracks the current number of open usage buckets.
	OpenBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meterflow_open_buckets",
		Help: "Usage buckets currently held in the aggregation buffer.",
	})

	// DeadLetteredBuckets counts buckets parked after permanent failures
	// or the retry ceiling.
	DeadLetteredBuckets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterflow_dead_lettered_buckets_total",
		Help: "Usage buckets moved to the dead-letter set.",
	})

	// FlushCyclesSkipped counts scheduler ticks skipped because a cycle
	// was still running.
	FlushCyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterflow_flush_cycles_skipped_total",
		Help: "Scheduler ticks skipped due to an in-flight flush cycle.",
	})
)
