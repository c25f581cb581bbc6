// Package syncer
//
// @author: xwc1125
package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "chain5j"
	metricsSubsystem = "sync"
)

type metrics struct {
	localHeight   prometheus.Gauge
	poolSize      prometheus.Gauge
	appliedBlocks prometheus.Counter
	fetchErrors   *prometheus.CounterVec
	sessions      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		localHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "local_height",
			Help:      "Number of the local head block.",
		}),
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pool_size",
			Help:      "Blocks buffered by the running session.",
		}),
		appliedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "applied_blocks_total",
			Help:      "Blocks connected to the local chain by the processor.",
		}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "fetch_errors_total",
			Help:      "Failed peer requests.",
		}, []string{"kind"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_total",
			Help:      "Finished sessions by terminal state.",
		}, []string{"state"}),
	}
}
