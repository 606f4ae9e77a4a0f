// Package metrics holds the domain collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qllmd"

var (
	ModelLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "loads_total",
		Help:      "Model weight loads by result",
	}, []string{"result"})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "load_duration_seconds",
		Help:      "Time spent reading layout, planning and loading weights",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	ModelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "model",
		Name:      "loaded",
		Help:      "Models currently held by the cache",
	})

	OffloadLayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "offload",
		Name:      "layers_on_gpu",
		Help:      "Planned GPU layers per loaded model",
	}, []string{"model"})

	GPUFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gpu",
		Name:      "free_bytes",
		Help:      "Free GPU memory at the last planning decision",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Live session contexts",
	})

	SessionsDestroyedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "destroyed_total",
		Help:      "Destroyed sessions by reason",
	}, []string{"reason"})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "turns_total",
		Help:      "Completed turns by stop reason",
	}, []string{"reason"})

	TokensGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "tokens_generated_total",
		Help:      "Tokens sampled across all sessions",
	})

	CompressionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "compressions_total",
		Help:      "Compressions that evicted at least one position",
	})

	PositionsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "positions_evicted_total",
		Help:      "Positions removed by compression",
	})

	LineOverflowBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scanner",
		Name:      "line_overflow_bytes_total",
		Help:      "Bytes dropped because a line exceeded the line buffer",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cmdexec",
		Name:      "commands_total",
		Help:      "Command lines handled by result",
	}, []string{"result"})

	BackpressureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "backpressure_total",
		Help:      "Turns rejected because a session was busy",
	}, []string{"reason"})

	LineConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "line",
		Name:      "connections",
		Help:      "Open line protocol connections",
	})

	LineCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "line",
		Name:      "commands_total",
		Help:      "Line protocol commands by name",
	}, []string{"command"})
)
