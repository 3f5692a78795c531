package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность вызова от попытки до результата
	CallDuration *prometheus.HistogramVec

	// Traffic: все попытки вызова
	TotalCalls *prometheus.CounterVec

	// Errors: классификация отказов (rate_limited, timeout, permission_denied, ...)
	ErrorTotal *prometheus.CounterVec

	// Saturation: занятые воркеры пула
	InflightCalls prometheus.Gauge

	// Saturation: состояние Circuit Breaker удаленных расширений (0 - ок, 1 - выбило, 0.5 - полуоткрыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера зеркала (backpressure)
	AuditBufferFill prometheus.Gauge

	// Ledger: события, добавленные в ленту
	LedgerEvents *prometheus.CounterVec

	// Connections: активные соединения агентов
	ActiveConnections prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: без регистра метрики пишутся в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uag_call_duration_seconds",
			Help:    "Histogram of tool call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool", "status"}),

		TotalCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uag_calls_total",
			Help: "Total number of tool call attempts.",
		}, []string{"agent_id", "tool"}),

		ErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uag_errors_total",
			Help: "Total number of failed calls by error token.",
		}, []string{"type"}),

		InflightCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "uag_inflight_calls",
			Help: "Handlers currently running on the worker pool.",
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uag_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"extension"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "uag_audit_buffer_utilization",
			Help: "Current number of events in audit mirror buffer.",
		}),

		LedgerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uag_ledger_events_total",
			Help: "Events appended to the ledger by type.",
		}, []string{"type"}),

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "uag_active_connections",
			Help: "Currently connected agents.",
		}),
	}
}
