// Registers:
//
//	#defiflow_positions_fetched_total
//	#defiflow_adapter_errors_total
//	#defiflow_circuit_open_total
//	#defiflow_refresh_duration_seconds
//	#go_* and process_* system metrics
//
// Exposes them on the configured listen address (default :2112) under
// /metrics using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	positionsFetched *prometheus.CounterVec
	adapterErrors    *prometheus.CounterVec
	circuitOpens     *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
)

func Init(listen string) {
	once.Do(func() {
		if listen == "" {
			listen = "0.0.0.0:2112"
		}
		positionsFetched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defiflow_positions_fetched_total",
				Help: "Number of positions fetched per protocol adapter",
			},
			[]string{"protocol"},
		)

		adapterErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defiflow_adapter_errors_total",
				Help: "Number of failed adapter fetch attempts",
			},
			[]string{"protocol"},
		)

		circuitOpens = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defiflow_circuit_open_total",
				Help: "Number of circuit breaker open transitions",
			},
			[]string{"protocol"},
		)

		refreshDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "defiflow_refresh_duration_seconds",
				Help:    "Duration of full portfolio refresh cycles",
				Buckets: prometheus.DefBuckets,
			},
		)

		_ = prometheus.Register(positionsFetched)
		_ = prometheus.Register(adapterErrors)
		_ = prometheus.Register(circuitOpens)
		_ = prometheus.Register(refreshDuration)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// AddPositionsFetched increases the fetch counter for a protocol.
func AddPositionsFetched(protocol string, count int) {
	if positionsFetched != nil {
		positionsFetched.WithLabelValues(protocol).Add(float64(count))
	}
}

// IncrementAdapterError increases the error counter for a protocol.
func IncrementAdapterError(protocol string) {
	if adapterErrors != nil {
		adapterErrors.WithLabelValues(protocol).Inc()
	}
}

// IncrementCircuitOpen increases the breaker trip counter for a protocol.
func IncrementCircuitOpen(protocol string) {
	if circuitOpens != nil {
		circuitOpens.WithLabelValues(protocol).Inc()
	}
}

// ObserveRefreshDuration records the wall time of one refresh cycle.
func ObserveRefreshDuration(seconds float64) {
	if refreshDuration != nil {
		refreshDuration.Observe(seconds)
	}
}
