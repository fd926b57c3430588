package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	escrowTransitions     *prometheus.CounterVec
	fundingCompensations  *prometheus.CounterVec
	idempotencyCounter    *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
	sweeperRefundCounter  prometheus.Counter
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		escrowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow status transitions by target status and outcome",
		}, []string{"status", "outcome"})

		fundingCompensations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_funding_compensations_total",
			Help: "Compensating credits issued after a persist failure",
		}, []string{"result"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		sweeperRefundCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweeper_refunds_total",
			Help: "Escrows refunded by the auto-release sweeper",
		})

		prometheus.MustRegister(
			httpDurationHistogram,
			escrowTransitions,
			fundingCompensations,
			idempotencyCounter,
			workerRunCounter,
			sweeperRefundCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementEscrowTransition(status, outcome string) {
	if escrowTransitions == nil {
		return
	}
	escrowTransitions.WithLabelValues(status, outcome).Inc()
}

func IncrementFundingCompensation(result string) {
	if fundingCompensations == nil {
		return
	}
	fundingCompensations.WithLabelValues(result).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func AddSweeperRefunds(n int) {
	if sweeperRefundCounter == nil || n <= 0 {
		return
	}
	sweeperRefundCounter.Add(float64(n))
}
