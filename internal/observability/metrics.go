package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_sends_total", Help: "Transport send outcomes"},
		[]string{"provider", "result"},
	)
	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "campaign_send_latency_seconds", Help: "Transport send latency"},
		[]string{"provider"},
	)
	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_retries_total", Help: "Send retries scheduled by the retry policy"},
	)
	GovernorWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_governor_wait_seconds",
			Help:    "Waits imposed by the rate governor",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"reason"},
	)
	Checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_checkpoints_total", Help: "Checkpoint writes"},
		[]string{"result"},
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_runs_total", Help: "Finished dispatch loops by final status"},
		[]string{"status"},
	)
	Active = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "campaign_active", Help: "Dispatch loops currently running"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "campaign_transport_breaker_state", Help: "0 closed, 1 half-open, 2 open"},
		[]string{"name"},
	)
	ProgressPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_progress_published_total", Help: "Progress snapshots published"},
		[]string{"sink", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Sends, SendLatency, Retries, GovernorWait, Checkpoints, Runs, Active, BreakerState, ProgressPublished)
}
