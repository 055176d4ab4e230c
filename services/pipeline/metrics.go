package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the receipt pipeline. A nil *Metrics records nothing.
type Metrics struct {
	// Receipts by final outcome: ok, client_error, unavailable, failed
	Receipts *prometheus.CounterVec

	// Stage latencies by stage and result
	StageLatency *prometheus.HistogramVec

	// Emissions per stored receipt
	ReceiptEmissions prometheus.Histogram

	// Gamification evaluations that failed after the receipt was stored
	GamificationFailures prometheus.Counter
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Receipts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ecoreceipt_receipts_processed_total",
			Help: "Receipt uploads by outcome",
		}, []string{"outcome"}),

		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecoreceipt_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage", "result"}),

		ReceiptEmissions: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecoreceipt_receipt_emissions_kg",
			Help:    "Estimated kg CO2e per stored receipt",
			Buckets: []float64{1, 2.5, 5, 10, 25, 50, 100, 250},
		}),

		GamificationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ecoreceipt_gamification_failures_total",
			Help: "Gamification evaluations that failed after the receipt was stored",
		}),
	}
}

func (m *Metrics) observeStage(stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StageLatency.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (m *Metrics) countOutcome(outcome string) {
	if m != nil {
		m.Receipts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) observeEmissions(kg float64) {
	if m != nil {
		m.ReceiptEmissions.Observe(kg)
	}
}

func (m *Metrics) gamificationFailed() {
	if m != nil {
		m.GamificationFailures.Inc()
	}
}
