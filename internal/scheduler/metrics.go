package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Run outcomes used as metric labels and in pair snapshots.
const (
	OutcomeSuccess       = "success"
	OutcomeEmpty         = "empty"
	OutcomeOpenFailed    = "open_failed"
	OutcomeQueryFailed   = "query_failed"
	OutcomePersistFailed = "persist_failed"
	OutcomeCommitFailed  = "commit_failed"
	OutcomeCancelled     = "cancelled"
)

// Metrics holds scheduler metrics.
type Metrics struct {
	runs         *prometheus.CounterVec
	records      *prometheus.CounterVec
	running      prometheus.Gauge
	windowLag    *prometheus.GaugeVec
	runDurations *prometheus.HistogramVec
}

// NewMetrics creates scheduler metrics and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of pair executions, by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "scheduler",
			Name:      "records_total",
			Help:      "Total number of fetched rows, by ingestion result.",
		}, []string{"result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "scheduler",
			Name:      "pairs_running",
			Help:      "Number of pairs currently holding an execution slot.",
		}),
		windowLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "scheduler",
			Name:      "window_lag_seconds",
			Help:      "Seconds between now and the committed end of the pair's window.",
		}, []string{"tenant", "query"}),
		runDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of pair executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"outcome"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.runs, m.records, m.running, m.windowLag, m.runDurations} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) observeRun(outcome string, seconds float64) {
	m.runs.WithLabelValues(outcome).Inc()
	m.runDurations.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) observeRecords(newCount, duplicates, poisoned int) {
	m.records.WithLabelValues("new").Add(float64(newCount))
	m.records.WithLabelValues("duplicate").Add(float64(duplicates))
	m.records.WithLabelValues("poison").Add(float64(poisoned))
}
