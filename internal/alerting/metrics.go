package alerting

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for alert outcomes.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeReleased   = "released"
	OutcomeSkipped    = "skipped"
	OutcomeOverflow   = "overflow"
	OutcomeStoreError = "store_error"
)

// Metrics holds alert delivery metrics.
type Metrics struct {
	alerts   *prometheus.CounterVec
	attempts prometheus.Counter
}

// NewMetrics creates alerting metrics and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "alerting",
			Name:      "alerts_total",
			Help:      "Total number of alert records processed, by outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "alerting",
			Name:      "delivery_attempts_total",
			Help:      "Total number of notification sink calls.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.alerts, m.attempts} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) record(outcome string) {
	m.alerts.WithLabelValues(outcome).Inc()
}
