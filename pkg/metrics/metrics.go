// Package metrics holds the Prometheus collectors of the loan service.
package metrics

import (
	"strconv"
	"time"

	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loanbook"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	LoansIssued          *prometheus.CounterVec
	Repayments           *prometheus.CounterVec
	RepaidAmount         *prometheus.CounterVec
	RepaymentRejections  *prometheus.CounterVec
	EventPublishFailures prometheus.Counter
	HTTPRequestDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoansIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_issued_total",
			Help:      "Loans issued, by currency.",
		}, []string{"currency"}),
		Repayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repayments_total",
			Help:      "Repayments applied, by currency.",
		}, []string{"currency"}),
		RepaidAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repaid_amount",
			Help:      "Repaid amount in major currency units.",
		}, []string{"currency"}),
		RepaymentRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repayment_rejections_total",
			Help:      "Repayments rejected before allocation, by reason.",
		}, []string{"reason"}),
		EventPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Events that could not be published after commit.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	reg.MustRegister(
		m.LoansIssued,
		m.Repayments,
		m.RepaidAmount,
		m.RepaymentRejections,
		m.EventPublishFailures,
		m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) LoanIssued(currency models.Currency) {
	if m == nil {
		return
	}
	m.LoansIssued.WithLabelValues(string(currency)).Inc()
}

// RepaymentApplied counts one repayment and the amount that was allocated from it.
func (m *Metrics) RepaymentApplied(allocated models.Money) {
	if m == nil {
		return
	}
	m.Repayments.WithLabelValues(string(allocated.Currency)).Inc()
	amount, _ := allocated.Decimal().Float64()
	m.RepaidAmount.WithLabelValues(string(allocated.Currency)).Add(amount)
}

func (m *Metrics) RepaymentRejected(reason string) {
	if m == nil {
		return
	}
	m.RepaymentRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.EventPublishFailures.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
