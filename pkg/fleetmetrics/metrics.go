// Prometheus metrics of one orchestration run, pushed to a Pushgateway when the run ends
package fleetmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "certfleet"

// outcome label values
const (
	OutcomeIssued    = "issued"
	OutcomeSatisfied = "satisfied"
	OutcomeFailed    = "failed"
)

// run-scoped registry, so a Lambda invocation never pushes a previous invocation's numbers
type Metrics struct {
	Registry *prometheus.Registry

	domainOutcomes    *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	dnsCleanupFailure prometheus.Counter
	retrievalAttempts prometheus.Counter
	issuanceDuration  prometheus.Histogram
	certExpiry        *prometheus.GaugeVec
	lastRunTimestamp  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		domainOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_outcomes_total",
			Help:      "Domains by terminal outcome of the run",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Issuance state machine transitions, by state entered",
		}, []string{"state"}),
		dnsCleanupFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cleanup_failures_total",
			Help:      "Challenge TXT records we failed to delete",
		}),
		retrievalAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_attempts_total",
			Help:      "Certificate finalize/download attempts, including failed ones",
		}),
		issuanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "issuance_duration_seconds",
			Help:      "Wall time of one domain's issuance, from entry to terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
		}),
		certExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_not_after_seconds",
			Help:      "Expiry of the managed certificate as UNIX timestamp",
		}, []string{"domain"}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "When the run finished",
		}),
	}

	m.Registry.MustRegister(
		m.domainOutcomes,
		m.transitions,
		m.dnsCleanupFailure,
		m.retrievalAttempts,
		m.issuanceDuration,
		m.certExpiry,
		m.lastRunTimestamp)

	return m
}

func (m *Metrics) DomainOutcome(outcome string, took time.Duration) {
	m.domainOutcomes.WithLabelValues(outcome).Inc()

	if outcome != OutcomeSatisfied {
		m.issuanceDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Transition(state string) {
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) DnsCleanupFailed() {
	m.dnsCleanupFailure.Inc()
}

func (m *Metrics) RetrievalAttempt() {
	m.retrievalAttempts.Inc()
}

func (m *Metrics) CertificateExpiry(domain string, notAfter time.Time) {
	m.certExpiry.WithLabelValues(domain).Set(float64(notAfter.Unix()))
}

func (m *Metrics) RunFinished(at time.Time) {
	m.lastRunTimestamp.Set(float64(at.Unix()))
}

// replaces the job's previous metrics on the Pushgateway
func (m *Metrics) Push(ctx context.Context, pushgatewayURL string, job string) error {
	return push.New(pushgatewayURL, job).Gatherer(m.Registry).PushContext(ctx)
}
