package fleetmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.DomainOutcome(OutcomeIssued, 30*time.Second)
	m.DomainOutcome(OutcomeIssued, 40*time.Second)
	m.DomainOutcome(OutcomeSatisfied, 0)
	m.DnsCleanupFailed()

	assert.Assert(t, testutil.ToFloat64(m.domainOutcomes.WithLabelValues(OutcomeIssued)) == 2)
	assert.Assert(t, testutil.ToFloat64(m.domainOutcomes.WithLabelValues(OutcomeSatisfied)) == 1)
	assert.Assert(t, testutil.ToFloat64(m.dnsCleanupFailure) == 1)
	// satisfied domains do no work, so they stay out of the duration histogram
	assert.Assert(t, testutil.CollectAndCount(m.issuanceDuration) == 1)
}

func TestPush(t *testing.T) {
	var body string
	var path string

	pushgateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		content, _ := io.ReadAll(r.Body)
		body = string(content)
		w.WriteHeader(http.StatusOK)
	}))
	defer pushgateway.Close()

	m := New()
	m.CertificateExpiry("foo.example.com", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	assert.Ok(t, m.Push(context.Background(), pushgateway.URL, "certfleet"))
	assert.EqualString(t, path, "/metrics/job/certfleet")
	assert.Assert(t, strings.Contains(body, "certfleet_certificate_not_after_seconds"))
}
