package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/function61/certfleet/pkg/acmeclient"
	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/certfleet/pkg/csrgen"
	"github.com/function61/certfleet/pkg/dnsprovider"
	"github.com/function61/certfleet/pkg/domainregistry"
	"github.com/function61/certfleet/pkg/retry"
	"github.com/function61/certfleet/pkg/testcerts"
	"github.com/function61/gokit/assert"
	"github.com/go-acme/lego/v4/certcrypto"
)

var t0 = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

func TestIssuesAndRecordsTransitions(t *testing.T) {
	tb := newTestbed()

	report := tb.run(t, "foo.example.com")
	assert.Assert(t, report.Ok())

	res := report.Result("foo.example.com")
	assert.EqualString(t, res.Status(), "issued")
	assert.EqualString(t, transitionsOf(*res), "Init>CsrReady>ChallengeRequested>RecordPublished>Propagated>Validated>Issued>CleanedUp")
	assert.Assert(t, res.RemainingDays == 90)

	for _, kind := range certificatestore.AllKinds {
		content, err := tb.store.ReadExisting(context.Background(), "foo.example.com", kind)
		assert.Ok(t, err)
		assert.Assert(t, content != nil)
	}

	assert.Assert(t, tb.accountCalls == 1)
	assert.EqualString(t, strings.Join(tb.committer.messages, "|"), "certfleet: issued foo.example.com")
}

func TestIdempotentSkip(t *testing.T) {
	tb := newTestbed()
	tb.storeCert(t, "foo.example.com", 61)

	report := tb.run(t, "foo.example.com")
	assert.Assert(t, report.Ok())

	res := report.Result("foo.example.com")
	assert.EqualString(t, res.Status(), "satisfied")
	assert.EqualString(t, string(res.State), string(Init))
	assert.Assert(t, res.RemainingDays == 61)

	// not even account lookup talks to the ACME server
	assert.Assert(t, tb.accountCalls == 0)
	assert.Assert(t, tb.issuer.totalCalls() == 0)
	assert.Assert(t, len(tb.dns.Calls()) == 0)
	assert.Assert(t, len(tb.committer.messages) == 0)
}

func TestRenewsAtThreshold(t *testing.T) {
	tb := newTestbed()
	tb.storeCert(t, "foo.example.com", 60)

	report := tb.run(t, "foo.example.com")
	assert.EqualString(t, report.Result("foo.example.com").Status(), "issued")
}

func TestPairingIsKeyedByDomain(t *testing.T) {
	tb := newTestbed()
	tb.conf.Concurrency = 2

	report := tb.run(t, "a.example.com", "b.example.org")
	assert.Assert(t, report.Ok())

	creates := tb.callsOf("create")
	assert.Assert(t, len(creates) == 2)

	for _, record := range creates {
		domain := strings.TrimPrefix(record.Name, "_acme-challenge.")

		assert.EqualString(t, record.Value, "value-for-"+domain)
		assert.EqualString(t, record.Origin.Domain, domain)
		assert.Assert(t, strings.HasSuffix(domain, "."+record.Zone))
	}
}

func TestForeignChallengeIsRejected(t *testing.T) {
	tb := newTestbed()
	tb.issuer.challengeFor = func(fqdn string) *acmeclient.Challenge {
		return challengeFor("b.example.org") // whatever is asked for
	}

	report := tb.run(t, "a.example.com")

	res := report.Result("a.example.com")
	assert.EqualString(t, res.Status(), "failed")
	assert.Assert(t, errors.Is(res.Err, ErrPairingMismatch))
	assert.Assert(t, len(tb.dns.Calls()) == 0)
}

func TestEndToEndCreateCall(t *testing.T) {
	tb := newTestbed()
	tb.issuer.challengeFor = func(fqdn string) *acmeclient.Challenge {
		ch := challengeFor(fqdn)
		ch.RecordValue = "abc123"
		return ch
	}

	report := tb.run(t, "foo.example.com")
	assert.Assert(t, report.Ok())

	creates := tb.callsOf("create")
	assert.Assert(t, len(creates) == 1)
	assert.EqualString(t, creates[0].Zone, "example.com")
	assert.EqualString(t, creates[0].Name, "_acme-challenge.foo.example.com")
	assert.EqualString(t, creates[0].Value, "abc123")
	assert.EqualString(t, creates[0].Type, dnsprovider.TypeTXT)

	assert.EqualString(t, tb.events.String(), "create _acme-challenge.foo.example.com, retrieve foo.example.com, delete _acme-challenge.foo.example.com")
}

func TestCleanupOnSuccess(t *testing.T) {
	tb := newTestbed()

	tb.run(t, "foo.example.com")

	assert.Assert(t, len(tb.callsOf("delete")) == 1)
	_, stillThere := tb.dns.Lookup("_acme-challenge.foo.example.com")
	assert.Assert(t, !stillThere)
}

func TestCleanupOnValidationFailure(t *testing.T) {
	tb := newTestbed()
	tb.issuer.alwaysFail["foo.example.com"] = retry.Permanent(fmt.Errorf("authorization invalid: %w", acmeclient.ErrInvalid))

	report := tb.run(t, "foo.example.com")

	res := report.Result("foo.example.com")
	assert.EqualString(t, res.Status(), "failed")
	assert.Assert(t, errors.Is(res.Err, acmeclient.ErrInvalid))
	assert.Assert(t, tb.issuer.retrievals["foo.example.com"] == 1)
	assert.Assert(t, len(tb.callsOf("delete")) == 1)

	// nothing persisted for a failed domain
	content, err := tb.store.ReadExisting(context.Background(), "foo.example.com", certificatestore.KindCert)
	assert.Ok(t, err)
	assert.Assert(t, content == nil)
	assert.Assert(t, len(tb.committer.messages) == 0)
	assert.Assert(t, !report.Ok())
}

func TestCleanupOnPropagationTimeout(t *testing.T) {
	tb := newTestbed()
	tb.waiter.visible = false

	report := tb.run(t, "foo.example.com")

	res := report.Result("foo.example.com")
	assert.Assert(t, errors.Is(res.Err, ErrPropagationTimeout))
	assert.EqualString(t, transitionsOf(*res), "Init>CsrReady>ChallengeRequested>RecordPublished>Failed")
	assert.Assert(t, len(tb.callsOf("delete")) == 1)
	assert.Assert(t, tb.issuer.retrievals["foo.example.com"] == 0)
}

func TestKeepRecordOnPropagationTimeout(t *testing.T) {
	tb := newTestbed()
	tb.waiter.visible = false
	tb.conf.KeepRecordOnPropagationTimeout = true

	tb.run(t, "foo.example.com")

	assert.Assert(t, len(tb.callsOf("delete")) == 0)
	_, stillThere := tb.dns.Lookup("_acme-challenge.foo.example.com")
	assert.Assert(t, stillThere)
}

func TestCleanupFailureDoesNotFailDomain(t *testing.T) {
	tb := newTestbed()
	tb.dns.FailDelete("_acme-challenge.foo.example.com", errors.New("HTTP 500"))

	report := tb.run(t, "foo.example.com")

	res := report.Result("foo.example.com")
	assert.EqualString(t, res.Status(), "issued")
	assert.Assert(t, errors.Is(res.CleanupErr, dnsprovider.ErrDnsProvider))
	assert.Assert(t, report.Ok())
}

func TestDnsCreateFailure(t *testing.T) {
	tb := newTestbed()
	tb.dns.FailCreate("_acme-challenge.foo.example.com", errors.New("403 Forbidden"))

	report := tb.run(t, "foo.example.com")

	res := report.Result("foo.example.com")
	assert.Assert(t, errors.Is(res.Err, dnsprovider.ErrDnsProvider))
	// nothing got published, so nothing to delete
	assert.Assert(t, len(tb.callsOf("delete")) == 0)
}

func TestBatchPartialFailure(t *testing.T) {
	tb := newTestbed()
	tb.csrs = &failingCsrs{inner: tb.csrs, failFor: "two.example.com"}

	report := tb.run(t, "one.example.com", "two.example.com", "three.example.com")

	assert.EqualString(t, report.Result("one.example.com").Status(), "issued")
	assert.EqualString(t, report.Result("three.example.com").Status(), "issued")

	two := report.Result("two.example.com")
	assert.EqualString(t, two.Status(), "failed")
	assert.Assert(t, errors.Is(two.Err, csrgen.ErrCsrGeneration))
	assert.EqualString(t, transitionsOf(*two), "Init>Failed")

	assert.EqualString(t, strings.Join(report.Failed(), ","), "two.example.com")
	assert.EqualString(t, strings.Join(tb.committer.messages, "|"), "certfleet: issued one.example.com, three.example.com")
	assert.Assert(t, strings.Contains(report.Table(), "two.example.com"))
}

func TestRetrievalSucceedsOnThirdAttempt(t *testing.T) {
	tb := newTestbed()
	tb.issuer.transientFailures["foo.example.com"] = 2

	report := tb.run(t, "foo.example.com")
	assert.Assert(t, report.Ok())
	assert.Assert(t, tb.issuer.retrievals["foo.example.com"] == 3)
}

func TestRetrievalExhausted(t *testing.T) {
	tb := newTestbed()
	tb.issuer.alwaysFail["foo.example.com"] = fmt.Errorf("order %w", acmeclient.ErrNotReady)

	report := tb.run(t, "foo.example.com")

	res := report.Result("foo.example.com")
	assert.Assert(t, errors.Is(res.Err, retry.ErrRetryExhausted))
	assert.Assert(t, tb.issuer.retrievals["foo.example.com"] == 12)
	assert.Assert(t, len(tb.callsOf("delete")) == 1)
}

func TestAlreadyValidAuthorizationPublishesNothing(t *testing.T) {
	tb := newTestbed()
	tb.issuer.challengeFor = func(fqdn string) *acmeclient.Challenge {
		return &acmeclient.Challenge{Domain: fqdn, Type: acmeclient.ChallengeTypeDns01, AlreadyValid: true}
	}

	report := tb.run(t, "foo.example.com")

	res := report.Result("foo.example.com")
	assert.EqualString(t, res.Status(), "issued")
	assert.EqualString(t, transitionsOf(*res), "Init>CsrReady>ChallengeRequested>Validated>Issued>CleanedUp")
	assert.Assert(t, len(tb.dns.Calls()) == 0)
}

func TestAccountProvisioningIsFatal(t *testing.T) {
	tb := newTestbed()
	tb.accountErr = &acmeclient.AccountProvisioningError{Op: "lookup", Err: errors.New("connection refused")}

	_, err := New(tb.collaborators(), tb.conf, nil).Run(context.Background(), mustParse(t, "foo.example.com", "bar.example.com"))
	assert.Assert(t, errors.Is(err, acmeclient.ErrAccountProvisioning))
	assert.Assert(t, len(tb.dns.Calls()) == 0)
	assert.Assert(t, tb.issuer.totalCalls() == 0)
}

func TestExistingKeyIsNotRewritten(t *testing.T) {
	tb := newTestbed()
	ctx := context.Background()

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	assert.Ok(t, err)
	keyPem := certcrypto.PEMEncode(key)
	assert.Ok(t, tb.store.WriteArtifact(ctx, "foo.example.com", certificatestore.KindKey, keyPem))

	report := tb.run(t, "foo.example.com")
	assert.Assert(t, report.Ok())

	stored, err := tb.store.ReadExisting(ctx, "foo.example.com", certificatestore.KindKey)
	assert.Ok(t, err)
	assert.EqualString(t, string(stored), string(keyPem))
	// initial key + csr, cert, fullchain, intermediate
	assert.Assert(t, tb.store.Writes == 5)
}

func TestCancelledRunFailsPendingDomains(t *testing.T) {
	tb := newTestbed()

	ctx, cancel := context.WithCancel(context.Background())
	tb.issuer.onRequest = cancel

	report, err := New(tb.collaborators(), tb.conf, nil).Run(ctx, mustParse(t, "foo.example.com"))
	assert.Ok(t, err)

	res := report.Result("foo.example.com")
	assert.Assert(t, errors.Is(res.Err, context.Canceled))
	assert.EqualString(t, transitionsOf(*res), "Init>CsrReady>ChallengeRequested>Failed")
}

type testbed struct {
	store      *certificatestore.MemStore
	dns        *dnsprovider.Memory
	events     *eventLog
	issuer     *fakeIssuer
	waiter     *fakeWaiter
	committer  *fakeCommitter
	csrs       CsrGenerator
	conf       Config
	accountErr error

	accountCalls int
}

func newTestbed() *testbed {
	store := certificatestore.NewMemStore()
	dns := dnsprovider.NewMemory()
	events := &eventLog{}

	conf := DefaultConfig()
	conf.Retry = retry.Policy{MaxAttempts: 12, Delay: time.Millisecond}

	return &testbed{
		store:  store,
		dns:    dns,
		events: events,
		issuer: &fakeIssuer{
			events:            events,
			requests:          map[string]int{},
			retrievals:        map[string]int{},
			alwaysFail:        map[string]error{},
			transientFailures: map[string]int{},
		},
		waiter:    &fakeWaiter{dns: dns, visible: true},
		committer: &fakeCommitter{},
		csrs:      csrgen.New(store, certcrypto.EC256, nil),
		conf:      conf,
	}
}

func (tb *testbed) collaborators() Collaborators {
	return Collaborators{
		Store:     tb.store,
		Committer: tb.committer,
		Csrs:      tb.csrs,
		Dns:       &recordingDns{tb.dns, tb.events},
		Waiter:    tb.waiter,
		Account: func(_ context.Context) (Issuer, error) {
			tb.accountCalls++
			if tb.accountErr != nil {
				return nil, tb.accountErr
			}
			return tb.issuer, nil
		},
		Now: func() time.Time { return t0 },
	}
}

func (tb *testbed) run(t *testing.T, fqdns ...string) *Report {
	t.Helper()

	report, err := New(tb.collaborators(), tb.conf, nil).Run(context.Background(), mustParse(t, fqdns...))
	assert.Ok(t, err)

	return report
}

// stored certificate with given whole days of validity left at t0
func (tb *testbed) storeCert(t *testing.T, fqdn string, daysLeft int) {
	issued := testcerts.Issue(fqdn, t0.AddDate(0, 0, daysLeft).Add(time.Hour))
	assert.Ok(t, tb.store.WriteArtifact(context.Background(), fqdn, certificatestore.KindCert, issued.LeafPem()))
}

func (tb *testbed) callsOf(op string) []dnsprovider.Record {
	records := []dnsprovider.Record{}
	for _, call := range tb.dns.Calls() {
		if call.Op == op {
			records = append(records, call.Record)
		}
	}
	return records
}

func mustParse(t *testing.T, fqdns ...string) []domainregistry.Domain {
	domains := []domainregistry.Domain{}
	for _, fqdn := range fqdns {
		domain, err := domainregistry.Parse(fqdn)
		assert.Ok(t, err)
		domains = append(domains, domain)
	}
	return domains
}

func transitionsOf(res DomainResult) string {
	states := []string{string(Init)}
	for _, tr := range res.Transitions {
		states = append(states, string(tr.To))
	}
	return strings.Join(states, ">")
}

func challengeFor(fqdn string) *acmeclient.Challenge {
	return &acmeclient.Challenge{
		Domain:      fqdn,
		Type:        acmeclient.ChallengeTypeDns01,
		RecordName:  "_acme-challenge." + fqdn,
		RecordValue: "value-for-" + fqdn,
		Token:       "token-for-" + fqdn,
		KeyAuth:     "token-for-" + fqdn + ".thumbprint",
		Status:      acmeclient.ChallengeRequested,
	}
}

type eventLog struct {
	events []string
	mu     sync.Mutex
}

func (e *eventLog) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.events, ", ")
}

type recordingDns struct {
	*dnsprovider.Memory
	events *eventLog
}

func (r *recordingDns) Create(ctx context.Context, record dnsprovider.Record) error {
	r.events.add("create " + record.Name)
	return r.Memory.Create(ctx, record)
}

func (r *recordingDns) Delete(ctx context.Context, record dnsprovider.Record) error {
	r.events.add("delete " + record.Name)
	return r.Memory.Delete(ctx, record)
}

// reports visibility from the in-memory provider's state
type fakeWaiter struct {
	dns     *dnsprovider.Memory
	visible bool
}

func (f *fakeWaiter) WaitFor(_ context.Context, name string, expectedValue string, _ time.Duration) bool {
	if !f.visible {
		return false
	}
	value, found := f.dns.Lookup(name)
	return found && value == expectedValue
}

type fakeIssuer struct {
	events            *eventLog
	challengeFor      func(fqdn string) *acmeclient.Challenge
	onRequest         func()
	requests          map[string]int
	retrievals        map[string]int
	alwaysFail        map[string]error
	transientFailures map[string]int
	mu                sync.Mutex
}

func (f *fakeIssuer) RequestChallenge(_ context.Context, fqdn string) (*acmeclient.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests[fqdn]++

	if f.onRequest != nil {
		f.onRequest()
	}

	if f.challengeFor != nil {
		return f.challengeFor(fqdn), nil
	}
	return challengeFor(fqdn), nil
}

func (f *fakeIssuer) RetrieveCertificate(_ context.Context, ch *acmeclient.Challenge, _ []byte) (*acmeclient.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events.add("retrieve " + ch.Domain)
	f.retrievals[ch.Domain]++

	if err := f.alwaysFail[ch.Domain]; err != nil {
		return nil, err
	}

	if f.transientFailures[ch.Domain] > 0 {
		f.transientFailures[ch.Domain]--
		return nil, fmt.Errorf("authorization %w", acmeclient.ErrNotReady)
	}

	notAfter := t0.AddDate(0, 0, 90)
	issued := testcerts.Issue(ch.Domain, notAfter)

	return &acmeclient.Certificate{
		Domain:    ch.Domain,
		Leaf:      issued.LeafPem(),
		Chain:     issued.IntermediatePem(),
		Fullchain: issued.FullchainPem(),
		NotAfter:  notAfter,
	}, nil
}

func (f *fakeIssuer) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, count := range f.requests {
		total += count
	}
	for _, count := range f.retrievals {
		total += count
	}
	return total
}

type fakeCommitter struct {
	messages []string
}

func (f *fakeCommitter) Commit(_ context.Context, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

type failingCsrs struct {
	inner   CsrGenerator
	failFor string
}

func (f *failingCsrs) Generate(ctx context.Context, domain domainregistry.Domain) (*csrgen.CertificateRequest, error) {
	if domain.FQDN == f.failFor {
		return nil, fmt.Errorf("%w: %s: entropy source unavailable", csrgen.ErrCsrGeneration, domain.FQDN)
	}
	return f.inner.Generate(ctx, domain)
}
