// Drives each domain through the DNS-01 issuance state machine, and a batch of domains through
// it with bounded parallelism
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/function61/certfleet/pkg/acmeclient"
	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/certfleet/pkg/csrgen"
	"github.com/function61/certfleet/pkg/dnsprovider"
	"github.com/function61/certfleet/pkg/domainregistry"
	"github.com/function61/certfleet/pkg/fleetmetrics"
	"github.com/function61/certfleet/pkg/retry"
	"github.com/function61/gokit/logex"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPropagationTimeout = 120 * time.Second

	cleanupTimeout = 30 * time.Second
)

type CsrGenerator interface {
	Generate(ctx context.Context, domain domainregistry.Domain) (*csrgen.CertificateRequest, error)
}

type Issuer interface {
	RequestChallenge(ctx context.Context, fqdn string) (*acmeclient.Challenge, error)
	// one attempt. ErrNotReady-style errors are retried, retry.Permanent ones are not
	RetrieveCertificate(ctx context.Context, ch *acmeclient.Challenge, csr []byte) (*acmeclient.Certificate, error)
}

type PropagationWaiter interface {
	WaitFor(ctx context.Context, name string, expectedValue string, timeout time.Duration) bool
}

// ensures the ACME account and returns an issuer acting on its behalf. called at most once per run,
// before any domain requests a challenge.
type AccountProvisioner func(ctx context.Context) (Issuer, error)

type Collaborators struct {
	Store     certificatestore.Store
	Committer certificatestore.Committer // nil = NopCommitter
	Csrs      CsrGenerator
	Dns       dnsprovider.Adapter
	Waiter    PropagationWaiter
	Account   AccountProvisioner
	Metrics   *fleetmetrics.Metrics // nil = run-private registry nobody reads
	Tracer    trace.Tracer          // nil = global tracer provider
	Now       func() time.Time      // nil = time.Now
}

type Config struct {
	RenewalThresholdDays int
	PropagationTimeout   time.Duration
	Retry                retry.Policy
	AttemptTimeout       time.Duration // one retrieval attempt. 0 = Retry.Delay
	Concurrency          int           // domains in flight. < 1 = 1
	// old behaviour: leave the TXT record published when propagation times out
	KeepRecordOnPropagationTimeout bool
}

func DefaultConfig() Config {
	return Config{
		RenewalThresholdDays: certificatestore.DefaultRenewalThresholdDays,
		PropagationTimeout:   DefaultPropagationTimeout,
		Retry:                retry.DefaultPolicy(),
		Concurrency:          1,
	}
}

type Orchestrator struct {
	deps Collaborators
	conf Config
	logl *logex.Leveled
}

func New(deps Collaborators, conf Config, logger *log.Logger) *Orchestrator {
	if deps.Committer == nil {
		deps.Committer = certificatestore.NopCommitter{}
	}
	if deps.Metrics == nil {
		deps.Metrics = fleetmetrics.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/function61/certfleet/pkg/orchestrator")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	if conf.Concurrency < 1 {
		conf.Concurrency = 1
	}
	if conf.PropagationTimeout == 0 {
		conf.PropagationTimeout = DefaultPropagationTimeout
	}
	if conf.AttemptTimeout == 0 {
		conf.AttemptTimeout = max(conf.Retry.Delay, time.Second)
	}

	return &Orchestrator{
		deps: deps,
		conf: conf,
		logl: logex.Levels(logger),
	}
}

// returns error only for run-level failures (account provisioning). per-domain failures are in
// the report.
func (o *Orchestrator) Run(ctx context.Context, domains []domainregistry.Domain) (*Report, error) {
	report := &Report{
		RunId:   ksuid.New().String(),
		Started: o.deps.Now(),
	}

	ctx, span := o.deps.Tracer.Start(ctx, "Run", trace.WithAttributes(
		attribute.String("run.id", report.RunId),
		attribute.Int("run.domains", len(domains))))
	defer span.End()

	// built once, every step only touches its own unit
	units := map[string]*unit{}
	fqdns := []string{}
	for _, domain := range domains {
		if _, duplicate := units[domain.FQDN]; duplicate {
			continue
		}

		units[domain.FQDN] = newUnit(domain, o.deps.Now)
		fqdns = append(fqdns, domain.FQDN)
	}

	pending := []*unit{}
	for _, fqdn := range fqdns {
		u := units[fqdn]

		if err := o.renewalGate(ctx, u); err != nil {
			u.fail(err)
			continue
		}

		if u.satisfied {
			o.logl.Info.Printf("%s: %d days remaining, not renewing", fqdn, u.remainingDays)
			continue
		}

		pending = append(pending, u)
	}

	if len(pending) > 0 {
		issuer, err := o.deps.Account(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "account provisioning failed")
			return nil, err
		}

		var group errgroup.Group
		group.SetLimit(o.conf.Concurrency)

		for _, u := range pending {
			group.Go(func() error {
				o.issue(ctx, issuer, u)
				return nil // outcome is in the unit. siblings keep going
			})
		}

		_ = group.Wait()
	}

	for _, fqdn := range fqdns {
		report.Results = append(report.Results, units[fqdn].result())
	}

	if issued := report.Issued(); len(issued) > 0 {
		msg := fmt.Sprintf("certfleet: issued %s", strings.Join(issued, ", "))
		if err := o.deps.Committer.Commit(ctx, msg); err != nil {
			o.logl.Error.Printf("commit: %v", err)
			report.CommitErr = err
		}
	}

	report.Finished = o.deps.Now()
	o.deps.Metrics.RunFinished(report.Finished)

	if !report.Ok() {
		span.SetStatus(codes.Error, "some domains failed")
	}

	return report, nil
}

// a store read error fails the domain. re-issuing blindly could burn through ACME rate limits
func (o *Orchestrator) renewalGate(ctx context.Context, u *unit) error {
	remaining, found, err := o.deps.Store.RemainingValidityDays(ctx, u.domain.FQDN, o.deps.Now())
	if err != nil {
		return fmt.Errorf("reading existing certificate: %w", err)
	}

	if found && !certificatestore.NeedsRenewal(remaining, o.conf.RenewalThresholdDays) {
		u.satisfied = true
		u.remainingDays = remaining
		o.deps.Metrics.DomainOutcome(fleetmetrics.OutcomeSatisfied, 0)
	}

	return nil
}

func (o *Orchestrator) issue(ctx context.Context, issuer Issuer, u *unit) {
	ctx, span := o.deps.Tracer.Start(ctx, "issue", trace.WithAttributes(
		attribute.String("domain", u.domain.FQDN),
		attribute.String("zone", u.domain.Zone)))
	defer span.End()

	u.onTransition = func(tr Transition) {
		span.AddEvent("transition", trace.WithAttributes(
			attribute.String("from", string(tr.From)),
			attribute.String("to", string(tr.To))))
		o.deps.Metrics.Transition(string(tr.To))
	}

	started := time.Now()

	for !u.state.Terminal() {
		// once Issued only cleanup remains, and that runs even when cancelled
		if err := ctx.Err(); err != nil && u.state != Issued {
			u.fail(err)
			break
		}

		next, err := o.step(ctx, issuer, u)
		if err != nil {
			u.fail(err)
			break
		}

		u.moveTo(next)
	}

	if u.state == Failed {
		// success path cleans up as its last step
		o.cleanup(ctx, u)

		o.logl.Error.Printf("%s: %v", u.domain.FQDN, u.err)

		span.RecordError(u.err)
		span.SetStatus(codes.Error, "issuance failed")

		o.deps.Metrics.DomainOutcome(fleetmetrics.OutcomeFailed, time.Since(started))
		return
	}

	o.deps.Metrics.DomainOutcome(fleetmetrics.OutcomeIssued, time.Since(started))
	o.deps.Metrics.CertificateExpiry(u.domain.FQDN, u.cert.NotAfter)
}

// performs the work of leaving the current state and returns the state to enter
func (o *Orchestrator) step(ctx context.Context, issuer Issuer, u *unit) (State, error) {
	fqdn := u.domain.FQDN

	switch u.state {
	case Init:
		req, err := o.deps.Csrs.Generate(ctx, u.domain)
		if err != nil {
			return "", err
		}
		u.request = req

		return CsrReady, nil
	case CsrReady:
		ch, err := issuer.RequestChallenge(ctx, fqdn)
		if err != nil {
			return "", err
		}

		if ch.Domain != fqdn {
			return "", fmt.Errorf("%w: %s received challenge for %s", ErrPairingMismatch, fqdn, ch.Domain)
		}
		u.challenge = ch

		return ChallengeRequested, nil
	case ChallengeRequested:
		if u.challenge.AlreadyValid {
			return o.retrieve(ctx, issuer, u)
		}

		record := dnsprovider.Record{
			Zone:  u.domain.Zone,
			Name:  u.challenge.RecordName,
			Value: u.challenge.RecordValue,
			Type:  dnsprovider.TypeTXT,
			Origin: dnsprovider.Origin{
				Domain:  fqdn,
				Token:   u.challenge.Token,
				KeyAuth: u.challenge.KeyAuth,
			},
		}

		if err := o.deps.Dns.Create(ctx, record); err != nil {
			return "", err
		}

		u.record = &record
		u.challenge.Status = acmeclient.ChallengePublished

		o.logl.Info.Printf("%s: published %s", fqdn, record.String())

		return RecordPublished, nil
	case RecordPublished:
		if !o.deps.Waiter.WaitFor(ctx, u.record.Name, u.record.Value, o.conf.PropagationTimeout) {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			return "", &PropagationTimeoutError{
				Name:    u.record.Name,
				Value:   u.record.Value,
				Timeout: o.conf.PropagationTimeout,
			}
		}

		u.challenge.Status = acmeclient.ChallengePropagated

		return Propagated, nil
	case Propagated:
		return o.retrieve(ctx, issuer, u)
	case Validated:
		if err := o.persist(ctx, u); err != nil {
			return "", err
		}

		return Issued, nil
	case Issued:
		o.cleanup(ctx, u)

		return CleanedUp, nil
	default:
		return "", fmt.Errorf("%w: no step from %s", errIllegalTransition, u.state)
	}
}

func (o *Orchestrator) retrieve(ctx context.Context, issuer Issuer, u *unit) (State, error) {
	policy := o.conf.Retry
	policy.OnFailure = func(attempt int, err error) {
		o.logl.Debug.Printf("%s: retrieval attempt %d/%d: %v", u.domain.FQDN, attempt, policy.MaxAttempts, err)
	}

	var cert *acmeclient.Certificate

	if err := policy.Execute(ctx, func(ctx context.Context) error {
		o.deps.Metrics.RetrievalAttempt()

		attemptCtx, cancel := context.WithTimeout(ctx, o.conf.AttemptTimeout)
		defer cancel()

		var err error
		cert, err = issuer.RetrieveCertificate(attemptCtx, u.challenge, u.request.Csr)
		return err
	}); err != nil {
		u.challenge.Status = acmeclient.ChallengeFailed
		return "", err
	}

	if cert.Domain != u.domain.FQDN {
		return "", fmt.Errorf("%w: %s received certificate for %s", ErrPairingMismatch, u.domain.FQDN, cert.Domain)
	}

	u.cert = cert
	u.challenge.Status = acmeclient.ChallengeValidated

	return Validated, nil
}

// a reused key is already stored and is never rewritten
func (o *Orchestrator) persist(ctx context.Context, u *unit) error {
	type artifact struct {
		kind    certificatestore.ArtifactKind
		content []byte
	}

	artifacts := []artifact{}
	if !u.request.KeyReused {
		artifacts = append(artifacts, artifact{certificatestore.KindKey, u.request.KeyPem})
	}
	artifacts = append(artifacts,
		artifact{certificatestore.KindCsr, u.request.CsrPem},
		artifact{certificatestore.KindCert, u.cert.Leaf},
		artifact{certificatestore.KindFullchain, u.cert.Fullchain},
		artifact{certificatestore.KindIntermediate, u.cert.Chain})

	for _, a := range artifacts {
		if err := o.deps.Store.WriteArtifact(ctx, u.domain.FQDN, a.kind, a.content); err != nil {
			return &PersistError{
				Artifact: a.kind.Filename(u.domain.FQDN),
				Err:      err,
			}
		}
	}

	return nil
}

// deletes the published record at most once. never fails the domain.
func (o *Orchestrator) cleanup(ctx context.Context, u *unit) {
	if u.record == nil || u.cleanupAttempted {
		return
	}
	u.cleanupAttempted = true

	if o.conf.KeepRecordOnPropagationTimeout && errors.Is(u.err, ErrPropagationTimeout) {
		o.logl.Info.Printf("%s: leaving %s published", u.domain.FQDN, u.record.Name)
		return
	}

	// the run may be getting cancelled, but the record should still go
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := o.deps.Dns.Delete(cleanupCtx, *u.record); err != nil {
		o.logl.Error.Printf("%s: cleanup: %v", u.domain.FQDN, err)
		o.deps.Metrics.DnsCleanupFailed()
		u.cleanupErr = err
		return
	}

	o.logl.Debug.Printf("%s: removed %s", u.domain.FQDN, u.record.Name)
}
