package orchestrator

import (
	"fmt"
	"time"

	"github.com/function61/certfleet/pkg/acmeclient"
	"github.com/function61/certfleet/pkg/csrgen"
	"github.com/function61/certfleet/pkg/dnsprovider"
	"github.com/function61/certfleet/pkg/domainregistry"
)

// one domain's issuance. owned by exactly one goroutine.
type unit struct {
	domain domainregistry.Domain
	state  State
	now    func() time.Time

	satisfied     bool
	remainingDays int

	request   *csrgen.CertificateRequest
	challenge *acmeclient.Challenge
	record    *dnsprovider.Record // non-nil once published
	cert      *acmeclient.Certificate

	err              error
	cleanupAttempted bool
	cleanupErr       error

	transitions  []Transition
	onTransition func(Transition)
}

func newUnit(domain domainregistry.Domain, now func() time.Time) *unit {
	return &unit{
		domain: domain,
		state:  Init,
		now:    now,
	}
}

func (u *unit) moveTo(to State) {
	if !u.state.canMoveTo(to) {
		u.fail(fmt.Errorf("%w: %s -> %s", errIllegalTransition, u.state, to))
		return
	}

	tr := Transition{
		At:   u.now(),
		From: u.state,
		To:   to,
	}

	u.transitions = append(u.transitions, tr)
	u.state = to

	if u.onTransition != nil {
		u.onTransition(tr)
	}
}

func (u *unit) fail(err error) {
	if u.state.Terminal() {
		return
	}

	u.err = err
	u.moveTo(Failed)

	if u.challenge != nil {
		u.challenge.Status = acmeclient.ChallengeFailed
	}
}

func (u *unit) result() DomainResult {
	res := DomainResult{
		Domain:        u.domain.FQDN,
		State:         u.state,
		Satisfied:     u.satisfied,
		RemainingDays: u.remainingDays,
		Err:           u.err,
		CleanupErr:    u.cleanupErr,
		Transitions:   u.transitions,
	}

	if u.cert != nil && u.state != Failed {
		res.NotAfter = u.cert.NotAfter
		res.RemainingDays = int(u.cert.NotAfter.Sub(u.now()).Hours() / 24)
	}

	return res
}
