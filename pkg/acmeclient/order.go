package acmeclient

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"

	"github.com/function61/certfleet/pkg/retry"
	"github.com/function61/gokit/logex"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/samber/lo"
	"golang.org/x/crypto/acme"
)

var (
	ErrChallengeRequest = errors.New("challenge request")
	// transient: authorization or order is still being processed server-side
	ErrNotReady = errors.New("not ready yet")
	ErrInvalid  = errors.New("rejected by ACME server")
)

type ChallengeRequestError struct {
	Domain string
	Err    error
}

func (e *ChallengeRequestError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrChallengeRequest.Error(), e.Domain, e.Err)
}

func (e *ChallengeRequestError) Unwrap() error {
	return e.Err
}

func (e *ChallengeRequestError) Is(target error) bool {
	return target == ErrChallengeRequest
}

// places orders and fetches certificates with an ensured account
type Issuer struct {
	client acmeAPI
	logl   *logex.Leveled
}

func NewIssuer(account *Account, logger *log.Logger) *Issuer {
	return &Issuer{
		client: account.client,
		logl:   logex.Levels(logger),
	}
}

// new order for exactly one FQDN, returning that FQDN's DNS-01 challenge data
func (i *Issuer) RequestChallenge(ctx context.Context, fqdn string) (*Challenge, error) {
	ch, err := i.requestChallenge(ctx, fqdn)
	if err != nil {
		return nil, &ChallengeRequestError{fqdn, err}
	}

	return ch, nil
}

func (i *Issuer) requestChallenge(ctx context.Context, fqdn string) (*Challenge, error) {
	order, err := i.client.AuthorizeOrder(ctx, acme.DomainIDs(fqdn))
	if err != nil {
		return nil, fmt.Errorf("AuthorizeOrder: %w", err)
	}

	if order.Status == acme.StatusInvalid {
		return nil, fmt.Errorf("order %s: %w", order.URI, ErrInvalid)
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := i.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("GetAuthorization: %w", err)
		}

		// an order for one identifier has one authorization, but match by identity anyway
		if authz.Identifier.Value != fqdn {
			continue
		}

		ch := &Challenge{
			Domain:     fqdn,
			Type:       ChallengeTypeDns01,
			RecordName: "_acme-challenge." + fqdn,
			Status:     ChallengeRequested,
			OrderURL:   order.URI,
			AuthzURL:   authzURL,
		}

		if authz.Status == acme.StatusValid {
			i.logl.Info.Printf("%s: authorization already valid", fqdn)

			ch.AlreadyValid = true
			return ch, nil
		}

		if authz.Status != acme.StatusPending {
			return nil, fmt.Errorf("authorization %s is %s: %w", authzURL, authz.Status, ErrInvalid)
		}

		dns01, found := lo.Find(authz.Challenges, func(chal *acme.Challenge) bool {
			return chal.Type == ChallengeTypeDns01
		})
		if !found {
			return nil, fmt.Errorf("authorization %s offers no %s challenge", authzURL, ChallengeTypeDns01)
		}

		ch.Token = dns01.Token
		ch.URL = dns01.URI

		if ch.RecordValue, err = i.client.DNS01ChallengeRecord(dns01.Token); err != nil {
			return nil, err
		}

		if ch.KeyAuth, err = i.client.HTTP01ChallengeResponse(dns01.Token); err != nil {
			return nil, err
		}

		return ch, nil
	}

	return nil, fmt.Errorf("order %s has no authorization for %s", order.URI, fqdn)
}

// one attempt at moving the order towards a certificate. meant to be called under a retry.Policy:
// returns ErrNotReady (retryable) while the server is still working, and wraps
// rejections with retry.Permanent so they stop the retries.
func (i *Issuer) RetrieveCertificate(ctx context.Context, ch *Challenge, csr []byte) (*Certificate, error) {
	authz, err := i.client.GetAuthorization(ctx, ch.AuthzURL)
	if err != nil {
		return nil, fmt.Errorf("GetAuthorization: %w", err)
	}

	switch authz.Status {
	case acme.StatusValid:
		ch.Status = ChallengeValidated
	case acme.StatusPending:
		if ch.URL != "" && !ch.accepted {
			if _, err := i.client.Accept(ctx, &acme.Challenge{URI: ch.URL, Type: ch.Type, Token: ch.Token}); err != nil {
				return nil, fmt.Errorf("Accept: %w", err)
			}

			ch.accepted = true
		}

		return nil, fmt.Errorf("authorization %w", ErrNotReady)
	case acme.StatusProcessing:
		return nil, fmt.Errorf("authorization %w", ErrNotReady)
	default:
		ch.Status = ChallengeFailed
		return nil, retry.Permanent(fmt.Errorf("authorization %s%s: %w", authz.Status, challengeProblem(authz, ch), ErrInvalid))
	}

	order, err := i.client.GetOrder(ctx, ch.OrderURL)
	if err != nil {
		return nil, fmt.Errorf("GetOrder: %w", err)
	}

	var der [][]byte
	switch order.Status {
	case acme.StatusReady:
		der, _, err = i.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
		if err != nil {
			var orderErr *acme.OrderError
			if errors.As(err, &orderErr) && orderErr.Status == acme.StatusInvalid {
				return nil, retry.Permanent(fmt.Errorf("finalize: %v: %w", err, ErrInvalid))
			}

			return nil, fmt.Errorf("CreateOrderCert: %w", err)
		}
	case acme.StatusValid:
		der, err = i.client.FetchCert(ctx, order.CertURL, true)
		if err != nil {
			return nil, fmt.Errorf("FetchCert: %w", err)
		}
	case acme.StatusPending, acme.StatusProcessing:
		return nil, fmt.Errorf("order %w", ErrNotReady)
	default:
		return nil, retry.Permanent(fmt.Errorf("order %s: %w", order.Status, ErrInvalid))
	}

	cert, err := certificateFromChain(ch.Domain, der)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	i.logl.Info.Printf("%s: certificate valid until %s", ch.Domain, cert.NotAfter.Format("2006-01-02"))

	return cert, nil
}

// der[0] is the leaf, the rest is the issuer chain
func certificateFromChain(fqdn string, der [][]byte) (*Certificate, error) {
	if len(der) == 0 || len(der[0]) == 0 {
		return nil, errors.New("ACME server returned empty certificate chain")
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}

	if err := leaf.VerifyHostname(fqdn); err != nil {
		return nil, fmt.Errorf("issued certificate does not cover requested domain: %w", err)
	}

	cert := &Certificate{
		Domain:   fqdn,
		Leaf:     certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der[0])),
		NotAfter: leaf.NotAfter,
	}

	for _, intermediate := range der[1:] {
		cert.Chain = append(cert.Chain, certcrypto.PEMEncode(certcrypto.DERCertificateBytes(intermediate))...)
	}

	cert.Fullchain = append(append([]byte{}, cert.Leaf...), cert.Chain...)

	return cert, nil
}

func challengeProblem(authz *acme.Authorization, ch *Challenge) string {
	failed, found := lo.Find(authz.Challenges, func(chal *acme.Challenge) bool {
		return chal.URI == ch.URL && chal.Error != nil
	})
	if !found {
		return ""
	}

	return fmt.Sprintf(" (%v)", failed.Error)
}
