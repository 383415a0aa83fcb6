// ACME (RFC 8555) account provisioning and DNS-01 orders, on top of x/crypto/acme
package acmeclient

import (
	"context"
	"crypto"
	"time"

	"golang.org/x/crypto/acme"
)

const (
	LetsEncryptDirectory        = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStagingDirectory = "https://acme-staging-v02.api.letsencrypt.org/directory"

	ChallengeTypeDns01 = "dns-01"

	userAgent = "certfleet"
)

// the parts of *acme.Client we use
type acmeAPI interface {
	GetReg(ctx context.Context, url string) (*acme.Account, error)
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	UpdateReg(ctx context.Context, acct *acme.Account) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, id []acme.AuthzID, opt ...acme.OrderOption) (*acme.Order, error)
	GetOrder(ctx context.Context, url string) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte, bundle bool) ([][]byte, string, error)
	FetchCert(ctx context.Context, url string, bundle bool) ([][]byte, error)
	DNS01ChallengeRecord(token string) (string, error)
	HTTP01ChallengeResponse(token string) (string, error)
}

var _ acmeAPI = (*acme.Client)(nil)

func newClient(key crypto.Signer, directoryURL string) acmeAPI {
	return &acme.Client{
		Key:          key,
		DirectoryURL: directoryURL,
		UserAgent:    userAgent,
	}
}

type ChallengeStatus string

const (
	ChallengeRequested  ChallengeStatus = "requested"
	ChallengePublished  ChallengeStatus = "published"
	ChallengePropagated ChallengeStatus = "propagated"
	ChallengeValidated  ChallengeStatus = "validated"
	ChallengeFailed     ChallengeStatus = "failed"
)

// one domain's DNS-01 challenge within one order. lives only for one issuance attempt.
type Challenge struct {
	Domain      string // FQDN the authorization was for
	Type        string
	RecordName  string // "_acme-challenge.<domain>"
	RecordValue string
	Token       string
	KeyAuth     string
	Status      ChallengeStatus
	// authorization was already valid (e.g. recently validated), so no record needs publishing
	AlreadyValid bool

	OrderURL string
	AuthzURL string
	URL      string

	accepted bool
}

type Certificate struct {
	Domain    string
	Leaf      []byte // PEM
	Chain     []byte // PEM, intermediates only
	Fullchain []byte // PEM, leaf + intermediates
	NotAfter  time.Time
}
