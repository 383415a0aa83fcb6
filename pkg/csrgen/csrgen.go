// Per-domain private key + certificate signing request
package csrgen

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log"

	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/certfleet/pkg/domainregistry"
	"github.com/function61/gokit/logex"
	"github.com/go-acme/lego/v4/certcrypto"
)

var (
	ErrKeyGeneration = errors.New("key generation")
	ErrCsrGeneration = errors.New("CSR generation")
)

type CertificateRequest struct {
	Domain     domainregistry.Domain
	PrivateKey crypto.PrivateKey
	KeyPem     []byte
	KeyReused  bool   // false = freshly generated, not yet persisted anywhere
	Csr        []byte // DER
	CsrPem     []byte
}

type Generator struct {
	store   certificatestore.Store
	keyType certcrypto.KeyType
	logl    *logex.Leveled
}

func New(store certificatestore.Store, keyType certcrypto.KeyType, logger *log.Logger) *Generator {
	if keyType == "" {
		keyType = certcrypto.RSA2048
	}

	return &Generator{
		store:   store,
		keyType: keyType,
		logl:    logex.Levels(logger),
	}
}

// reuses the domain's stored key if there is one (never replaces it), otherwise generates one.
// the generated key is only in the returned request: persisting is the caller's job.
func (g *Generator) Generate(ctx context.Context, domain domainregistry.Domain) (*CertificateRequest, error) {
	key, keyPem, reused, err := g.privateKey(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyGeneration, domain.FQDN, err)
	}

	csr, err := certcrypto.GenerateCSR(key, domain.FQDN, nil, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCsrGeneration, domain.FQDN, err)
	}

	csrParsed, err := x509.ParseCertificateRequest(csr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCsrGeneration, domain.FQDN, err)
	}

	return &CertificateRequest{
		Domain:     domain,
		PrivateKey: key,
		KeyPem:     keyPem,
		KeyReused:  reused,
		Csr:        csr,
		CsrPem:     certcrypto.PEMEncode(csrParsed),
	}, nil
}

func (g *Generator) privateKey(ctx context.Context, domain domainregistry.Domain) (crypto.PrivateKey, []byte, bool, error) {
	existing, err := g.store.ReadExisting(ctx, domain.FQDN, certificatestore.KindKey)
	if err != nil {
		return nil, nil, false, err
	}

	if existing != nil {
		key, err := certcrypto.ParsePEMPrivateKey(existing)
		if err != nil {
			return nil, nil, false, fmt.Errorf("existing %s: %w", certificatestore.KindKey.Filename(domain.FQDN), err)
		}

		return key, existing, true, nil
	}

	g.logl.Info.Printf("generating %s key for %s", g.keyType, domain.FQDN)

	key, err := certcrypto.GeneratePrivateKey(g.keyType)
	if err != nil {
		return nil, nil, false, err
	}

	return key, certcrypto.PEMEncode(key), false, nil
}
