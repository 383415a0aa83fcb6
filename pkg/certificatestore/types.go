// Durable per-domain key/CSR/certificate artifacts.
// Store is what the issuance core reads & writes, Committer publishes a batch of writes.
package certificatestore

import (
	"context"
	"fmt"
	"time"
)

type ArtifactKind string

const (
	KindKey          ArtifactKind = "key"
	KindCsr          ArtifactKind = "csr"
	KindCert         ArtifactKind = "cert"         // leaf only
	KindFullchain    ArtifactKind = "fullchain"    // leaf + intermediates
	KindIntermediate ArtifactKind = "intermediate" // intermediates only
)

var AllKinds = []ArtifactKind{KindKey, KindCsr, KindCert, KindFullchain, KindIntermediate}

// "foo.example.com" => "foo.example.com-fullchain.crt"
func (k ArtifactKind) Filename(domain string) string {
	switch k {
	case KindKey:
		return domain + ".key"
	case KindCsr:
		return domain + ".csr"
	case KindCert:
		return domain + ".crt"
	case KindFullchain:
		return domain + "-fullchain.crt"
	case KindIntermediate:
		return domain + "-intermediate.crt"
	default:
		panic(fmt.Errorf("unknown artifact kind: %s", k))
	}
}

type Store interface {
	WriteArtifact(ctx context.Context, domain string, kind ArtifactKind, content []byte) error
	// NOTE: content is nil (and error nil) when the artifact doesn't exist
	ReadExisting(ctx context.Context, domain string, kind ArtifactKind) ([]byte, error)
	// found=false when the domain has no certificate yet
	RemainingValidityDays(ctx context.Context, domain string, now time.Time) (days int, found bool, err error)
}

type Committer interface {
	Commit(ctx context.Context, message string) error
}

// for stores that are durable as soon as writes return
type NopCommitter struct{}

func (NopCommitter) Commit(_ context.Context, _ string) error {
	return nil
}

// paths of one domain's artifacts inside the repository
type Entry struct {
	Domain           string `json:"domain"`
	KeyPath          string `json:"key_path"`
	CsrPath          string `json:"csr_path"`
	CertPath         string `json:"cert_path"`
	FullchainPath    string `json:"fullchain_path"`
	IntermediatePath string `json:"intermediate_path"`
}

type ManagedCertificate struct {
	Domain        string    `json:"domain"`
	Serial        string    `json:"serial"`
	Issuer        string    `json:"issuer"`
	NotAfter      time.Time `json:"not_after"`
	RenewAt       time.Time `json:"renew_at"`
	RemainingDays int       `json:"remaining_days"`
	Entry         Entry     `json:"entry"`
}
