// Throwaway CA-signed certificates for tests
package testcerts

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

type Issued struct {
	LeafDer         []byte
	IntermediateDer []byte
	Key             *ecdsa.PrivateKey
}

func (i Issued) LeafPem() []byte {
	return certcrypto.PEMEncode(certcrypto.DERCertificateBytes(i.LeafDer))
}

func (i Issued) IntermediatePem() []byte {
	return certcrypto.PEMEncode(certcrypto.DERCertificateBytes(i.IntermediateDer))
}

func (i Issued) FullchainPem() []byte {
	return append(i.LeafPem(), i.IntermediatePem()...)
}

func (i Issued) KeyPem() []byte {
	return certcrypto.PEMEncode(i.Key)
}

// leaf for domain signed by a fresh intermediate. panics on failure (test helper)
func Issue(domain string, notAfter time.Time) Issued {
	caKey := mustKey()
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Intermediate"},
		NotBefore:             notAfter.AddDate(-1, 0, 0),
		NotAfter:              notAfter.AddDate(1, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDer, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		panic(err)
	}
	ca, err := x509.ParseCertificate(caDer)
	if err != nil {
		panic(err)
	}

	leafKey := mustKey()
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    notAfter.AddDate(0, 0, -90),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDer, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		panic(err)
	}

	return Issued{
		LeafDer:         leafDer,
		IntermediateDer: caDer,
		Key:             leafKey,
	}
}

func mustKey() *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	return key
}
