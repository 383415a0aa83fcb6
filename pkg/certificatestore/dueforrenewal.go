package certificatestore

import (
	"context"
	"crypto/x509"
	"fmt"
	"math"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

const DefaultRenewalThresholdDays = 60

// renew when remaining validity is at or below the threshold
func NeedsRenewal(remainingDays int, thresholdDays int) bool {
	return remainingDays <= thresholdDays
}

// domains that have no certificate or whose certificate is due for renewal
func DueForRenewal(
	ctx context.Context,
	store Store,
	domains []string,
	now time.Time,
	thresholdDays int,
) ([]string, error) {
	due := []string{}
	for _, domain := range domains {
		remaining, found, err := store.RemainingValidityDays(ctx, domain, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", domain, err)
		}

		if !found || NeedsRenewal(remaining, thresholdDays) {
			due = append(due, domain)
		}
	}

	return due, nil
}

// NOTE: returns nil (and error nil) when domain has no certificate
func Inspect(ctx context.Context, store Store, domain string, now time.Time, thresholdDays int) (*ManagedCertificate, error) {
	cert, err := readLeaf(ctx, store, domain)
	if err != nil || cert == nil {
		return nil, err
	}

	return &ManagedCertificate{
		Domain:        domain,
		Serial:        cert.SerialNumber.String(),
		Issuer:        cert.Issuer.CommonName,
		NotAfter:      cert.NotAfter,
		RenewAt:       renewAtFromExpiration(cert.NotAfter, thresholdDays),
		RemainingDays: daysBetween(now, cert.NotAfter),
	}, nil
}

func remainingValidityDays(ctx context.Context, store Store, domain string, now time.Time) (int, bool, error) {
	cert, err := readLeaf(ctx, store, domain)
	if err != nil || cert == nil {
		return 0, false, err
	}

	return daysBetween(now, cert.NotAfter), true, nil
}

func readLeaf(ctx context.Context, store Store, domain string) (*x509.Certificate, error) {
	certPem, err := store.ReadExisting(ctx, domain, KindCert)
	if err != nil || certPem == nil {
		return nil, err
	}

	cert, err := certcrypto.ParsePEMCertificate(certPem)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KindCert.Filename(domain), err)
	}

	return cert, nil
}

// whole days, rounded down. negative for expired certs
func daysBetween(now time.Time, notAfter time.Time) int {
	return int(math.Floor(notAfter.Sub(now).Hours() / 24))
}

// first moment at which remaining validity is at or below the threshold
func renewAtFromExpiration(expires time.Time, thresholdDays int) time.Time {
	return expires.AddDate(0, 0, -(thresholdDays + 1))
}
