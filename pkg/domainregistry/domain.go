// Managed domains and their DNS zones
package domainregistry

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var ErrMalformedDomain = errors.New("malformed domain")

type MalformedDomainError struct {
	Entry  string
	Reason string
}

func (e *MalformedDomainError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrMalformedDomain.Error(), e.Entry, e.Reason)
}

func (e *MalformedDomainError) Is(target error) bool {
	return target == ErrMalformedDomain
}

type Domain struct {
	FQDN      string   `json:"fqdn"`
	Subdomain []string `json:"subdomain"` // labels left of Zone, e.g. ["foo"] for foo.example.com
	Zone      string   `json:"zone"`      // registrable domain, where the TXT records are managed
}

// parses "foo.example.co.uk" => {Subdomain: ["foo"], Zone: "example.co.uk"}. zone is looked up
// from the public suffix list, so multi-level suffixes are handled.
func Parse(entry string) (Domain, error) {
	fqdn, err := normalize(entry)
	if err != nil {
		return Domain{}, err
	}

	zone, err := publicsuffix.EffectiveTLDPlusOne(fqdn)
	if err != nil {
		return Domain{}, &MalformedDomainError{entry, err.Error()}
	}

	return withZone(fqdn, zone), nil
}

// for delegated sub-zones (e.g. TXT records live in "dev.example.com" instead of "example.com")
func ParseWithZone(entry string, zone string) (Domain, error) {
	fqdn, err := normalize(entry)
	if err != nil {
		return Domain{}, err
	}

	zone = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(zone)), ".")

	if fqdn != zone && !strings.HasSuffix(fqdn, "."+zone) {
		return Domain{}, &MalformedDomainError{entry, fmt.Sprintf("zone %q is not a suffix", zone)}
	}

	return withZone(fqdn, zone), nil
}

func (d Domain) String() string {
	return d.FQDN
}

func withZone(fqdn string, zone string) Domain {
	subdomain := []string{}
	if rest := strings.TrimSuffix(fqdn, zone); rest != "" {
		subdomain = strings.Split(strings.TrimSuffix(rest, "."), ".")
	}

	return Domain{
		FQDN:      fqdn,
		Subdomain: subdomain,
		Zone:      zone,
	}
}

func normalize(entry string) (string, error) {
	fqdn := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), ".")

	if fqdn == "" {
		return "", &MalformedDomainError{entry, "empty"}
	}

	if len(fqdn) > 253 {
		return "", &MalformedDomainError{entry, "longer than 253 characters"}
	}

	labels := strings.Split(fqdn, ".")
	if len(labels) < 2 {
		return "", &MalformedDomainError{entry, "needs at least two labels"}
	}

	for _, label := range labels {
		if reason := checkLabel(label); reason != "" {
			return "", &MalformedDomainError{entry, reason}
		}
	}

	return fqdn, nil
}

func checkLabel(label string) string {
	switch {
	case label == "":
		return "empty label"
	case len(label) > 63:
		return "label longer than 63 characters"
	case label[0] == '-' || label[len(label)-1] == '-':
		return "label starts or ends with hyphen"
	}

	for _, r := range label {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return fmt.Sprintf("invalid character %q", r)
		}
	}

	return ""
}
