// Publishing & removing DNS-01 TXT records at an authoritative DNS provider
package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	TypeTXT = "TXT"
)

var ErrDnsProvider = errors.New("dns provider")

// where a record came from. providers that compute the TXT value themselves (lego's) need these
type Origin struct {
	Domain  string `json:"domain"`
	Token   string `json:"token"`
	KeyAuth string `json:"key_auth"`
}

type Record struct {
	Zone   string `json:"zone"`  // "example.com"
	Name   string `json:"name"`  // "_acme-challenge.foo.example.com"
	Value  string `json:"value"` // exact TXT content
	Type   string `json:"type"`  // always TXT
	Origin Origin `json:"origin"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %q (zone %s)", r.Name, r.Type, r.Value, r.Zone)
}

// both operations are idempotent: creating an identical existing record or deleting a missing
// one succeeds
type Adapter interface {
	Create(ctx context.Context, record Record) error
	Delete(ctx context.Context, record Record) error
}

type DnsProviderError struct {
	Op       string // "create" | "delete"
	Provider string
	Zone     string
	Name     string
	Status   string // provider's own status/error code, if it gave one
	Err      error
}

func (e *DnsProviderError) Error() string {
	status := ""
	if e.Status != "" {
		status = " (" + e.Status + ")"
	}

	return fmt.Sprintf("%s %s %s in %s%s: %v", e.Provider, e.Op, e.Name, e.Zone, status, e.Err)
}

func (e *DnsProviderError) Unwrap() error {
	return e.Err
}

func (e *DnsProviderError) Is(target error) bool {
	return target == ErrDnsProvider
}

func validate(record Record) error {
	switch {
	case record.Type != TypeTXT:
		return fmt.Errorf("unsupported record type: %s", record.Type)
	case record.Zone == "" || record.Name == "":
		return errors.New("zone and name are required")
	case record.Name != record.Zone && !strings.HasSuffix(record.Name, "."+record.Zone):
		return fmt.Errorf("%s is not inside zone %s", record.Name, record.Zone)
	default:
		return nil
	}
}
