package dnsprovider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
)

type CloudflareCredentials struct {
	ApiToken string // scoped token (preferred)
	Email    string // legacy global API key auth
	ApiKey   string
}

func NewCloudflare(creds CloudflareCredentials) (*LegoAdapter, error) {
	conf := cloudflare.NewDefaultConfig()
	conf.AuthToken = creds.ApiToken
	conf.AuthEmail = creds.Email
	conf.AuthKey = creds.ApiKey

	provider, err := cloudflare.NewDNSProviderConfig(conf)
	if err != nil {
		return nil, err
	}

	return NewLegoAdapter("cloudflare", provider), nil
}

// LegoAdapter drives any of lego's DNS providers. lego providers derive the record themselves
// from (domain, token, keyAuth), so we check that they'd publish exactly our record value.
type LegoAdapter struct {
	name     string
	provider challenge.Provider
}

var _ Adapter = (*LegoAdapter)(nil)

func NewLegoAdapter(name string, provider challenge.Provider) *LegoAdapter {
	return &LegoAdapter{name, provider}
}

func (l *LegoAdapter) Create(_ context.Context, record Record) error {
	if err := l.check(record); err != nil {
		return l.error("create", record, err)
	}

	if err := l.provider.Present(record.Origin.Domain, record.Origin.Token, record.Origin.KeyAuth); err != nil {
		if isAlreadyExists(err) {
			return nil
		}

		return l.error("create", record, err)
	}

	return nil
}

func (l *LegoAdapter) Delete(_ context.Context, record Record) error {
	if err := l.check(record); err != nil {
		return l.error("delete", record, err)
	}

	if err := l.provider.CleanUp(record.Origin.Domain, record.Origin.Token, record.Origin.KeyAuth); err != nil {
		// lego only knows record IDs it created itself in this process
		if strings.Contains(err.Error(), "unknown record ID") {
			return nil
		}

		return l.error("delete", record, err)
	}

	return nil
}

func (l *LegoAdapter) check(record Record) error {
	if err := validate(record); err != nil {
		return err
	}

	if record.Origin.Domain == "" || record.Origin.KeyAuth == "" {
		return fmt.Errorf("%s provider needs record origin (domain & key authorization)", l.name)
	}

	if name := "_acme-challenge." + record.Origin.Domain; record.Name != name {
		return fmt.Errorf("record name %s does not belong to %s", record.Name, record.Origin.Domain)
	}

	if derived := dns01Value(record.Origin.KeyAuth); derived != record.Value {
		return fmt.Errorf("provider would publish %q instead of %q", derived, record.Value)
	}

	return nil
}

func (l *LegoAdapter) error(op string, record Record, err error) error {
	return &DnsProviderError{
		Op:       op,
		Provider: l.name,
		Zone:     record.Zone,
		Name:     record.Name,
		Status:   statusFromMessage(err.Error()),
		Err:      err,
	}
}

// RFC 8555 section 8.4
func dns01Value(keyAuth string) string {
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	// 81057 / 81058 are Cloudflare's "identical record already exists"
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "81057") || strings.Contains(msg, "81058")
}

// Cloudflare errors look like "... [status code 403] ..."
func statusFromMessage(msg string) string {
	idx := strings.Index(msg, "status code ")
	if idx == -1 {
		return ""
	}

	status := msg[idx+len("status code "):]
	if end := strings.IndexAny(status, "]):, "); end != -1 {
		status = status[:end]
	}

	return status
}
