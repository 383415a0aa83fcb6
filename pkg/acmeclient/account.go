package acmeclient

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/samber/lo"
	"golang.org/x/crypto/acme"
)

var (
	ErrAccountProvisioning = errors.New("ACME account provisioning")
	ErrTermsNotAccepted    = errors.New("terms of service not accepted")
)

type AccountProvisioningError struct {
	Op  string // "key" | "lookup" | "register" | "update"
	Err error
}

func (e *AccountProvisioningError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrAccountProvisioning.Error(), e.Op, e.Err)
}

func (e *AccountProvisioningError) Unwrap() error {
	return e.Err
}

func (e *AccountProvisioningError) Is(target error) bool {
	return target == ErrAccountProvisioning
}

type AccountStatus string

const (
	AccountRegistered AccountStatus = "registered" // newly created on this run
	AccountUpdated    AccountStatus = "updated"    // existed, contacts were added
	AccountUnchanged  AccountStatus = "unchanged"
)

// registered account, ready for placing orders. the key is never rotated within a run.
type Account struct {
	URI      string
	Contacts []string
	Status   AccountStatus
	KeyPath  string

	key    crypto.Signer
	client acmeAPI
}

type AccountManager struct {
	acceptTerms bool
	dial        func(key crypto.Signer, directoryURL string) acmeAPI
	logl        *logex.Leveled
}

func NewAccountManager(acceptTerms bool, logger *log.Logger) *AccountManager {
	return &AccountManager{
		acceptTerms: acceptTerms,
		dial:        newClient,
		logl:        logex.Levels(logger),
	}
}

// idempotent: an existing registration whose contacts are a superset of ours is left as-is
func (a *AccountManager) Ensure(
	ctx context.Context,
	accountKeyPath string,
	contacts []string,
	directoryURL string,
) (*Account, error) {
	key, err := loadOrCreateAccountKey(accountKeyPath)
	if err != nil {
		return nil, &AccountProvisioningError{"key", err}
	}

	client := a.dial(key, directoryURL)

	wanted := normalizeContacts(contacts)

	account := &Account{
		KeyPath: accountKeyPath,
		key:     key,
		client:  client,
	}

	existing, err := client.GetReg(ctx, "")
	switch {
	case errors.Is(err, acme.ErrNoAccount):
		if !a.acceptTerms {
			return nil, &AccountProvisioningError{"register", ErrTermsNotAccepted}
		}

		registered, err := client.Register(ctx, &acme.Account{Contact: wanted}, func(tosURL string) bool {
			a.logl.Info.Printf("agreeing to terms of service %s", tosURL)
			return a.acceptTerms
		})
		if err != nil {
			return nil, &AccountProvisioningError{"register", err}
		}

		a.logl.Info.Printf("registered account %s", registered.URI)

		account.URI = registered.URI
		account.Contacts = registered.Contact
		account.Status = AccountRegistered
		return account, nil
	case err != nil:
		return nil, &AccountProvisioningError{"lookup", err}
	}

	if existing.Status != "" && existing.Status != acme.StatusValid {
		return nil, &AccountProvisioningError{"lookup", fmt.Errorf("account %s status is %s", existing.URI, existing.Status)}
	}

	account.URI = existing.URI

	if isSuperset(existing.Contact, wanted) {
		a.logl.Debug.Printf("account %s up-to-date", existing.URI)

		account.Contacts = existing.Contact
		account.Status = AccountUnchanged
		return account, nil
	}

	existing.Contact = lo.Union(existing.Contact, wanted)

	updated, err := client.UpdateReg(ctx, existing)
	if err != nil {
		return nil, &AccountProvisioningError{"update", err}
	}

	a.logl.Info.Printf("updated account %s contacts to %v", updated.URI, updated.Contact)

	account.Contacts = updated.Contact
	account.Status = AccountUpdated
	return account, nil
}

// generates an EC P-256 key if there is none yet
func loadOrCreateAccountKey(path string) (crypto.Signer, error) {
	existing, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}

		key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, certcrypto.PEMEncode(key), 0600); err != nil {
			return nil, err
		}

		return key.(crypto.Signer), nil
	}

	key, err := certcrypto.ParsePEMPrivateKey(existing)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: unsupported key type %T", path, key)
	}

	return signer, nil
}

// "joe@example.com" => "mailto:joe@example.com"
func normalizeContacts(contacts []string) []string {
	normalized := []string{}
	for _, contact := range contacts {
		contact = strings.TrimSpace(contact)
		if contact == "" {
			continue
		}

		if !strings.Contains(contact, ":") {
			contact = "mailto:" + contact
		}

		normalized = append(normalized, contact)
	}

	return lo.Uniq(normalized)
}

func isSuperset(have []string, want []string) bool {
	return len(lo.Without(want, have...)) == 0
}
