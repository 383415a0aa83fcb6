// Pushes an issued certificate into a network appliance's trust store (Cisco ASA style CLI)
package appliance

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/gokit/logex"
	"github.com/go-acme/lego/v4/certcrypto"
	"software.sslmate.com/src/go-pkcs12"
)

const (
	DefaultInterface = "outside"

	lineWidth = 64
)

var (
	ErrImport       = errors.New("appliance import")
	ErrDeviceRefuse = errors.New("device refused command")
)

type ImportError struct {
	Step   string // "read" | "bundle" | "import" | "assign"
	Output string // what the device said, if we got that far
	Err    error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrImport.Error(), e.Step, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

func (e *ImportError) Is(target error) bool {
	return target == ErrImport
}

// one interactive CLI session on the device
type Runner interface {
	Run(ctx context.Context, lines []string) (output string, err error)
}

type Target struct {
	Domain      string
	TrustPoint  string
	Interface   string // "" = DefaultInterface
	Passphrase  string // protects the PKCS#12 bundle in transit
	WriteMemory bool   // persist running config
}

type Importer struct {
	store  certificatestore.Store
	runner Runner
	logl   *logex.Leveled
}

func NewImporter(store certificatestore.Store, runner Runner, logger *log.Logger) *Importer {
	return &Importer{
		store:  store,
		runner: runner,
		logl:   logex.Levels(logger),
	}
}

// the trust point is assigned to the interface only after the import succeeded
func (i *Importer) Import(ctx context.Context, target Target) error {
	keyPem, err := i.store.ReadExisting(ctx, target.Domain, certificatestore.KindKey)
	if err != nil {
		return &ImportError{Step: "read", Err: err}
	}

	fullchainPem, err := i.store.ReadExisting(ctx, target.Domain, certificatestore.KindFullchain)
	if err != nil {
		return &ImportError{Step: "read", Err: err}
	}

	if keyPem == nil || fullchainPem == nil {
		return &ImportError{Step: "read", Err: fmt.Errorf("no certificate stored for %s", target.Domain)}
	}

	bundle, err := Bundle(keyPem, fullchainPem, target.Passphrase)
	if err != nil {
		return &ImportError{Step: "bundle", Err: err}
	}

	i.logl.Info.Printf("importing %s as trust point %s", target.Domain, target.TrustPoint)

	if err := i.session(ctx, "import", configMode(ImportCommands(target.TrustPoint, target.Passphrase, bundle))); err != nil {
		return err
	}

	iface := target.Interface
	if iface == "" {
		iface = DefaultInterface
	}

	i.logl.Info.Printf("assigning trust point %s to interface %s", target.TrustPoint, iface)

	return i.session(ctx, "assign", AssignCommands(target.TrustPoint, iface, target.WriteMemory))
}

func (i *Importer) session(ctx context.Context, step string, lines []string) error {
	output, err := i.runner.Run(ctx, lines)
	if err != nil {
		return &ImportError{Step: step, Output: output, Err: err}
	}

	if refusal := deviceRefusal(output); refusal != "" {
		return &ImportError{Step: step, Output: output, Err: fmt.Errorf("%w: %s", ErrDeviceRefuse, refusal)}
	}

	return nil
}

// PKCS#12 of the leaf key + full chain, legacy-encrypted (ASA does not import AES-encrypted bundles)
func Bundle(keyPem []byte, fullchainPem []byte, passphrase string) ([]byte, error) {
	key, err := certcrypto.ParsePEMPrivateKey(keyPem)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}

	chain, err := certcrypto.ParsePEMBundle(fullchainPem)
	if err != nil {
		return nil, fmt.Errorf("fullchain: %w", err)
	}

	return pkcs12.LegacyRC2.Encode(key, chain[0], chain[1:], passphrase)
}

// import line, the bundle as base64 in 64 char lines, "quit" to end the paste
func ImportCommands(trustPoint string, passphrase string, bundle []byte) []string {
	lines := []string{fmt.Sprintf("crypto ca import %s pkcs12 %s nointeractive", trustPoint, passphrase)}
	lines = append(lines, wrap(base64.StdEncoding.EncodeToString(bundle), lineWidth)...)
	return append(lines, "quit")
}

func AssignCommands(trustPoint string, iface string, writeMemory bool) []string {
	lines := configMode([]string{fmt.Sprintf("ssl trust-point %s %s", trustPoint, iface)})
	if writeMemory {
		lines = append(lines, "write memory")
	}
	return lines
}

func configMode(lines []string) []string {
	wrapped := []string{"terminal pager 0", "configure terminal"}
	wrapped = append(wrapped, lines...)
	return append(wrapped, "end")
}

func wrap(s string, width int) []string {
	lines := []string{}
	for len(s) > width {
		lines = append(lines, s[:width])
		s = s[width:]
	}
	if s != "" {
		lines = append(lines, s)
	}
	return lines
}

// first line of output that signals a failed command, "" if none
func deviceRefusal(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.Contains(line, "ERROR:") || strings.HasPrefix(line, "% Invalid") {
			return line
		}
	}

	return ""
}
