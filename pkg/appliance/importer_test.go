package appliance

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/certfleet/pkg/testcerts"
	"github.com/function61/gokit/assert"
	"software.sslmate.com/src/go-pkcs12"
)

func TestImportCommandShape(t *testing.T) {
	bundle := make([]byte, 200) // 268 base64 chars
	for i := range bundle {
		bundle[i] = byte(i)
	}

	lines := ImportCommands("LE-2020", "s3cret", bundle)

	assert.EqualString(t, lines[0], "crypto ca import LE-2020 pkcs12 s3cret nointeractive")
	assert.EqualString(t, lines[len(lines)-1], "quit")

	encoded := lines[1 : len(lines)-1]
	assert.Assert(t, len(encoded) == 5)
	for _, line := range encoded[:4] {
		assert.Assert(t, len(line) == 64)
	}
	assert.Assert(t, len(encoded[4]) == 12)

	decoded, err := base64.StdEncoding.DecodeString(strings.Join(encoded, ""))
	assert.Ok(t, err)
	assert.EqualString(t, string(decoded), string(bundle))
}

func TestAssignCommands(t *testing.T) {
	assert.EqualString(t, strings.Join(AssignCommands("LE-2020", "outside", false), "|"), "terminal pager 0|configure terminal|ssl trust-point LE-2020 outside|end")
	assert.EqualString(t, strings.Join(AssignCommands("LE-2020", "inside", true), "|"), "terminal pager 0|configure terminal|ssl trust-point LE-2020 inside|end|write memory")
}

func TestImport(t *testing.T) {
	issued, store := storeWithCert(t)
	runner := &fakeRunner{}

	assert.Ok(t, NewImporter(store, runner, nil).Import(context.Background(), Target{
		Domain:     "vpn.example.com",
		TrustPoint: "LE-2020",
		Passphrase: "s3cret",
	}))

	assert.Assert(t, len(runner.sessions) == 2)

	importSession := runner.sessions[0]
	assert.EqualString(t, importSession[1], "configure terminal")
	assert.EqualString(t, importSession[2], "crypto ca import LE-2020 pkcs12 s3cret nointeractive")
	assert.EqualString(t, importSession[len(importSession)-2], "quit")

	pfx, err := base64.StdEncoding.DecodeString(strings.Join(importSession[3:len(importSession)-2], ""))
	assert.Ok(t, err)

	_, cert, caCerts, err := pkcs12.DecodeChain(pfx, "s3cret")
	assert.Ok(t, err)
	assert.EqualString(t, cert.Subject.CommonName, "vpn.example.com")
	assert.Assert(t, len(caCerts) == 1)
	assert.EqualString(t, string(cert.Raw), string(issued.LeafDer))

	assert.EqualString(t, strings.Join(runner.sessions[1], "|"), "terminal pager 0|configure terminal|ssl trust-point LE-2020 outside|end")
}

func TestAssignIsGatedOnImport(t *testing.T) {
	_, store := storeWithCert(t)
	runner := &fakeRunner{outputs: []string{"ERROR: Import PKCS12 operation failed\n"}}

	err := NewImporter(store, runner, nil).Import(context.Background(), Target{
		Domain:     "vpn.example.com",
		TrustPoint: "LE-2020",
		Passphrase: "wrong",
	})
	assert.Assert(t, errors.Is(err, ErrImport))
	assert.Assert(t, errors.Is(err, ErrDeviceRefuse))
	assert.EqualString(t, err.Error(), "appliance import: import: device refused command: ERROR: Import PKCS12 operation failed")

	// no trust point assignment after a failed import
	assert.Assert(t, len(runner.sessions) == 1)
}

func TestAssignFailure(t *testing.T) {
	_, store := storeWithCert(t)
	runner := &fakeRunner{outputs: []string{"", "ssl trust-point LE-2020 outsid\n% Invalid input detected at '^' marker.\n"}}

	err := NewImporter(store, runner, nil).Import(context.Background(), Target{
		Domain:     "vpn.example.com",
		TrustPoint: "LE-2020",
		Interface:  "outsid",
	})

	var importErr *ImportError
	assert.Assert(t, errors.As(err, &importErr))
	assert.EqualString(t, importErr.Step, "assign")
}

func TestImportWithoutCertificate(t *testing.T) {
	runner := &fakeRunner{}

	err := NewImporter(certificatestore.NewMemStore(), runner, nil).Import(context.Background(), Target{
		Domain:     "vpn.example.com",
		TrustPoint: "LE-2020",
	})
	assert.EqualString(t, err.Error(), "appliance import: read: no certificate stored for vpn.example.com")
	assert.Assert(t, len(runner.sessions) == 0)
}

func storeWithCert(t *testing.T) (testcerts.Issued, *certificatestore.MemStore) {
	ctx := context.Background()
	issued := testcerts.Issue("vpn.example.com", time.Now().AddDate(0, 0, 90))

	store := certificatestore.NewMemStore()
	assert.Ok(t, store.WriteArtifact(ctx, "vpn.example.com", certificatestore.KindKey, issued.KeyPem()))
	assert.Ok(t, store.WriteArtifact(ctx, "vpn.example.com", certificatestore.KindFullchain, issued.FullchainPem()))

	return issued, store
}

// outputs are handed out one per session, "" once they run out
type fakeRunner struct {
	sessions [][]string
	outputs  []string
}

func (f *fakeRunner) Run(_ context.Context, lines []string) (string, error) {
	f.sessions = append(f.sessions, lines)

	if len(f.outputs) == 0 {
		return "", nil
	}

	output := f.outputs[0]
	f.outputs = f.outputs[1:]
	return output, nil
}
