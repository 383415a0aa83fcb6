package encryptedbox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
)

const testConfig = `{"acme": {"contacts": ["ops@example.com"]}}`

func TestSealAndOpenThroughFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKey(t, dir, "certfleet-manager.key")

	privKey, err := LoadPrivateKey(keyPath)
	assert.Ok(t, err)

	sealed, err := Seal([]byte(testConfig), &privKey.PublicKey)
	assert.Ok(t, err)
	assert.Assert(t, !strings.Contains(string(sealed.Ciphertext), "ops@example.com"))

	sealedPath := filepath.Join(dir, "config.sealed.json")
	assert.Ok(t, WriteFile(sealedPath, sealed))

	stat, err := os.Stat(sealedPath)
	assert.Ok(t, err)
	assert.Assert(t, stat.Mode().Perm() == 0600)

	fromDisk, err := ReadFile(sealedPath)
	assert.Ok(t, err)

	plaintext, err := fromDisk.Open(privKey)
	assert.Ok(t, err)
	assert.EqualString(t, string(plaintext), testConfig)
}

func TestOpenWithWrongKey(t *testing.T) {
	dir := t.TempDir()

	right, err := LoadPrivateKey(writeKey(t, dir, "right.key"))
	assert.Ok(t, err)
	wrong, err := LoadPrivateKey(writeKey(t, dir, "wrong.key"))
	assert.Ok(t, err)

	sealed, err := Seal([]byte(testConfig), &right.PublicKey)
	assert.Ok(t, err)

	_, err = sealed.Open(wrong)
	assert.Assert(t, errors.Is(err, ErrWrongKey))
}

func TestUnknownFormat(t *testing.T) {
	privKey, err := LoadPrivateKey(writeKey(t, t.TempDir(), "manager.key"))
	assert.Ok(t, err)

	_, err = (&Envelope{Format: "plaintext-v0"}).Open(privKey)
	assert.EqualString(t, err.Error(), `unsupported format: "plaintext-v0"`)
}

func writeKey(t *testing.T, dir string, name string) string {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Ok(t, err)

	path := filepath.Join(dir, name)
	assert.Ok(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0600))

	return path
}
