// Sealed (RSA-encrypted) configuration file, openable only with the manager's private key
package encryptedbox

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/function61/gokit/cryptoutil"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/pkencryptedstream"
)

const formatV1 = "certfleet-sealed-v1"

var ErrWrongKey = errors.New("sealed with a different key")

// what goes on disk. the plaintext is typically the JSON config.
type Envelope struct {
	Format         string `json:"format"`
	KeyFingerprint string `json:"key_fingerprint"` // .. of the public key that sealed this
	Ciphertext     []byte `json:"ciphertext"`      // gokit/pkencryptedstream
}

func Seal(plaintext []byte, pubKey *rsa.PublicKey) (*Envelope, error) {
	fingerprint, err := cryptoutil.Sha256FingerprintForPublicKey(pubKey)
	if err != nil {
		return nil, err
	}

	ciphertext := &bytes.Buffer{}
	encrypt, err := pkencryptedstream.Writer(ciphertext, pubKey)
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(encrypt, bytes.NewReader(plaintext)); err != nil {
		return nil, err
	}

	if err := encrypt.Close(); err != nil {
		return nil, err
	}

	return &Envelope{
		Format:         formatV1,
		KeyFingerprint: fingerprint,
		Ciphertext:     ciphertext.Bytes(),
	}, nil
}

func (e *Envelope) Open(privKey *rsa.PrivateKey) ([]byte, error) {
	if e.Format != formatV1 {
		return nil, fmt.Errorf("unsupported format: %q", e.Format)
	}

	fingerprint, err := cryptoutil.Sha256FingerprintForPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, err
	}

	if e.KeyFingerprint != fingerprint {
		return nil, fmt.Errorf("%w: sealed for %s, tried to open with %s", ErrWrongKey, e.KeyFingerprint, fingerprint)
	}

	plaintextReader, err := pkencryptedstream.Reader(bytes.NewReader(e.Ciphertext), privKey)
	if err != nil {
		return nil, err
	}

	plaintext := &bytes.Buffer{}
	if _, err := io.Copy(plaintext, plaintextReader); err != nil {
		return nil, err
	}

	return plaintext.Bytes(), nil
}

func ReadFile(path string) (*Envelope, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	envelope := &Envelope{}
	return envelope, jsonfile.Unmarshal(file, envelope, true)
}

func WriteFile(path string, envelope *Envelope) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if err := jsonfile.Marshal(file, envelope); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

// PKCS#1 PEM
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	privKeyPem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return cryptoutil.ParsePemPkcs1EncodedRsaPrivateKey(privKeyPem)
}
