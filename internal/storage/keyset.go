package storage

import (
	"bytes"
	"fmt"
	"os"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// ValidateAEAD performs a test encryption/decryption cycle to verify the AEAD
// is working. Call this at startup to fail fast if encryption is misconfigured.
func ValidateAEAD(a tink.AEAD) error {
	testPlaintext := []byte("clinicsync-encryption-test")
	testAAD := []byte("validation")

	ciphertext, err := a.Encrypt(testPlaintext, testAAD)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, testAAD)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, decrypted) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// LoadKeysetFromFile reads a cleartext JSON keyset. The file must be
// protected by the host (permissions, secret mounts); it is not itself
// encrypted.
func LoadKeysetFromFile(path string) (*keyset.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyset file: %w", err)
	}
	defer func() { _ = f.Close() }()

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading cleartext keyset: %w", err)
	}
	return handle, nil
}

// NewAEADFromFile loads the keyset at path and returns a validated AEAD.
func NewAEADFromFile(path string) (tink.AEAD, error) {
	handle, err := LoadKeysetFromFile(path)
	if err != nil {
		return nil, err
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := ValidateAEAD(primitive); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return primitive, nil
}
