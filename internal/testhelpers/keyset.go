package testhelpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

// WriteTestKeyset generates an AES256-GCM Tink keyset and writes it as
// cleartext JSON to a temp file. The file is cleaned up automatically via
// t.TempDir().
func WriteTestKeyset(t *testing.T) string {
	t.Helper()

	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	require.NoError(t, err)

	keysetPath := filepath.Join(t.TempDir(), "test-keyset.json")
	f, err := os.Create(keysetPath)
	require.NoError(t, err)
	defer f.Close()

	err = insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(f))
	require.NoError(t, err)

	return keysetPath
}
