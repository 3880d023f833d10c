package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("clinicsync-test-signing-key")

// CreateSessionToken signs a bearer token for the given subject with the
// supplied expiry. The client never verifies signatures, so a shared HMAC key
// is sufficient.
func CreateSessionToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-1 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err, "failed to sign JWT")

	return signed
}

// ValidSessionToken returns a token that expires an hour from now.
func ValidSessionToken(t *testing.T, subject string) string {
	t.Helper()
	return CreateSessionToken(t, subject, time.Now().Add(time.Hour))
}
