// Package session owns the authenticated session: who is signed in, in which
// role, and with which bearer token. The session is the only state that
// outlives the process; it is persisted through a storage.Storage and
// restored on start.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/clinicsync/clinicsync/internal/role"
	"github.com/golang-jwt/jwt/v5"
)

type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Session is an authenticated user. It is a value: replacing the session
// (refresh, login as someone else) means calling Store.Set with a new one.
type Session struct {
	Token   string    `json:"token"`
	Role    role.Role `json:"role"`
	Profile Profile   `json:"profile"`
}

// Validate reports whether the session is complete enough to be used.
func (s Session) Validate() error {
	var errs []error
	if s.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if !s.Role.Valid() {
		errs = append(errs, fmt.Errorf("role %q is not a recognised role", s.Role))
	}
	if s.Profile.ID == "" {
		errs = append(errs, errors.New("profile id is required"))
	}
	return errors.Join(errs...)
}

// ExpiresAt returns the expiry of the bearer token when it is a JWT carrying
// an exp claim. The signature is not verified: the server remains the
// authority, this only avoids restoring a session that is certain to be
// rejected.
func (s Session) ExpiresAt() (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the token is known to have expired at now. Opaque
// tokens never report as expired.
func (s Session) Expired(now time.Time) bool {
	exp, ok := s.ExpiresAt()
	return ok && !now.Before(exp)
}

// sameIdentity reports whether two sessions belong to the same user acting in
// the same role, meaning cached data scoped to one is valid for the other.
func sameIdentity(a, b Session) bool {
	return a.Role == b.Role && a.Profile.ID == b.Profile.ID
}
