package session

import (
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/internal/role"
	"github.com/clinicsync/clinicsync/internal/testhelpers"
	"github.com/stretchr/testify/assert"
)

func TestSession_Validate(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		wantErr string
	}{
		{
			name:    "complete",
			session: Session{Token: "t", Role: role.Doctor, Profile: Profile{ID: "D5"}},
		},
		{
			name:    "missing token",
			session: Session{Role: role.Doctor, Profile: Profile{ID: "D5"}},
			wantErr: "token is required",
		},
		{
			name:    "unknown role",
			session: Session{Token: "t", Profile: Profile{ID: "D5"}},
			wantErr: "not a recognised role",
		},
		{
			name:    "missing profile",
			session: Session{Token: "t", Role: role.Nurse},
			wantErr: "profile id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSession_ExpiresAt(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)

	s := Session{Token: testhelpers.CreateSessionToken(t, "P123", exp)}
	got, ok := s.ExpiresAt()
	assert.True(t, ok)
	assert.True(t, exp.Equal(got))

	assert.False(t, s.Expired(exp.Add(-time.Second)))
	assert.True(t, s.Expired(exp))

	opaque := Session{Token: "not-a-jwt"}
	_, ok = opaque.ExpiresAt()
	assert.False(t, ok)
	assert.False(t, opaque.Expired(time.Now()), "opaque tokens never expire locally")
}

func TestSameIdentity(t *testing.T) {
	a := Session{Token: "1", Role: role.Doctor, Profile: Profile{ID: "D5"}}

	assert.True(t, sameIdentity(a, Session{Token: "2", Role: role.Doctor, Profile: Profile{ID: "D5", Name: "Dr Who"}}))
	assert.False(t, sameIdentity(a, Session{Token: "1", Role: role.Nurse, Profile: Profile{ID: "D5"}}))
	assert.False(t, sameIdentity(a, Session{Token: "1", Role: role.Doctor, Profile: Profile{ID: "D6"}}))
}
