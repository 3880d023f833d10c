// Package query builds the cache keys shared by every reader and every
// invalidator. Keys are constructed here and nowhere else: a reader and a
// mutation that disagree about the shape of a key silently serve stale data.
package query

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/clinicsync/clinicsync/internal/role"
)

// Kind names a remote resource collection.
type Kind string

const (
	KindAppointments     Kind = "appointments"
	KindAppointment      Kind = "appointment"
	KindPrescriptions    Kind = "prescriptions"
	KindResults          Kind = "results"
	KindOrders           Kind = "orders"
	KindPatient          Kind = "patient"
	KindPatients         Kind = "patients"
	KindChatThreads      Kind = "threads"
	KindChatThread       Kind = "thread"
	KindNotifications    Kind = "notifications"
	KindProfile          Kind = "profile"
	KindClinicSettings   Kind = "clinic-settings"
	KindDoctorsDirectory Kind = "doctors"
)

// Dim is the discriminator a scope segment carries.
type Dim string

const (
	DimRole        Dim = "role"
	DimPatient     Dim = "patient"
	DimDoctor      Dim = "doctor"
	DimNurse       Dim = "nurse"
	DimAppointment Dim = "appointment"
	DimThread      Dim = "thread"
)

// selfParam is the transport parameter naming the dimensions a key leaves to
// the authenticated user; the server resolves them against the bearer token.
// It is a parameter of its own so no concrete ID can be mistaken for self.
const selfParam = "self"

// Segment is one scope discriminator of a Key. A Self segment stands for "the
// authenticated user" and never equals a segment carrying a concrete ID.
type Segment struct {
	Dim  Dim
	ID   string
	Self bool

	wildcard bool
}

// String renders the canonical form: "dim=id" (id path-escaped), "dim@self",
// or "dim=*" for wildcards.
func (s Segment) String() string {
	switch {
	case s.wildcard:
		return string(s.Dim) + "=*"
	case s.Self:
		return string(s.Dim) + "@self"
	default:
		return string(s.Dim) + "=" + url.PathEscape(s.ID)
	}
}

// Key is the structural identifier of one logical resource view.
type Key struct {
	Kind  Kind
	Scope []Segment
}

// String returns the canonical encoding of the key. Two keys are equal iff
// their encodings are equal.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Kind))
	for _, s := range k.Scope {
		b.WriteByte('/')
		b.WriteString(s.String())
	}
	return b.String()
}

// Equal reports structural equality.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// Has reports whether the scope contains seg.
func (k Key) Has(seg Segment) bool {
	for _, s := range k.Scope {
		if s.Dim == seg.Dim && s.Self == seg.Self && s.ID == seg.ID {
			return true
		}
	}
	return false
}

// Params maps each concrete scope dimension to its request parameter value.
// Self dimensions are listed, comma separated, under "self".
func (k Key) Params() map[string]string {
	params := make(map[string]string, len(k.Scope))
	var self []string
	for _, s := range k.Scope {
		if s.Self {
			self = append(self, string(s.Dim))
			continue
		}
		params[string(s.Dim)] = s.ID
	}
	if len(self) > 0 {
		params[selfParam] = strings.Join(self, ",")
	}
	return params
}

// ParseKey parses the canonical encoding produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if parts[0] == "" {
		return Key{}, fmt.Errorf("invalid key %q: missing kind", s)
	}

	key := Key{Kind: Kind(parts[0])}
	for _, part := range parts[1:] {
		if dim, found := strings.CutSuffix(part, "@self"); found && !strings.Contains(dim, "=") {
			key.Scope = append(key.Scope, Segment{Dim: Dim(dim), Self: true})
			continue
		}

		dim, escaped, found := strings.Cut(part, "=")
		if !found || dim == "" {
			return Key{}, fmt.Errorf("invalid key %q: malformed segment %q", s, part)
		}
		if dim == selfParam {
			return Key{}, fmt.Errorf("invalid key %q: %q is not a dimension", s, selfParam)
		}
		id, err := url.PathUnescape(escaped)
		if err != nil {
			return Key{}, fmt.Errorf("invalid key %q: %w", s, err)
		}
		key.Scope = append(key.Scope, Segment{Dim: Dim(dim), ID: id})
	}

	return key, nil
}

// ID returns a segment carrying a concrete identifier.
func ID(dim Dim, id string) Segment {
	return Segment{Dim: dim, ID: id}
}

// Self returns the "authenticated user" segment for dim.
func Self(dim Dim) Segment {
	return Segment{Dim: dim, Self: true}
}

// Wildcard returns a segment that only patterns interpret: it matches any
// segment of the same dimension.
func Wildcard(dim Dim) Segment {
	return Segment{Dim: dim, wildcard: true}
}

// RoleSegment returns the role discriminator for r.
func RoleSegment(r role.Role) Segment {
	return ID(DimRole, r.String())
}

// UserSegment returns the identity discriminator for a user acting as r.
func UserSegment(r role.Role, userID string) Segment {
	return ID(ownerDim(r), userID)
}

func ownerDim(r role.Role) Dim {
	switch r {
	case role.Doctor:
		return DimDoctor
	case role.Nurse:
		return DimNurse
	default:
		return DimPatient
	}
}

func optionalID(dim Dim, id string) Segment {
	if id == "" {
		return Self(dim)
	}
	return ID(dim, id)
}
