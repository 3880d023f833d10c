package role

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Role identifies the perspective a session acts from.
type Role int

const (
	Unknown Role = iota
	Patient
	Doctor
	Nurse
)

// All lists the authenticatable roles.
var All = []Role{Patient, Doctor, Nurse}

// String returns the wire form of the role.
func (r Role) String() string {
	switch r {
	case Patient:
		return "patient"
	case Doctor:
		return "doctor"
	case Nurse:
		return "nurse"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the authenticatable roles.
func (r Role) Valid() bool {
	return r == Patient || r == Doctor || r == Nurse
}

// Label is the human readable role name, e.g. "Doctor".
func (r Role) Label() string {
	return cases.Title(language.English).String(r.String())
}

// Parse converts the wire form back to a Role. Matching ignores case and
// surrounding whitespace.
func Parse(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return Patient, nil
	case "doctor":
		return Doctor, nil
	case "nurse":
		return Nurse, nil
	default:
		return Unknown, fmt.Errorf("unrecognized role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
