// Package router decides where a session lands and which views it may open.
package router

import (
	"slices"
	"strings"
	"sync"

	"github.com/clinicsync/clinicsync/internal/role"
	"github.com/clinicsync/clinicsync/internal/session"
	"github.com/rs/zerolog/log"
)

// AuthPath is the authentication entry point. Anonymous sessions and
// unrecognised roles are sent here.
const AuthPath = "/auth/login"

// Routes maps each role to its landing path.
var Routes = map[role.Role]string{
	role.Patient: "/patient/home",
	role.Doctor:  "/doctor/dashboard",
	role.Nurse:   "/nurse/dashboard",
}

// Restricted lists the views only some roles may open, keyed by path prefix.
// Paths not listed are open to any signed-in role.
var Restricted = map[string][]role.Role{
	"/patient/":          {role.Patient},
	"/doctor/":           {role.Doctor},
	"/nurse/":            {role.Nurse},
	"/patients/":         {role.Doctor, role.Nurse},
	"/prescriptions/new": {role.Doctor},
	"/orders/new":        {role.Doctor},
	"/results/new":       {role.Doctor, role.Nurse},
}

// Landing returns the landing path for r.
func Landing(r role.Role) string {
	if path, ok := Routes[r]; ok {
		return path
	}
	return AuthPath
}

// Allowed reports whether s acts in one of roles.
func Allowed(s session.Session, roles ...role.Role) bool {
	return s.Role.Valid() && slices.Contains(roles, s.Role)
}

// Guard decides whether the session may open path. When it may not, the
// returned path is where it should be sent instead.
func Guard(s session.Session, ok bool, path string) (string, bool) {
	if !ok || !s.Role.Valid() {
		if path == AuthPath {
			return path, true
		}
		return AuthPath, false
	}

	if path == AuthPath {
		return Landing(s.Role), false
	}

	if roles, restricted := restriction(path); restricted && !Allowed(s, roles...) {
		return Landing(s.Role), false
	}
	return path, true
}

// restriction returns the roles of the longest restricted prefix of path.
func restriction(path string) ([]role.Role, bool) {
	var (
		match string
		roles []role.Role
	)
	for prefix, allowed := range Restricted {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(match) {
			match, roles = prefix, allowed
		}
	}
	return roles, match != ""
}

// Label is the display name of r, "Guest" when r is not a signed-in role.
func Label(r role.Role) string {
	if !r.Valid() {
		return "Guest"
	}
	return r.Label()
}

// Sessions is the view of the session store the router follows.
type Sessions interface {
	Current() (session.Session, bool)
	Subscribe(listener session.Listener) func()
}

// Router tracks the destination of the current session.
type Router struct {
	mu          sync.RWMutex
	destination string
	unsubscribe func()
}

// New starts following sessions. Close stops it.
func New(sessions Sessions) *Router {
	r := &Router{}
	r.unsubscribe = sessions.Subscribe(r.follow)
	r.follow(sessions.Current())
	return r
}

// Destination is where the current session should be: its landing path, or
// AuthPath when signed out.
func (r *Router) Destination() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destination
}

func (r *Router) Close() {
	r.unsubscribe()
}

func (r *Router) follow(s session.Session, ok bool) {
	next := AuthPath
	if ok {
		next = Landing(s.Role)
	}

	r.mu.Lock()
	previous := r.destination
	r.destination = next
	r.mu.Unlock()

	if previous != next {
		log.Debug().Str("from", previous).Str("to", next).Msg("router: destination changed")
	}
}
