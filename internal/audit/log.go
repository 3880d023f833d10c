// Package audit writes one structured line per auditable action: every
// mutation executed against the clinic API, and every request served by the
// local inspector.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the level audit lines are written at. NoLevel keeps them out of
// level-based filtering: audit lines are always written.
const Level = zerolog.NoLevel

type key struct{}

// Entry is the audit record. Empty groups are omitted from the output.
type Entry struct {
	// request, set by Middleware
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	// session acting
	Role   string
	UserID string

	// mutation executed
	Mutation        string
	Outcome         string
	InvalidatedKeys []string

	Error string
}

func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Bool("audit", true)

	if e.Method != "" {
		ev.Dict("request", zerolog.Dict().
			Str("method", e.Method).
			Str("path", e.Path).
			Int("status", e.Status).
			Str("sourceIP", e.SourceIP).
			Str("userAgent", e.UserAgent),
		)
	}

	session := NewOptionalEvent(nil).
		Str("role", e.Role).
		Str("user", e.UserID)
	session.Set(ev, "session")

	mutation := NewOptionalEvent(nil).
		Str("kind", e.Mutation).
		Str("outcome", e.Outcome)
	if e.InvalidatedKeys != nil {
		mutation.Int("invalidated", len(e.InvalidatedKeys)).
			Strs("keys", e.InvalidatedKeys)
	}
	mutation.Set(ev, "mutation")

	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

// Context returns the audit entry attached to ctx, attaching a new one if
// there is none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := From(ctx); ok {
		return ctx, e
	}
	e := &Entry{}
	return context.WithValue(ctx, key{}, e), e
}

// From returns the entry attached to ctx, if any.
func From(ctx context.Context) (*Entry, bool) {
	e, ok := ctx.Value(key{}).(*Entry)
	return e, ok
}

// Log returns the entry attached to ctx. Without one, a detached entry is
// returned so callers can set fields unconditionally.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Write emits the entry through the context logger, or the global logger
// when the context carries none.
func (e *Entry) Write(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	logger.WithLevel(Level).EmbedObject(e).Msg("audit")
}

// Begin captures request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		e.SourceIP = host
	} else {
		e.SourceIP = r.RemoteAddr
	}
}

// End returns a function to defer: it writes the entry, including a panic in
// flight, which is then re-raised.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			if e.Error != "" {
				msg = e.Error + "; " + msg
			}
			e.Error = msg
			if e.Status == 0 {
				e.Status = http.StatusInternalServerError
			}
			e.Write(ctx)
			panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}
		e.Write(ctx)
	}
}

// Middleware attaches an audit entry to each request and writes it once the
// handler returns.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())

			entry.Begin(r)
			defer entry.End(ctx)()

			next.ServeHTTP(&statusRecorder{ResponseWriter: w, entry: entry}, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	entry *Entry
}

func (s *statusRecorder) WriteHeader(status int) {
	s.entry.Status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
