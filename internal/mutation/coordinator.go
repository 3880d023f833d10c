package mutation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicsync/clinicsync/internal/audit"
	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/reachability"
	"github.com/clinicsync/clinicsync/internal/session"
	"github.com/clinicsync/clinicsync/internal/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Invalidator marks cached entries stale. All patterns passed in one call are
// applied as a single batch.
type Invalidator interface {
	Invalidate(patterns ...query.Pattern) []query.Key
}

// Sessions is the view of the session store the coordinator needs.
type Sessions interface {
	Current() (session.Session, bool)
	Clear(ctx context.Context) error
}

// Coordinator executes mutations. Writes are never retried here.
type Coordinator struct {
	table     Table
	cache     Invalidator
	transport transport.Transport
	sessions  Sessions
	monitor   *reachability.Monitor
}

type Option func(*Coordinator)

// WithTable replaces the default invalidation table.
func WithTable(t Table) Option {
	return func(c *Coordinator) {
		c.table = t
	}
}

// WithReachability fails writes fast while the monitor reports the API as
// unreachable.
func WithReachability(m *reachability.Monitor) Option {
	return func(c *Coordinator) {
		c.monitor = m
	}
}

// NewCoordinator returns an error if the table does not declare a rule for
// every kind in Kinds.
func NewCoordinator(c Invalidator, t transport.Transport, sessions Sessions, opts ...Option) (*Coordinator, error) {
	co := &Coordinator{
		table:     DefaultTable(),
		cache:     c,
		transport: t,
		sessions:  sessions,
	}
	for _, opt := range opts {
		opt(co)
	}

	if err := co.table.Check(Kinds...); err != nil {
		return nil, fmt.Errorf("invalidation table incomplete: %w", err)
	}

	initMetrics()

	return co, nil
}

// Execute validates m, writes it, and on success invalidates every cache key
// the write could have staled before returning the API response. A failed
// write leaves the cache untouched.
func (c *Coordinator) Execute(ctx context.Context, m Mutation) (json.RawMessage, error) {
	kind := m.Kind()

	tracer := otel.Tracer("github.com/clinicsync/clinicsync/internal/mutation")
	ctx, span := tracer.Start(ctx, "execute_mutation", trace.WithAttributes(
		attribute.String("mutation.kind", string(kind)),
	))
	defer span.End()

	// a request already being audited carries the mutation on its own line
	entry, attached := audit.From(ctx)
	if !attached {
		entry = &audit.Entry{}
		defer entry.Write(ctx)
	}
	entry.Mutation = string(kind)
	if s, ok := c.sessions.Current(); ok {
		entry.Role = s.Role.String()
		entry.UserID = s.Profile.ID
	}

	fail := func(outcome string, err error) (json.RawMessage, error) {
		entry.Outcome = outcome
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		recordExecution(ctx, kind, outcome)
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return fail("rejected", ValidationError{Kind: kind, Err: err})
	}

	// resolved before the write so a table defect cannot follow a network effect
	patterns, err := c.table.Patterns(m)
	if err != nil {
		return fail("misconfigured", err)
	}

	if c.monitor != nil && !c.monitor.State().Allowed() {
		return fail("offline", MutationError{Kind: kind, Err: &transport.Error{
			Kind:    transport.NetworkError,
			Message: "clinic API unreachable",
		}})
	}

	data, err := c.transport.Write(ctx, transport.WriteRequest{Operation: string(kind), Body: m})
	if err != nil {
		if transport.IsUnauthorized(err) {
			if cerr := c.sessions.Clear(ctx); cerr != nil {
				zerolog.Ctx(ctx).Warn().Err(cerr).Msg("clearing rejected session")
			}
		}
		return fail("failed", MutationError{Kind: kind, Err: err})
	}

	keys := c.cache.Invalidate(patterns...)

	entry.Outcome = "success"
	entry.InvalidatedKeys = make([]string, len(keys))
	for i, k := range keys {
		entry.InvalidatedKeys[i] = k.String()
	}

	span.SetAttributes(attribute.Int("cache.invalidated", len(keys)))
	span.SetStatus(codes.Ok, "executed")
	recordExecution(ctx, kind, "success")

	zerolog.Ctx(ctx).Debug().
		Str("kind", string(kind)).
		Strs("patterns", Describe(patterns)).
		Int("invalidated", len(keys)).
		Msg("mutation applied")

	return data, nil
}
