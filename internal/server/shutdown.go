package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks tears the process down. Hooks run in reverse registration
// order, so a component registered after its dependencies stops before them.
// A failing hook does not prevent the remaining hooks from running.
type ShutdownHooks struct {
	hooks []hookDefinition
}

// AddContext registers a hook that receives the shutdown context, which may
// carry a deadline. Nil hooks are ignored with a warning.
func (s *ShutdownHooks) AddContext(name string, hook func(context.Context) error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// AddClose registers a resource whose Close can fail, such as a storage
// backend.
func (s *ShutdownHooks) AddClose(name string, closer interface{ Close() error }) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error { return closer.Close() })
}

// AddStop registers a component whose Close cannot fail, such as a loader
// waiting for its background fetches.
func (s *ShutdownHooks) AddStop(name string, stopper interface{ Close() }) {
	if stopper == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error { stopper.Close(); return nil })
}

// Execute runs every hook and returns the failures joined.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	l := log.Ctx(ctx)

	var errs []error
	for i := len(s.hooks) - 1; i >= 0; i-- {
		hook := s.hooks[i]
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}
	return errors.Join(errs...)
}
