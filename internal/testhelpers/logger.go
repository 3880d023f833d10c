package testhelpers

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger routes the global and context default loggers to the test log
// for the duration of the test.
func SetupLogger(t *testing.T) {
	t.Helper()

	previous := log.Logger
	previousCtx := zerolog.DefaultContextLogger

	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	t.Cleanup(func() {
		log.Logger = previous
		zerolog.DefaultContextLogger = previousCtx
	})
}
