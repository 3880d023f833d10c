package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicsync/clinicsync/internal/config"
	"github.com/rs/zerolog/log"
)

// New returns the inspector server with the header limits applied to every
// listener in this process.
func New(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}
}

// Serve accepts connections on srv until ctx is cancelled or the process
// receives SIGINT or SIGTERM. It then stops accepting requests, waits up to
// the configured timeout for in-flight requests, and runs hooks.
func Serve(ctx context.Context, cfg config.ServerConfig, srv *http.Server, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	return serveListener(ctx, cfg, srv, listener, hooks)
}

func serveListener(ctx context.Context, cfg config.ServerConfig, srv *http.Server, listener net.Listener, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server: listening")
		serverErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("server: shutdown requested")
	}

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if hooks != nil {
		errs = append(errs, hooks.Execute(shutdownCtx))
	}

	log.Info().Msg("server: stopped")
	return errors.Join(errs...)
}
