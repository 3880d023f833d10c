package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/clinicsync/clinicsync/internal/audit"
	"github.com/clinicsync/clinicsync/internal/cache"
	"github.com/clinicsync/clinicsync/internal/config"
	"github.com/clinicsync/clinicsync/internal/loader"
	"github.com/clinicsync/clinicsync/internal/mutation"
	"github.com/clinicsync/clinicsync/internal/observe"
	"github.com/clinicsync/clinicsync/internal/reachability"
	"github.com/clinicsync/clinicsync/internal/router"
	"github.com/clinicsync/clinicsync/internal/server"
	"github.com/clinicsync/clinicsync/internal/session"
	"github.com/clinicsync/clinicsync/internal/storage"
	"github.com/clinicsync/clinicsync/internal/transport"
	"github.com/clinicsync/clinicsync/internal/transport/fixture"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

// app holds the process-wide services. Each is constructed once in launch
// and shared by reference.
type app struct {
	cache       *cache.ResourceCache
	monitor     *reachability.Monitor
	sessions    *session.Store
	loader      *loader.Loader
	coordinator *mutation.Coordinator
	router      *router.Router
}

func configureServerRoutes(a *app) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	mux := observe.NewMux(http.NewServeMux())

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse.
	requestLimitBytes := int64(64 << 10) // 64 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	auditedRouteMiddleware := alice.New(requestLimiter, audit.Middleware())
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("GET /cache", auditedRouteMiddleware.Then(handleCacheSnapshot(a.cache)))
	mux.Handle("GET /resources/{key...}", auditedRouteMiddleware.Then(handleGetResource(a.loader)))
	mux.Handle("POST /mutations/{kind}", auditedRouteMiddleware.Then(handlePostMutation(a.coordinator)))

	mux.Handle("GET /session", auditedRouteMiddleware.Then(handleGetSession(a.sessions, a.router, a.monitor)))
	mux.Handle("PUT /session", auditedRouteMiddleware.Then(handlePutSession(a.sessions)))
	mux.Handle("DELETE /session", auditedRouteMiddleware.Then(handleDeleteSession(a.sessions)))

	// healthchecks are not included in telemetry or auditing
	mux.HandleUntraced("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck(a.monitor)))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launch()
	if err != nil {
		log.Fatal().Err(err).Msg("clinicsync failed to start")
	}
}

func launch() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	hooks.AddContext("telemetry", shutdownTelemetry)

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	a, err := assemble(ctx, cfg, hooks)
	if err != nil {
		return err
	}

	probeCtx, stopProbe := context.WithCancel(ctx)
	hooks.AddContext("reachability probe", func(context.Context) error { stopProbe(); return nil })
	if !cfg.Reachability.Simulation {
		healthURL, err := url.JoinPath(cfg.API.BaseURL, cfg.API.HealthPath)
		if err != nil {
			return fmt.Errorf("health URL: %w", err)
		}
		check := reachability.HTTPCheck(apiClient(cfg.API), healthURL)
		interval := time.Duration(cfg.Reachability.ProbeIntervalSeconds) * time.Second

		go reachability.PeriodicProbe(probeCtx, a.monitor, check, interval)
	}

	srv := server.New(cfg.Server, configureServerRoutes(a))

	err = server.Serve(ctx, cfg.Server, srv, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// assemble builds the services in dependency order and restores any
// persisted session. Teardown is registered on hooks as each is created.
func assemble(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (*app, error) {
	store, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage configuration failed: %w", err)
	}
	hooks.AddClose("storage", store)

	a := &app{
		cache: cache.New(
			cache.WithTTL(cfg.Cache.TTL),
			cache.WithMaxEntries(cfg.Cache.MaxEntries),
		),
		monitor: reachability.NewMonitor(cfg.Reachability.Simulation),
	}
	a.sessions = session.NewStore(store, a.cache)

	if s, ok := a.sessions.Restore(ctx); ok {
		log.Info().Stringer("role", s.Role).Str("user", s.Profile.ID).Msg("session restored")
	}

	t, err := selectTransport(cfg, a.sessions)
	if err != nil {
		return nil, err
	}

	a.loader = loader.New(a.cache, t, a.monitor, a.sessions,
		loader.WithFetchTimeout(time.Duration(cfg.API.TimeoutSeconds)*time.Second),
	)
	hooks.AddStop("loader", a.loader)

	a.coordinator, err = mutation.NewCoordinator(a.cache, t, a.sessions, mutation.WithReachability(a.monitor))
	if err != nil {
		return nil, fmt.Errorf("mutation coordinator configuration failed: %w", err)
	}

	a.router = router.New(a.sessions)
	hooks.AddStop("router", a.router)

	return a, nil
}

// selectTransport picks the fixture transport in simulation mode and the
// network transport otherwise. The choice holds for the life of the process.
func selectTransport(cfg config.Config, tokens transport.TokenSource) (transport.Transport, error) {
	if cfg.Reachability.Simulation {
		fixtures, err := fixture.Load(cfg.Reachability.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("simulation fixtures: %w", err)
		}
		log.Info().Str("fixtures", cfg.Reachability.FixturePath).Msg("simulation mode: serving from fixtures")
		return fixtures, nil
	}

	t, err := transport.NewHTTP(cfg.API.BaseURL, apiClient(cfg.API), tokens)
	if err != nil {
		return nil, fmt.Errorf("API transport configuration failed: %w", err)
	}
	return t, nil
}

func apiClient(cfg config.APIConfig) *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()

	tr.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	tr.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return tr
}
