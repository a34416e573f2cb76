// Package app wires the paperbase server runtime: config, logging, database,
// migrations, metrics, and the auth HTTP surface.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"paperbase/cmd/identity"
	authapi "paperbase/cmd/internal/auth/api"
	"paperbase/cmd/internal/auth/events"
	"paperbase/cmd/internal/auth/session"
	"paperbase/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the paperbase server runtime. It owns the connection pool, the
// session service with its sweeper, and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	pool      *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	hub      *events.Hub
	sessions *session.Service
	sweeper  *session.Sweeper
	auth     *authapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: registry,
	}

	if cfg.DatabaseURL == "" {
		// Without a database there are no accounts, so the auth surface
		// stays unregistered. Health and metrics endpoints still serve.
		log.Warn("db.disabled.auth_unavailable")
		return a, nil
	}

	ctx := context.Background()

	if cfg.ApplyMigrations {
		if err := migrations.Apply(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		log.Info("db.migrations.applied")
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.dbEnabled = true
	log.Info("db.enabled.postgres_store")

	accounts, err := identity.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		pool.Close()
		return nil, err
	}
	codec, err := session.NewPasetoV4Codec(sessCfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	metrics := session.NewMetrics(registry)
	hub := events.NewHub(log)
	store := session.NewPostgresStore(pool)

	svc := session.NewService(sessCfg, store, codec, log,
		session.WithOwnerDirectory(accounts),
		session.WithMetrics(metrics),
		session.WithEventSink(hub),
	)

	authCfg := authapi.LoadConfigFromEnv()
	auth, err := authapi.NewHandler(log, authCfg, accounts, svc,
		authapi.WithAuditPool(pool),
		authapi.WithEventHub(hub),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	a.hub = hub
	a.sessions = svc
	a.sweeper = session.NewSweeper(log, store, sessCfg, metrics)
	a.auth = auth
	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.pool, a.dbEnabled, a.registry, a.auth)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.sweeper != nil {
		go a.sweeper.Run(runCtx)
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"stream_url", wsBaseURL(base)+"/auth/sessions/stream",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	cancel()
	if a.pool != nil {
		a.pool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a bind address into a URL a local client can reach.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
