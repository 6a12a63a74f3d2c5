// Package app wires the pairgate server runtime: config, logging, HTTP routes, the session
// registry and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"pairgate/cmd/internal/archive"
	"pairgate/cmd/internal/connector"
	"pairgate/cmd/internal/observability"
	"pairgate/cmd/internal/pairing"
	"pairgate/cmd/internal/realtime"
)

const shutdownTimeout = 15 * time.Second

// App is the pairgate server runtime. It owns the HTTP server, the session registry and
// every resource the registry depends on.
type App struct {
	cfg Config
	log Logger

	store     pairing.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	arch *archive.Archiver
	loop *connector.Loopback
	hub  *realtime.Hub
	reg  *pairing.Registry
	ws   *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	observability.RegisterMetrics()

	if err := ensurePrivateDir(cfg.SessionsDir); err != nil {
		return nil, fmt.Errorf("sessions dir: %w", err)
	}
	arch, err := archive.New(cfg.ArchiveDir, archive.WithLogger(log))
	if err != nil {
		return nil, err
	}

	loop := connector.NewLoopback(log)
	conn, err := newConnector(cfg, log, loop)
	if err != nil {
		return nil, err
	}

	store, dbPool, dbEnabled, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)
	reg, err := pairing.NewRegistry(pairing.Config{
		SessionsDir:     cfg.SessionsDir,
		CountryCode:     cfg.CountryCode,
		CodeTTL:         cfg.CodeTTL,
		OpenTimeout:     cfg.OpenTimeout,
		MetadataTimeout: cfg.MetadataTimeout,
	}, conn, arch,
		pairing.WithLogger(log),
		pairing.WithNotifier(hub),
		pairing.WithStore(store),
	)
	if err != nil {
		closeStore(store, dbPool)
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, reg)
	if err != nil {
		closeStore(store, dbPool)
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		arch:      arch,
		loop:      loop,
		hub:       hub,
		reg:       reg,
		ws:        ws,
	}, nil
}

// Registry exposes the session registry (tests, CLI).
func (a *App) Registry() *pairing.Registry { return a.reg }

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	var loop *connector.Loopback
	if a.cfg.DevEndpoints {
		loop = a.loop
	}
	registerHTTP(mux, httpDeps{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		reg:       a.reg,
		arch:      a.arch,
		loop:      loop,
		ws:        a.ws,
	})

	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
// On the way out it stops every session before closing the record store.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.Close()
		return err
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"connector", a.cfg.Connector,
		"db_enabled", a.dbEnabled,
		"dev_endpoints", a.cfg.DevEndpoints,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		if err := a.reg.Shutdown(shutdownCtx); err != nil {
			a.log.Error("registry.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	a.Close()
	a.log.Info("server.stopped")
	return err
}

// Close releases the record store and DB pool.
func (a *App) Close() {
	closeStore(a.store, a.dbPool)
}

func newConnector(cfg Config, log Logger, loop *connector.Loopback) (connector.Connector, error) {
	switch cfg.Connector {
	case ConnectorLoopback:
		return loop, nil
	case ConnectorLoopbackPoll:
		return connector.NewPolling(log, loop.OpenSource, cfg.PollInterval), nil
	default:
		return nil, fmt.Errorf("unknown connector %q", cfg.Connector)
	}
}

// newStore decides between the Postgres-backed record store and the in-memory one.
func newStore(ctx context.Context, cfg Config, log Logger) (pairing.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return pairing.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := pairing.NewPostgresStore(pool, pairing.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, true, nil
}

func closeStore(st pairing.Store, pool *pgxpool.Pool) {
	if st != nil {
		_ = st.Close()
	}
	if pool != nil {
		pool.Close()
	}
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

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to 127.0.0.1.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL onto ws(s).
func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(strings.TrimPrefix(base, "http://"), "https://")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
