package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lobbyserv/gateway/internal/antispam"
	"github.com/lobbyserv/gateway/internal/config"
	"github.com/lobbyserv/gateway/internal/gateway"
	"github.com/lobbyserv/gateway/internal/lobby"
	"github.com/lobbyserv/gateway/internal/metrics"
	"github.com/lobbyserv/gateway/internal/store"
	"github.com/lobbyserv/gateway/internal/store/sqlite"
)

// App wires together the gateway server, the upstream lobby session, the
// abuse engine, and persistence.
type App struct {
	cfg config.Config
	log *zerolog.Logger

	server   *gateway.Server
	registry *gateway.Registry
	upstream *lobby.Client
	engine   *antispam.Engine
	st       store.Store
}

// New constructs the application with the provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	registry := gateway.NewRegistry(cfg.RemoteTokens, logger)
	upstream := lobby.New(cfg.LobbyAddr, registry, registry, logger)

	engine := antispam.New(upstream, st, logger, clock.New())
	upstream.AttachModeration(engine)

	if cfg.DefaultSpamSettings != "" {
		antispam.DefaultSettings = mustSettings(cfg.DefaultSpamSettings, logger)
	}
	if err := engine.LoadSettings(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	server := gateway.NewServer(gateway.ServerConfig{
		ListenAddr:           cfg.ListenAddr,
		ReadTimeout:          cfg.ReadTimeout,
		AllowedQueryCommands: cfg.AllowedQueryCommands,
		ConnectRate:          cfg.ConnectRate,
		ConnectBurst:         cfg.ConnectBurst,
	}, upstream, registry, logger)

	return &App{
		cfg:      cfg,
		log:      logger,
		server:   server,
		registry: registry,
		upstream: upstream,
		engine:   engine,
		st:       st,
	}, nil
}

// Run starts every component and blocks until context cancellation or a
// fatal listener error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)

	go a.engine.Run(ctx)

	go func() {
		if err := a.upstream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn().Err(err).Msg("upstream client stopped")
		}
	}()

	if a.cfg.MetricsAddr != "" {
		go a.serveMetrics(ctx)
	}

	go func() {
		serverErr <- a.server.Serve(ctx)
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		err := <-serverErr
		a.cleanup()
		return err
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn().Err(err).Msg("metrics server stopped")
	}
}

// cleanup closes persistence and remaining sessions.
func (a *App) cleanup() {
	a.registry.CloseAll()
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}

func mustSettings(raw string, logger *zerolog.Logger) antispam.Settings {
	s, err := antispam.ParseSettings(raw)
	if err != nil {
		logger.Warn().Err(err).Str("settings", raw).Msg("malformed default spam settings, keeping built-ins")
		return antispam.DefaultSettings
	}
	return s
}
