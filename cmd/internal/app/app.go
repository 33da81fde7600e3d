// Package app wires the claimgate runtime: config, logging, storage, the
// authorization services, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"claimgate/cmd/internal/adsession"
	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/catalog"
	"claimgate/cmd/internal/gate"
	"claimgate/cmd/internal/peered"
	"claimgate/cmd/internal/realtime"
	"claimgate/cmd/internal/sqlitedb"
	"claimgate/cmd/internal/telemetry"
	"claimgate/cmd/security/keys"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the claimgate runtime: it owns storage handles, the services and the
// HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	metrics *telemetry.Metrics
	keyring *keys.Keyring

	dbPool *pgxpool.Pool
	sqlDB  *sql.DB

	tokens *authz.Service
	ads    *adsession.Service
	peers  *peered.Service

	hub     *realtime.Hub
	ws      *realtime.WSGateway
	gate    *gate.Handler
	sweeper *Sweeper
}

// New constructs a fully wired App from cfg and the process environment.
// Missing or weak secrets are fatal.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	gateCfg, err := gate.LoadConfigFromEnv()
	if err != nil {
		return nil, errors.Join(ErrSecurityPolicy, err)
	}
	kr, err := ValidateSecurityConfig(gateCfg, os.Getenv)
	if err != nil {
		return nil, err
	}

	a, err := assemble(context.Background(), cfg, log, gateCfg, kr, realtime.LoadConfigFromEnv())
	if err != nil {
		kr.Destroy()
		return nil, err
	}
	return a, nil
}

// assemble builds the runtime from already validated parts.
func assemble(ctx context.Context, cfg Config, log Logger, gateCfg gate.Config, kr *keys.Keyring, wsCfg realtime.Config) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: telemetry.New("claimgate"),
		keyring: kr,
	}

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}

	tokenSigner, err := kr.Signer(keys.FamilyActionToken)
	if err != nil {
		return nil, err
	}
	adSigner, err := kr.Signer(keys.FamilyAdSession)
	if err != nil {
		return nil, err
	}
	peeredSigner, err := kr.Signer(keys.FamilyPeeredSession)
	if err != nil {
		return nil, err
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := authz.NewService(st.tokens, tokenSigner,
		authz.WithPolicies(cat.Policies()),
		authz.WithTokenBytes(cfg.TokenBytes),
		authz.WithRetention(cfg.TokenRetention),
		authz.WithLogger(log),
		authz.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("action token config: %w", err)
	}
	ads, err := adsession.NewService(st.ads, adSigner,
		adsession.WithConfig(cfg.adSessionConfig()),
		adsession.WithLogger(log),
		adsession.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("ad session config: %w", err)
	}
	peers, err := peered.NewService(st.peered, peeredSigner,
		peered.WithConfig(cfg.peeredConfig()),
		peered.WithLogger(log),
		peered.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("peered session config: %w", err)
	}
	a.tokens, a.ads, a.peers = tokens, ads, peers

	verifier, err := gate.NewVerifier(gateCfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.hub = realtime.NewHub(log)
	a.ws, err = realtime.NewWSGateway(log, a.hub, verifier, wsCfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.gate, err = gate.NewHandler(log, gateCfg, verifier,
		gate.Services{Tokens: tokens, Ads: ads, Peered: peers, Catalog: cat},
		gate.WithAuditor(st.auditor),
		gate.WithPublisher(a.hub),
	)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.sweeper = NewSweeper(log, cfg.SweepInterval)
	a.sweeper.Add("action_tokens", tokens.Sweep)
	a.sweeper.Add("ad_sessions", ads.Sweep)
	a.sweeper.Add("peered_sessions", peers.Sweep)

	log.Info("app.ready",
		"store", st.kind,
		"providers", len(cat.ProviderIDs()),
		"action_kinds", len(cat.Policies()),
	)
	return a, nil
}

type stores struct {
	kind    string
	tokens  authz.Store
	ads     adsession.Store
	peered  peered.Store
	auditor gate.Auditor
}

// openStores picks Postgres when a database URL is configured and the
// embedded SQLite database otherwise.
func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.DatabaseURL == "" {
		return a.openSQLite(ctx)
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return stores{}, err
	}
	a.dbPool = pool

	schema := a.cfg.DBSchema
	if a.cfg.DBAutoMigrate {
		if err := MigratePostgres(ctx, pool, schema); err != nil {
			a.closeStores()
			return stores{}, err
		}
		a.log.Info("db.migrated", "schema", schema)
	}

	tokens, err := authz.NewPostgresStore(pool, authz.WithSchema(schema))
	if err != nil {
		a.closeStores()
		return stores{}, err
	}
	ads, err := adsession.NewPostgresStore(pool, adsession.WithSchema(schema))
	if err != nil {
		a.closeStores()
		return stores{}, err
	}
	peers, err := peered.NewPostgresStore(pool, peered.WithSchema(schema))
	if err != nil {
		a.closeStores()
		return stores{}, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", schema)
	return stores{
		kind:    "postgres",
		tokens:  tokens,
		ads:     ads,
		peered:  peers,
		auditor: gate.NewPostgresAuditor(pool, schema, a.log),
	}, nil
}

func (a *App) openSQLite(ctx context.Context) (stores, error) {
	db, err := sqlitedb.Open(ctx, a.cfg.SQLitePath)
	if err != nil {
		return stores{}, err
	}
	a.sqlDB = db

	tokens, err := authz.NewSQLiteStore(ctx, db)
	if err != nil {
		a.closeStores()
		return stores{}, err
	}
	ads, err := adsession.NewSQLiteStore(ctx, db)
	if err != nil {
		a.closeStores()
		return stores{}, err
	}
	peers, err := peered.NewSQLiteStore(ctx, db)
	if err != nil {
		a.closeStores()
		return stores{}, err
	}

	a.log.Info("db.enabled.sqlite_store", "path", a.cfg.SQLitePath)
	return stores{
		kind:    "sqlite",
		tokens:  tokens,
		ads:     ads,
		peered:  peers,
		auditor: gate.LogAuditor{Log: a.log},
	}, nil
}

func (a *App) closeStores() {
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
		a.sqlDB = nil
	}
}

// Handler returns the full HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log, a.metrics)
	h = WithRequestID(h)
	return h
}

// Run starts the HTTP server and the sweeper and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := a.cfg.PublicBaseURL
	if base == "" {
		base = runtimeBaseURL(a.cfg.HTTPAddr)
	}
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"postgres", a.dbPool != nil,
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases storage handles and wipes the signing keys.
func (a *App) Close() {
	a.closeStores()
	a.keyring.Destroy()
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
