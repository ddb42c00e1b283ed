// Package app wires the Courier server runtime: config, logging, HTTP routes,
// persistence, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"courier/internal/auth"
	"courier/internal/queue"
	"courier/internal/realtime"
	"courier/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Courier server runtime: it owns HTTP server wiring and the
// realtime gateway's dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	redisClient *redis.Client

	registry *prometheus.Registry
	ws       *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	if cfg.TokenSecret == "" {
		return nil, errors.New("COURIER_TOKEN_SECRET must be set")
	}

	st, dbPool, dbEnabled, stores, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	redisClient, mailbox, err := newMailbox(context.Background(), cfg, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	verifier, err := auth.NewVerifier(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	authn := auth.NewAuthenticator(verifier, stores.users)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := realtime.NewEngine(log, realtime.EngineDeps{
		Users:    stores.users,
		Messages: stores.messages,
		Groups:   stores.groups,
		Mailbox:  mailbox,
		Presence: realtime.NewPresence(log),
		Rooms:    realtime.NewRooms(log),
		Metrics:  realtime.NewMetrics(registry),
	})
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, engine, authn)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:         cfg,
		log:         log,
		store:       st,
		dbPool:      dbPool,
		dbEnabled:   dbEnabled,
		redisClient: redisClient,
		registry:    registry,
		ws:          ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.redisClient, a.registry, a.ws)

	srv := &http.Server{
		Addr:    a.cfg.HTTPAddr,
		Handler: WithRequestLogging(mux, a.log),

		// No Read/WriteTimeout: they would kill long-lived websocket
		// connections. Idle and header timeouts still bound abuse.
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.redisClient != nil,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
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

// chatStores groups the three persistence roles the engine depends on.
type chatStores struct {
	users    store.UserStore
	messages store.MessageStore
	groups   store.GroupStore
}

// newStores decides between Postgres-backed persistence and the in-memory dev store.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chatStores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := store.NewMemory()
		return nopStore{}, nil, false, chatStores{
			users:    mem.Users(),
			messages: mem.Messages(),
			groups:   mem.Groups(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, chatStores{}, err
	}

	pg, err := store.NewPostgres(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, chatStores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	return dbStore{pool: pool}, pool, true, chatStores{
		users:    pg.Users(),
		messages: pg.Messages(),
		groups:   pg.Groups(),
	}, nil
}

// newMailbox decides between the Redis-backed offline mailbox and the
// in-memory dev fallback. The returned client is nil in memory mode.
func newMailbox(ctx context.Context, cfg Config, log Logger) (*redis.Client, queue.Mailbox, error) {
	if cfg.RedisAddr == "" {
		log.Info("redis.disabled.inmemory_mailbox")
		return nil, queue.NewMemoryMailbox(queue.WithTTL(cfg.OfflineTTL)), nil
	}

	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	log.Info("redis.enabled.mailbox", "addr", cfg.RedisAddr)
	return client, queue.NewRedisMailbox(client, queue.WithRedisTTL(cfg.OfflineTTL)), nil
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
