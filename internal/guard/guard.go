// Package guard assembles the security subsystem: one backing store, the
// event stream, the encryption engine, trust classification, rate limiting,
// verification, the activity monitor and the wallet-key vault.
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/keyguard/internal/circuitbreaker"
	"github.com/mbd888/keyguard/internal/config"
	"github.com/mbd888/keyguard/internal/encryption"
	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/health"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/monitor"
	"github.com/mbd888/keyguard/internal/ratelimit"
	"github.com/mbd888/keyguard/internal/retry"
	"github.com/mbd888/keyguard/internal/trust"
	"github.com/mbd888/keyguard/internal/userdir"
	"github.com/mbd888/keyguard/internal/verifier"
	"github.com/mbd888/keyguard/internal/walletkeys"
	"github.com/mbd888/keyguard/migrations"
)

// Backend names reported in logs, metrics and /health.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const (
	// sweepInterval paces deletion of expired rows on the Postgres backend.
	sweepInterval = 10 * time.Minute
	// memoryEventCapacity bounds the event history kept without Postgres.
	memoryEventCapacity = 10000
)

// connectRetry covers a database that is still starting next to us.
var connectRetry = retry.Policy{Attempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}

// EventLister serves the recent-events admin view.
type EventLister interface {
	ListRecent(ctx context.Context, limit int) ([]events.SecurityEvent, error)
}

// Guard owns every component and their lifecycles.
type Guard struct {
	cfg    *config.Config
	logger *slog.Logger

	backend string
	store   kvstore.Store
	raw     kvstore.Store
	db      *sql.DB
	pgStore *kvstore.PostgresStore
	breaker *circuitbreaker.Breaker

	sink   events.Sink
	recent EventLister
	writer *events.AsyncWriter

	engine     *encryption.Engine
	classifier *trust.Classifier
	limiter    *ratelimit.Limiter
	verifier   *verifier.Verifier
	emergency  *monitor.Emergency
	monitor    *monitor.Monitor
	vault      *walletkeys.Vault
	health     *health.Registry

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New connects the configured backends and builds every component. It does
// not start background work; call Start.
//
// Backend choice: Redis when REDIS_URL is set, else Postgres when
// DATABASE_URL is set, else the in-process memory store. Outside production
// an unreachable backend degrades to memory with an error log; in
// production it fails startup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{cfg: cfg, logger: logger, health: health.NewRegistry()}

	if err := g.openDatabase(ctx); err != nil {
		if cfg.IsProduction() {
			return nil, err
		}
		logger.Error("database unavailable, continuing without it", "error", err)
	}
	if err := g.openStore(ctx); err != nil {
		g.closeDatabase()
		return nil, err
	}
	g.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown).
		OnTransition(func(name string, from, to circuitbreaker.State) {
			logger.Warn("store circuit breaker transition", "backend", name, "from", from.String(), "to", to.String())
		})
	g.store = kvstore.Instrument(
		kvstore.WithBreaker(kvstore.WithTimeout(g.raw, cfg.StoreTimeout), g.breaker, g.backend),
		g.backend,
	)
	g.health.Register("store", health.PingCheck("store:"+g.backend, g.store))

	g.buildEvents()

	masterKey, err := encryption.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		g.closeBackends()
		return nil, fmt.Errorf("guard: master key: %w", err)
	}
	g.engine, err = encryption.New(masterKey, encryption.Options{
		Rounds:  cfg.PBKDF2Rounds,
		Workers: int64(cfg.CryptoWorkers),
		Store:   g.store,
		Sink:    g.sink,
		Logger:  logger,
	})
	if err != nil {
		g.closeBackends()
		return nil, fmt.Errorf("guard: encryption engine: %w", err)
	}
	g.health.RegisterInfo("master_key", func(context.Context) health.Status {
		if g.engine.Ephemeral() {
			return health.Status{Name: "master_key", Healthy: false, Detail: "ephemeral key: secrets will not survive a restart"}
		}
		return health.Status{Name: "master_key", Healthy: true}
	})

	var dir userdir.Directory = userdir.NewMemoryDirectory()
	if g.db != nil {
		dir = userdir.NewPostgresDirectory(g.db)
	}
	g.classifier = trust.NewClassifier(dir, g.sink, logger).WithTimeout(cfg.TrustLookupTimeout)
	g.limiter = ratelimit.New(g.store, g.classifier, g.sink, logger)
	g.verifier = verifier.New(g.limiter, g.store, g.sink, logger).WithLocation(cfg.Location())
	g.emergency = monitor.NewEmergency(g.store, cfg.EmergencyTTL, g.sink, logger)
	g.monitor = monitor.New(g.store, g.emergency, g.sink, logger, monitor.WithInterval(cfg.MonitorInterval))
	g.vault = walletkeys.New(walletkeys.Config{
		Store:     g.store,
		Engine:    g.engine,
		Verifier:  g.verifier,
		Emergency: g.emergency,
		Failures:  g.monitor,
		Sink:      g.sink,
		Logger:    logger,
	})

	logger.Info("security subsystem ready",
		"backend", g.backend,
		"persistent_events", g.writer != nil,
		"ephemeral_key", g.engine.Ephemeral(),
		"timezone", cfg.Location().String(),
	)
	return g, nil
}

func (g *Guard) openDatabase(ctx context.Context) error {
	if g.cfg.DatabaseURL == "" {
		return nil
	}
	db, err := sql.Open("postgres", g.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("guard: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := connectRetry
	p.OnRetry = func(attempt int, err error) {
		g.logger.Warn("database not reachable yet", "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, p, db.PingContext); err != nil {
		_ = db.Close()
		return fmt.Errorf("guard: connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("guard: %w", err)
	}
	g.db = db
	g.health.Register("database", health.PingCheck("postgres", dbPinger{db}))
	g.logger.Info("using PostgreSQL", "url", maskDSN(g.cfg.DatabaseURL))
	return nil
}

func (g *Guard) openStore(ctx context.Context) error {
	if g.cfg.RedisURL != "" {
		rs, err := kvstore.OpenRedis(ctx, g.cfg.RedisURL, g.cfg.RedisPrefix)
		if err == nil {
			g.raw, g.backend = rs, BackendRedis
			g.logger.Info("using Redis store", "url", maskDSN(g.cfg.RedisURL), "prefix", g.cfg.RedisPrefix)
			return nil
		}
		if g.cfg.IsProduction() {
			return fmt.Errorf("guard: redis: %w", err)
		}
		g.logger.Error("redis unavailable, falling back", "error", err)
	}
	if g.db != nil {
		g.pgStore = kvstore.NewPostgresStore(g.db)
		g.raw, g.backend = g.pgStore, BackendPostgres
		g.logger.Info("using PostgreSQL store")
		return nil
	}
	g.raw, g.backend = kvstore.NewMemoryStore(), BackendMemory
	g.logger.Warn("using in-memory store: counters and emergency state are per-process and lost on restart")
	return nil
}

func (g *Guard) buildEvents() {
	logSink := events.NewLogSink(g.logger)
	if g.db != nil {
		pg := events.NewPostgresStore(g.db)
		g.writer = events.NewAsyncWriter(pg, g.logger)
		g.sink = events.Multi(logSink, g.writer)
		g.recent = pg
		return
	}
	mem := events.NewBoundedMemorySink(memoryEventCapacity)
	g.sink = events.Multi(logSink, mem)
	g.recent = mem
}

// Start launches the event writer, the activity monitor and, on the
// Postgres backend, the expiry sweeper. Calling it again is a no-op.
func (g *Guard) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		ctx, g.cancel = context.WithCancel(ctx)

		if g.writer != nil {
			g.spawn(func() { g.writer.Start(ctx) })
		}
		g.spawn(func() { g.monitor.Start(ctx) })
		if g.pgStore != nil {
			g.spawn(func() { g.sweep(ctx) })
		}
	})
}

func (g *Guard) spawn(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *Guard) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.pgStore.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Warn("expired key sweep failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Debug("expired keys swept", "rows", n)
			}
		}
	}
}

// Close stops background work, flushes pending events and releases the
// backends. Safe to call more than once.
func (g *Guard) Close() error {
	g.closeOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.monitor.Stop()
		if g.writer != nil {
			g.writer.Stop()
		}
		g.wg.Wait()
		g.closeBackends()
		g.logger.Info("security subsystem stopped")
	})
	return nil
}

func (g *Guard) closeBackends() {
	if g.raw != nil {
		if err := g.raw.Close(); err != nil {
			g.logger.Error("store close error", "error", err)
		}
	}
	g.closeDatabase()
}

func (g *Guard) closeDatabase() {
	if g.db == nil {
		return
	}
	if err := g.db.Close(); err != nil {
		g.logger.Error("database close error", "error", err)
	}
}

func (g *Guard) Backend() string { return g.backend }
func (g *Guard) Store() kvstore.Store { return g.store }
func (g *Guard) Breaker() *circuitbreaker.Breaker { return g.breaker }
func (g *Guard) Sink() events.Sink { return g.sink }
func (g *Guard) Events() EventLister { return g.recent }
func (g *Guard) Engine() *encryption.Engine { return g.engine }
func (g *Guard) Classifier() *trust.Classifier { return g.classifier }
func (g *Guard) Limiter() *ratelimit.Limiter { return g.limiter }
func (g *Guard) Verifier() *verifier.Verifier { return g.verifier }
func (g *Guard) Emergency() *monitor.Emergency { return g.emergency }
func (g *Guard) Monitor() *monitor.Monitor { return g.monitor }
func (g *Guard) Vault() *walletkeys.Vault { return g.vault }
func (g *Guard) Health() *health.Registry { return g.health }
func (g *Guard) EventWriter() *events.AsyncWriter { return g.writer }

// dbPinger adapts *sql.DB to health.Pinger.
type dbPinger struct{ db *sql.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// maskDSN hides the password in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
