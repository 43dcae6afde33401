package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polymirror/internal/blob/s3"
	"github.com/alanyoungcy/polymirror/internal/cache/redis"
	"github.com/alanyoungcy/polymirror/internal/config"
	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/notify"
	"github.com/alanyoungcy/polymirror/internal/server/handler"
	"github.com/alanyoungcy/polymirror/internal/store/memory"
	"github.com/alanyoungcy/polymirror/internal/store/postgres"
)

// redisKeyPrefix namespaces every key the service writes.
const redisKeyPrefix = "polymirror"

// Dependencies bundles the infrastructure the pipeline runs on. Stores are
// always set, backed by Postgres or by memory; the Redis and S3 parts are
// nil when disabled.
type Dependencies struct {
	Cursors  domain.CursorStore
	Ledger   domain.CopyOrderStore
	Balances domain.BalanceStore
	Audit    domain.AuditStore
	Durable  bool

	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	Archiver *s3blob.LedgerArchiver
	Notifier *notify.Notifier

	// Checks are the dependency probes behind GET /api/health.
	Checks map[string]handler.Check
}

// Wire connects to every enabled backend and returns the dependencies with a
// cleanup function that closes them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: int32(cfg.Postgres.PoolMaxConns),
			MinConns: int32(cfg.Postgres.PoolMinConns),
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w: %w", domain.ErrConfigurationFatal, err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pg.Pool()
		cursors := postgres.NewCursorStore(pool)
		if err := cursors.SyncWatched(ctx, watchedAddresses(cfg)); err != nil {
			return fail(fmt.Errorf("wire: sync watched addresses: %w", err))
		}
		deps.Cursors = cursors
		deps.Ledger = postgres.NewCopyOrderStore(pool)
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Durable = true
		deps.Checks["postgres"] = pg.Ping
	} else {
		logger.WarnContext(ctx, "postgres disabled: cursors and the order ledger live in memory only")
		deps.Cursors = memory.NewCursorStore()
		deps.Ledger = memory.NewCopyOrderStore()
		deps.Balances = memory.NewBalanceStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  redisKeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w: %w", domain.ErrConfigurationFatal, err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.EventBus = redis.NewEventBus(rc)
		deps.Checks["redis"] = rc.Ping
	}

	// --- S3 ledger archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w: %w", domain.ErrConfigurationFatal, err))
		}
		objects := s3blob.NewObjects(sc)
		deps.Archiver = s3blob.NewLedgerArchiver(
			objects,
			objects,
			deps.Ledger,
			deps.Audit,
			cfg.S3.Prefix,
			logger,
		)
		deps.Checks["s3"] = sc.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
