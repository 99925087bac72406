package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otclabs/premarket/internal/bank"
	s3blob "github.com/otclabs/premarket/internal/blob/s3"
	"github.com/otclabs/premarket/internal/cache/redis"
	"github.com/otclabs/premarket/internal/config"
	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/notify"
	"github.com/otclabs/premarket/internal/store/memory"
	"github.com/otclabs/premarket/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	MarketStore domain.MarketStore
	OrderStore  domain.OrderStore
	AuditStore  domain.AuditStore

	// Ledgers. Currency holds the native currency; Tokens resolves the
	// per-token ledgers used at delivery time.
	Currency domain.TokenLedger
	Tokens   domain.TokenLedgerResolver
	Bank     *bank.Registry

	// Caches and coordination
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
//
// Dev mode replaces Postgres and Redis with in-memory equivalents; the event
// bus and WebSocket feed are unavailable there.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// The balance books. Every collateral deposit, refund, and payout in
	// the venue moves through these ledgers; the zero address keys the
	// native currency. Balances are process-local and start empty on boot:
	// orders persisted in Postgres that outlive the process reference
	// collateral this registry no longer holds, so a server/full restart
	// with live orders requires re-funding custody before settlements can
	// clear.
	deps.Bank = bank.NewRegistry()
	deps.Tokens = deps.Bank
	deps.Currency = deps.Bank.Bank(currencyToken)

	dev := strings.ToLower(cfg.Mode) == "dev"

	if dev {
		deps.MarketStore = memory.NewMarketStore()
		deps.OrderStore = memory.NewOrderStore()
		deps.AuditStore = memory.NewAuditStore()
		deps.LockManager = memory.NewLockManager()
		deps.RateLimiter = memory.NewRateLimiter()
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)

		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
	}

	// S3 blob storage, only when archival is on.
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.OrderStore,
			deps.AuditStore,
			deps.AuditStore,
		)
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
