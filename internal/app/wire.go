package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/nftbook/internal/blob/s3"
	"github.com/alanyoungcy/nftbook/internal/cache/redis"
	"github.com/alanyoungcy/nftbook/internal/chain"
	"github.com/alanyoungcy/nftbook/internal/config"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/notify"
	"github.com/alanyoungcy/nftbook/internal/retry"
	"github.com/alanyoungcy/nftbook/internal/server"
	"github.com/alanyoungcy/nftbook/internal/store/memory"
	"github.com/alanyoungcy/nftbook/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Orders      domain.OrderStore
	Fills       domain.FillStore
	TokenSets   domain.TokenSetStore
	Aggregates  domain.AggregateStore
	Balances    domain.BalanceStore
	Collections domain.CollectionStore
	CrossPosts  domain.CrossPostStore
	Sources     domain.SourceStore
	Cursors     domain.CursorStore
	Audit       domain.AuditStore

	// Caches
	Queue          domain.TaskQueue
	RateLimiter    domain.RateLimiter
	Locks          domain.LockManager
	AggregateCache domain.AggregateCache
	PriceCache     domain.PriceCache
	Feed           domain.AggregateFeed

	// Artifacts is nil when object storage is not configured.
	Artifacts domain.ArtifactStore

	Chain    *chain.Client
	Notifier *notify.Notifier
	Registry *prometheus.Registry

	// Checks are the dependency checks served on /healthz.
	Checks map[string]server.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]server.Check)}

	// --- Relational store: PostgreSQL when configured, memory otherwise ---
	if cfg.Postgres.Enabled() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Postgres.DSN,
			Host:             cfg.Postgres.Host,
			Port:             cfg.Postgres.Port,
			Database:         cfg.Postgres.Database,
			User:             cfg.Postgres.User,
			Password:         cfg.Postgres.Password,
			SSLMode:          cfg.Postgres.SSLMode,
			MaxConns:         cfg.Postgres.PoolMaxConns,
			MinConns:         cfg.Postgres.PoolMinConns,
			StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
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
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Fills = postgres.NewFillStore(pool)
		deps.TokenSets = postgres.NewTokenSetStore(pool)
		deps.Aggregates = postgres.NewAggregateStore(pool)
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.Collections = postgres.NewCollectionStore(pool)
		deps.CrossPosts = postgres.NewCrossPostStore(pool)
		deps.Sources = postgres.NewSourceStore(pool)
		deps.Cursors = postgres.NewCursorStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pool.Ping
	} else {
		logger.Warn("postgres not configured, using in-memory store")
		db := memory.New()
		deps.Orders = db.Orders()
		deps.Fills = db.Fills()
		deps.TokenSets = db.TokenSets()
		deps.Aggregates = db.Aggregates()
		deps.Balances = db.Balances()
		deps.Collections = db.Collections()
		deps.CrossPosts = db.CrossPosts()
		deps.Sources = db.Sources()
		deps.Cursors = db.Cursors()
		deps.Audit = db.Audit()
	}

	// --- Redis ---
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

	deps.Queue = redis.NewTaskQueue(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.AggregateCache = redis.NewAggregateCache(redisClient, cfg.Redis.AggregateTTL.Duration)
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.Feed = redis.NewAggregateFeed(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 blob storage (optional) ---
	if cfg.S3.Enabled() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Artifacts = s3blob.NewStore(s3Client)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Chain node ---
	chainClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:        cfg.Chain.RPCURL,
		ChainID:       cfg.Chain.ChainID,
		MaxLogRange:   cfg.Chain.MaxLogRange,
		Retry:         retryPolicy(cfg.Chain.RetryAttempts),
		TraceDisabled: cfg.Chain.TraceDisabled,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	closers = append(closers, chainClient.Close)
	deps.Chain = chainClient

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Quiet.Duration, logger)

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return deps, cleanup, nil
}

func retryPolicy(attempts int) retry.Policy {
	p := retry.DefaultPolicy
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	return p
}
