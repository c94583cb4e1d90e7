package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftbook/internal/aggregates"
	"github.com/alanyoungcy/nftbook/internal/archive"
	"github.com/alanyoungcy/nftbook/internal/attribution"
	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/crosspost"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
	"github.com/alanyoungcy/nftbook/internal/ingest"
	"github.com/alanyoungcy/nftbook/internal/jobs"
	"github.com/alanyoungcy/nftbook/internal/notify"
	"github.com/alanyoungcy/nftbook/internal/orders"
	"github.com/alanyoungcy/nftbook/internal/pricing"
	"github.com/alanyoungcy/nftbook/internal/protocols"
	"github.com/alanyoungcy/nftbook/internal/server"
	"github.com/alanyoungcy/nftbook/internal/sources"
	"github.com/alanyoungcy/nftbook/internal/tokensets"
	"github.com/alanyoungcy/nftbook/internal/trace"
)

// components are the domain services built on top of Dependencies.
type components struct {
	classifier *events.Classifier
	applier    *events.Applier
	maintainer *aggregates.Maintainer
	book       *orders.Book
	worker     *jobs.OrderWorker
	corrector  *fills.Corrector
	// exporter is nil unless the fill archive is enabled.
	exporter *archive.FillExporter
}

func (a *App) build(deps *Dependencies) (*components, error) {
	cfg := a.cfg
	logger := a.base

	registry := sources.NewRegistry(deps.Sources, cfg.Sources.CacheSize, cfg.Sources.CacheTTL.Duration)

	var routers []attribution.Router
	for _, rc := range cfg.Routers {
		r, err := attribution.NewRouter(rc.Address, rc.Domain, rc.Name, rc.ABI, rc.RecipientArg)
		if err != nil {
			return nil, fmt.Errorf("app: router %s: %w", rc.Address, err)
		}
		routers = append(routers, r)
	}
	attr := attribution.NewResolver(registry, routers, logger)

	quotes := pricing.NewClient(cfg.Pricing.BaseURL, cfg.Pricing.APIKey, cfg.Pricing.Timeout.Duration, retryPolicy(cfg.Chain.RetryAttempts))
	oracle := pricing.NewOracle(quotes, deps.PriceCache, cfg.Chain.Native, cfg.Chain.WETH, logger)

	reconciler := fills.NewReconciler(oracle, attr, deps.Orders, logger)

	// Traces are archived only when a bucket is configured.
	traces := trace.NewResolver(deps.Chain, deps.Artifacts, logger)

	addrs := cfg.Chain.Addresses
	table := protocols.Handlers(protocols.Deps{
		Addresses: protocols.Addresses{
			Seaport:     common.HexToAddress(addrs.Seaport),
			Blur:        common.HexToAddress(addrs.Blur),
			BlurV2:      common.HexToAddress(addrs.BlurV2),
			ZeroExV4:    common.HexToAddress(addrs.ZeroExV4),
			LooksRareV2: common.HexToAddress(addrs.LooksRareV2),
			X2Y2:        common.HexToAddress(addrs.X2Y2),
			WETH:        common.HexToAddress(cfg.Chain.WETH),
		},
		Reconciler: reconciler,
		Orders:     deps.Orders,
	})
	classifier, err := events.NewClassifier(table, traces, logger)
	if err != nil {
		return nil, fmt.Errorf("app: classifier: %w", err)
	}

	maintainer := aggregates.NewMaintainer(deps.Orders, deps.Aggregates, deps.Balances, deps.Queue,
		aggregates.Config{Debounce: cfg.Jobs.CollectionDebounce.Duration},
		logger,
		aggregates.WithCache(deps.AggregateCache),
		aggregates.WithLocks(deps.Locks),
		aggregates.WithFeed(deps.Feed),
	)

	conduits := make(map[common.Hash]common.Address, len(cfg.Chain.Conduits))
	for key, addr := range cfg.Chain.Conduits {
		conduits[common.HexToHash(key)] = common.HexToAddress(addr)
	}
	chainID := cfg.Chain.ChainID
	book := orders.NewBook(orders.Codecs{
		Seaport: codec.NewSeaportCodec(codec.Deployment{
			ChainID:  chainID,
			Exchange: common.HexToAddress(addrs.Seaport),
		}, conduits),
		Blur: codec.NewBlurCodec(codec.Deployment{
			ChainID:  chainID,
			Exchange: common.HexToAddress(addrs.Blur),
			Operator: common.HexToAddress(addrs.BlurOperator),
		}),
		ZeroExV4: codec.NewZeroExV4Codec(codec.Deployment{
			ChainID:  chainID,
			Exchange: common.HexToAddress(addrs.ZeroExV4),
		}),
		LooksRare: codec.NewLooksRareV2Codec(codec.Deployment{
			ChainID:  chainID,
			Exchange: common.HexToAddress(addrs.LooksRareV2),
			Operator: common.HexToAddress(addrs.LooksRareOp),
		}, common.HexToAddress(addrs.LooksRareFeeRecv)),
	}, orders.Deps{
		Orders:      deps.Orders,
		Collections: deps.Collections,
		TokenSets:   tokensets.NewResolver(deps.TokenSets),
		Chain:       deps.Chain,
		Prices:      oracle,
		Sources:     registry,
		Queue:       deps.Queue,
		Wrapped:     common.HexToAddress(cfg.Chain.WETH),
		Workers:     cfg.Normalizer.Workers,
		Now:         time.Now,
		Logger:      logger,
	})

	c := &components{
		classifier: classifier,
		applier:    events.NewApplier(deps.Orders, deps.Fills, deps.Balances, deps.Queue, logger),
		maintainer: maintainer,
		book:       book,
		worker: jobs.NewOrderWorker(jobs.OrderWorkerDeps{
			Orders:      deps.Orders,
			TokenSets:   deps.TokenSets,
			Aggregates:  deps.Aggregates,
			Collections: deps.Collections,
			Queue:       deps.Queue,
			Checker:     orders.NewChecker(deps.Chain),
			Kinds:       deps.Chain,
			SweepLimit:  cfg.Jobs.SweepLimit,
			Logger:      logger,
		}),
		corrector: fills.NewCorrector(deps.Fills, deps.Queue, deps.Audit, logger),
	}
	if cfg.Archive.Enabled && deps.Artifacts != nil {
		c.exporter = archive.NewFillExporter(deps.Fills, deps.Artifacts, deps.Audit, cfg.Archive.PartSizeMB<<20, logger)
	}
	return c, nil
}

// IngestMode follows the chain and applies classified events.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")
	c, err := a.build(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startSyncer(ctx, g, deps, c)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// WorkerMode consumes the job queues.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	c, err := a.build(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	runner := a.newRunner(deps, c)
	g.Go(func() error { return runner.Run(ctx) })
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs ingest and workers in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	c, err := a.build(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startSyncer(ctx, g, deps, c)
	runner := a.newRunner(deps, c)
	g.Go(func() error { return runner.Run(ctx) })
	a.startServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startSyncer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	syncer := ingest.NewSyncer(deps.Chain, c.classifier, c.applier, deps.Cursors, deps.Notifier, ingest.Config{
		FromBlock:     a.cfg.Ingest.FromBlock,
		BatchBlocks:   a.cfg.Ingest.BatchBlocks,
		Confirmations: a.cfg.Ingest.Confirmations,
		PollInterval:  a.cfg.Ingest.PollInterval.Duration,
		StallAfter:    a.cfg.Ingest.StallAfter.Duration,
	}, a.base)
	g.Go(func() error { return syncer.Run(ctx) })
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	srv := server.NewServer(server.Config{Addr: a.cfg.Metrics.Addr}, deps.Registry, deps.Checks, a.base)
	g.Go(func() error { return srv.Run(ctx) })
}

// newRunner registers every queue this process serves.
func (a *App) newRunner(deps *Dependencies, c *components) *jobs.Runner {
	cfg := a.cfg.Jobs
	runner := jobs.NewRunner(deps.Queue, jobs.Config{
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay.Duration,
		Lease:        cfg.Lease.Duration,
		PollInterval: cfg.PollInterval.Duration,
	}, jobs.NewMetrics(deps.Registry), a.base)

	register := func(name string, concurrency int, h jobs.Handler) {
		runner.Register(a.reportFailure(deps, jobs.Queue{
			Name:        name,
			Concurrency: concurrency,
			Handler:     h,
		}))
	}

	register(domain.QueueOrderUpdatesByID, cfg.QueueConcurrency(domain.QueueOrderUpdatesByID, 1), jobs.HandlerFunc(c.worker.ByID))
	register(domain.QueueOrderUpdatesByMaker, cfg.QueueConcurrency(domain.QueueOrderUpdatesByMaker, 1), jobs.HandlerFunc(c.worker.ByMaker))
	register(domain.QueueOrderExpiry, 1, jobs.HandlerFunc(c.worker.SweepExpired))
	runner.Every(cfg.ExpiryInterval.Duration, domain.ExpirySweepTask)

	// Aggregate queues stay single-worker so recomputes of one key never race
	// within a process.
	register(domain.QueueTokenAggregates, 1, jobs.TokenAggregates(c.maintainer))
	register(domain.QueueCollectionAggregates, 1, jobs.CollectionAggregates(c.maintainer))

	register(domain.QueueMetadataRefresh, cfg.QueueConcurrency(domain.QueueMetadataRefresh, 1),
		jobs.MetadataRefresh(deps.Chain, deps.Collections, a.base))
	register(domain.QueueOrderSubmissions, cfg.QueueConcurrency(domain.QueueOrderSubmissions, 1),
		jobs.OrderSubmissions(c.book, deps.Queue))
	register(domain.QueueFillCorrections, 1, jobs.FillCorrections(c.corrector))

	if c.exporter != nil {
		register(domain.QueueFillExport, 1, jobs.HandlerFunc(c.exporter.Handle))
		runner.Every(24*time.Hour, func() domain.JobTask {
			return domain.FillExportTask(time.Now().UTC().AddDate(0, 0, -1))
		})
	}

	metrics := crosspost.NewMetrics(deps.Registry)
	for _, d := range a.cfg.CrossPost.Destinations {
		var dest *crosspost.HTTPDestination
		switch d.Kind {
		case "opensea":
			dest = crosspost.OpenSea(d.BaseURL, d.APIKey, d.KeyID)
		case "looks-rare":
			dest = crosspost.LooksRare(d.BaseURL, d.APIKey, d.KeyID)
		default:
			a.logger.Warn("skipping unknown crosspost destination", slog.String("kind", d.Kind))
			continue
		}
		poster := crosspost.NewPoster(dest, crosspost.Limit{
			Capacity: d.RateCapacity,
			Window:   d.RateWindow.Duration,
		}, crosspost.PosterDeps{
			Orders:   deps.Orders,
			Statuses: deps.CrossPosts,
			Limiter:  deps.RateLimiter,
			Queue:    deps.Queue,
			Alerter:  deps.Notifier,
			Metrics:  metrics,
			Logger:   a.base,
		})
		concurrency := d.Concurrency
		if concurrency <= 0 {
			concurrency = 5
		}
		runner.Register(poster.Queue(concurrency))
	}
	return runner
}

// reportFailure records and notifies operators when a task of q fails for good.
func (a *App) reportFailure(deps *Dependencies, q jobs.Queue) jobs.Queue {
	next := q.OnTerminal
	q.OnTerminal = func(ctx context.Context, task domain.JobTask, out jobs.Outcome) {
		if next != nil {
			next(ctx, task, out)
		}
		if out.Kind == jobs.KindSuccess {
			return
		}
		msg := fmt.Sprintf("task %s on %s: %s", task.ID, task.Queue, out.Describe())
		if err := deps.Audit.Record(ctx, domain.AuditEntry{
			Kind:    domain.AuditJobFailed,
			Subject: task.Queue + "/" + task.ID,
			Detail:  map[string]any{"outcome": out.Kind.String(), "reason": out.Describe(), "retries": task.RetryCount},
		}); err != nil {
			a.logger.WarnContext(ctx, "job failure audit failed", slog.String("error", err.Error()))
		}
		if err := deps.Notifier.Notify(ctx, notify.EventJobFailed, "Job failed", msg); err != nil {
			a.logger.WarnContext(ctx, "job failure alert failed", slog.String("error", err.Error()))
		}
	}
	return q
}
