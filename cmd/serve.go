package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/api"
	blobgcs "github.com/tidecrawl/tidecrawl/internal/blob/gcs"
	blobmem "github.com/tidecrawl/tidecrawl/internal/blob/memory"
	"github.com/tidecrawl/tidecrawl/internal/clock/system"
	"github.com/tidecrawl/tidecrawl/internal/config"
	coordmem "github.com/tidecrawl/tidecrawl/internal/coord/memory"
	"github.com/tidecrawl/tidecrawl/internal/core"
	"github.com/tidecrawl/tidecrawl/internal/extract"
	"github.com/tidecrawl/tidecrawl/internal/fetch"
	"github.com/tidecrawl/tidecrawl/internal/hash/sha256"
	iduuid "github.com/tidecrawl/tidecrawl/internal/id/uuid"
	indexmem "github.com/tidecrawl/tidecrawl/internal/index/memory"
	ledgermem "github.com/tidecrawl/tidecrawl/internal/ledger/memory"
	ledgerpg "github.com/tidecrawl/tidecrawl/internal/ledger/postgres"
	"github.com/tidecrawl/tidecrawl/internal/logging"
	publishmem "github.com/tidecrawl/tidecrawl/internal/publish/memory"
	publishps "github.com/tidecrawl/tidecrawl/internal/publish/pubsub"
	"github.com/tidecrawl/tidecrawl/internal/retry"
	"github.com/tidecrawl/tidecrawl/internal/scheduler"
	"github.com/tidecrawl/tidecrawl/internal/sitemap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the request scheduler.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	clk := system.New()
	idGen := iduuid.New()
	hasher := sha256.New()

	ledger, closeLedger, err := buildLedger(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeLedger()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	coord := coordmem.New(coordmem.Config{
		DomainRPS:   cfg.Coord.DomainRPS,
		DomainBurst: cfg.Coord.DomainBurst,
	}, clk)

	direct, err := fetch.NewCollyFetcher(fetch.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	var renderer core.Renderer
	if cfg.Headless.Enabled {
		r, err := fetch.NewChromedpRenderer(fetch.RendererConfig{
			MaxParallel: cfg.Headless.MaxParallel,
			NavTimeout:  time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			DomainQPS:   cfg.Headless.DomainQPS,
			UserAgent:   cfg.Fetch.UserAgent,
		}, logger)
		if err != nil {
			return fmt.Errorf("init renderer: %w", err)
		}
		renderer = r
		defer func() { _ = r.Close(context.Background()) }()
	}
	detector := fetch.NewHeuristicDetector(cfg.Headless.DetectMinBytes, nil)
	fetcher := fetch.New(direct, renderer, detector, logger)

	index := indexmem.New()
	registry := extract.Default()
	retryCtl := retry.New(
		time.Duration(cfg.Scheduler.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Scheduler.BackoffMaxMs)*time.Millisecond,
	)
	walker := sitemap.New(ledger, fetcher, idGen, clk, sitemap.Config{
		MaxChildren:     cfg.Sitemap.MaxChildren,
		MaxDepth:        cfg.Sitemap.MaxDepth,
		ChildMaxAttempt: cfg.Scheduler.DefaultMaxAttempt,
		FetchTimeout:    cfg.FetchTimeout(),
	}, logger)

	executor := scheduler.NewExecutor(scheduler.ExecutorDeps{
		Ledger:       ledger,
		Coord:        coord,
		Fetcher:      fetcher,
		Blobs:        blobs,
		Registry:     registry,
		Index:        index,
		Walker:       walker,
		Publisher:    publisher,
		Retry:        retryCtl,
		Hasher:       hasher,
		Clock:        clk,
		Logger:       logger,
		FetchTimeout: cfg.FetchTimeout(),
		LockTTL:      cfg.LockTTL(),
		LockRenew:    time.Duration(cfg.Scheduler.LockRenewSec) * time.Second,
	})

	sched := scheduler.New(ledger, coord, executor, clk, scheduler.Config{
		Concurrency:   cfg.Scheduler.Concurrency,
		PriorityTiers: cfg.Scheduler.PriorityTiers,
		BatchSize:     cfg.Scheduler.BatchSize,
		PollInterval:  time.Duration(cfg.Scheduler.PollIntervalMs) * time.Millisecond,
		StaleRunning:  time.Duration(cfg.Scheduler.StaleRunningSec) * time.Second,
		RecoverySweep: time.Duration(cfg.Scheduler.RecoverySweepSec) * time.Second,
		LockTTL:       cfg.LockTTL(),
	}, logger)

	server := api.NewServer(ledger, sched, idGen, clk, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		<-schedDone
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	<-schedDone
	return nil
}

func buildLedger(ctx context.Context, cfg config.Config, clk core.Clock) (core.Ledger, func(), error) {
	if cfg.DB.DSN == "" {
		return ledgermem.New(clk), func() {}, nil
	}
	pg, err := ledgerpg.New(ctx, ledgerpg.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres ledger: %w", err)
	}
	return pg, pg.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (core.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return blobgcs.New(client, blobgcs.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
	default:
		return blobmem.New(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (core.Publisher, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("pubsub not configured, recording events in memory")
		return publishmem.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	return publishps.New(client.Topic(cfg.PubSub.TopicName)), nil
}
