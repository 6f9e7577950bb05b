package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-twin/internal/api"
	"github.com/miradorstack/mirador-twin/internal/cache"
	"github.com/miradorstack/mirador-twin/internal/checkpoint"
	"github.com/miradorstack/mirador-twin/internal/config"
	"github.com/miradorstack/mirador-twin/internal/engine"
	"github.com/miradorstack/mirador-twin/internal/ingest"
	"github.com/miradorstack/mirador-twin/internal/metrics"
	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/repo"
	"github.com/miradorstack/mirador-twin/internal/scoring"
	"github.com/miradorstack/mirador-twin/internal/tracing"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting twin-enricher",
		slog.String("source", cfg.Source.Kind),
		slog.String("model", cfg.Model.Name),
		slog.String("stage", cfg.Model.Stage),
		slog.Duration("trigger", cfg.Scheduler.TriggerInterval),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Warn("tracing disabled", slog.Any("error", err))
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	graphLoader, err := repo.NewGraphDirectoryLoader(cfg.Directory.Location, cfg.Store.Timeout)
	if err != nil {
		logger.Error("invalid twin directory location", slog.Any("error", err))
		os.Exit(1)
	}
	directoryLoader := repo.NewCachedDirectoryLoader(graphLoader, cacheProvider, cfg.Directory.Location, cfg.Directory.RefreshInterval, logger)

	schema, err := ingest.NewSchema(cfg.Source.SchemaHint, cfg.Source.SourceID.Column)
	if err != nil {
		logger.Error("invalid feature schema", slog.Any("error", err))
		os.Exit(1)
	}
	sourceIDs, err := ingest.NewSourceIDResolver(cfg.Source.SourceID.FilenamePattern, cfg.Source.SourceID.Default)
	if err != nil {
		logger.Error("invalid source id pattern", slog.Any("error", err))
		os.Exit(1)
	}
	parser := ingest.NewCSVParser(schema, logger)

	store, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		logger.Error("failed to open checkpoint", slog.String("path", cfg.Checkpoint.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	if marks, err := store.Marks(); err == nil {
		logger.Info("checkpoint opened", slog.String("path", cfg.Checkpoint.Path), slog.Int("inputs", len(marks)))
	} else {
		logger.Warn("checkpoint marks unreadable", slog.Any("error", err))
	}

	source, err := buildSource(cfg, parser, store, sourceIDs, logger)
	if err != nil {
		logger.Error("failed to build record source", slog.Any("error", err))
		os.Exit(1)
	}
	defer source.Close()

	scorer, err := buildScorer(cfg, schema, logger)
	if err != nil {
		logger.Error("failed to build scorer", slog.Any("error", err))
		os.Exit(1)
	}

	graphStore, err := buildStore(ctx, cfg, graphLoader, logger)
	if err != nil {
		logger.Error("failed to build twin store", slog.Any("error", err))
		os.Exit(1)
	}

	reconciler := engine.NewReconciler(graphStore, engine.PatchFields{
		HealthField: cfg.Store.Patch.HealthField,
		Component:   cfg.Store.Patch.Component,
		FaultField:  cfg.Store.Patch.FaultField,
	}, logger)
	pipeline := engine.NewPipeline(logger, source, scorer, reconciler, cfg.Scheduler.ScoreWorkers)

	server, err := api.NewServer(cfg.Server)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	scheduler := engine.NewScheduler(pipeline, directoryLoader, engine.SchedulerOptions{
		Interval:         cfg.Scheduler.TriggerInterval,
		DirectoryRefresh: cfg.Directory.RefreshInterval,
		UnhealthyAfter:   cfg.Scheduler.UnhealthyAfter,
	}, server, logger)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("health server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- scheduler.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := <-schedulerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("scheduler stopped with error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}

	logger.Info("twin-enricher stopped")
}

func buildSource(cfg *config.Config, parser *ingest.CSVParser, store *checkpoint.Store, sourceIDs ingest.SourceIDResolver, logger *slog.Logger) (engine.Source, error) {
	fileOpts := ingest.FileSourceOptions{
		MaxFilesPerTrigger: cfg.Source.MaxFilesPerTrigger,
		SourceIDs:          sourceIDs,
	}
	switch cfg.Source.Kind {
	case "file":
		landing, err := ingest.NewLocalLanding(cfg.Source.Path, cfg.Source.Pattern)
		if err != nil {
			return nil, err
		}
		return ingest.NewFileSource(landing, parser, store, fileOpts, logger), nil
	case "s3":
		client, err := ingest.NewS3Client(cfg.Source.S3.Region, cfg.Source.S3.Endpoint)
		if err != nil {
			return nil, err
		}
		landing, err := ingest.NewS3Landing(client, cfg.Source.S3.Bucket, cfg.Source.S3.Prefix, cfg.Source.Pattern)
		if err != nil {
			return nil, err
		}
		return ingest.NewFileSource(landing, parser, store, fileOpts, logger), nil
	case "kafka":
		source, err := ingest.NewKafkaSource(ingest.KafkaOptions{
			Brokers:     cfg.Source.Kafka.Brokers,
			Topic:       cfg.Source.Kafka.Topic,
			GroupID:     cfg.Source.Kafka.GroupID,
			PollTimeout: cfg.Source.Kafka.PollTimeout,
			MaxMessages: cfg.Source.Kafka.MaxMessages,
			SourceIDs:   sourceIDs,
		}, parser, logger)
		if err != nil {
			return nil, err
		}
		return source, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
}

func buildScorer(cfg *config.Config, schema ingest.Schema, logger *slog.Logger) (scoring.Scorer, error) {
	fallback, ok := models.ParseLabel(cfg.Model.FallbackLabel)
	if !ok {
		return nil, fmt.Errorf("unknown fallback label %q", cfg.Model.FallbackLabel)
	}

	var model scoring.Model
	switch cfg.Model.Backend {
	case "registry":
		registry, err := scoring.NewRegistry(cfg.Model.RegistryPath, cfg.Model.RefreshInterval, logger)
		if err != nil {
			return nil, err
		}
		model = scoring.NewRegistryModel(registry, cfg.Model.Name, scoring.Stage(cfg.Model.Stage), schema.Fields)
	case "remote":
		remote, err := scoring.NewRemoteModel(scoring.RemoteOptions{
			Endpoint:   cfg.Model.Endpoint,
			Columns:    schema.Fields,
			Timeout:    cfg.Model.Timeout,
			MaxRetries: 2,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		model = remote
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
	return scoring.NewLabelScorer(model, len(schema.Fields), cfg.Model.NormalPrefixes, fallback), nil
}

func buildStore(ctx context.Context, cfg *config.Config, graph *repo.GraphDirectoryLoader, logger *slog.Logger) (engine.GraphStore, error) {
	switch cfg.Store.Kind {
	case "http":
		client, err := repo.NewTwinStoreClient(repo.TwinStoreOptions{
			Endpoint:          cfg.Store.Endpoint,
			Credential:        cfg.Store.Credential,
			APIVersion:        cfg.Store.APIVersion,
			Timeout:           cfg.Store.Timeout,
			MaxRetries:        cfg.Store.MaxRetries,
			RetryWaitMin:      cfg.Store.RetryWaitMin,
			RetryWaitMax:      cfg.Store.RetryWaitMax,
			RequestsPerSecond: cfg.Store.RequestsPerSecond,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "memory":
		seed, err := graph.LoadDirectory(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed memory store: %w", err)
		}
		logger.Info("using in-memory twin store", slog.Int("twins", len(seed)))
		return repo.NewMemoryStore(seed), nil
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
}
