package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/trainers/services/registration/config"
	"example.com/trainers/services/registration/internal/cache"
	"example.com/trainers/services/registration/internal/messaging"
	"example.com/trainers/services/registration/internal/metrics"
	"example.com/trainers/services/registration/internal/repository"
	"example.com/trainers/services/registration/internal/search"
	"example.com/trainers/services/registration/internal/service"
	"example.com/trainers/services/registration/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker running the rate-limit sweep and the capacity reconciliation fallback`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Close()

	// Initialize audit event publisher
	publisher, err := messaging.NewPublisher(cfg.Azure)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Service Bus publisher, continuing without event publishing")
		publisher = nil
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search indexing")
		elasticClient = nil
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repository and services
	repo := repository.New(db, readOnlyDB, metricsCollector)
	registrationService := service.NewRegistrationService(repo, redisCache, publisher, elasticClient, metricsCollector, tracer)
	rateLimitService := service.NewRateLimitService(repo, metricsCollector)

	// Start the maintenance scheduler
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Garbage-collect expired rate limit records. The hot path never
		// depends on this; it only bounds the table's growth.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.RateLimitSweepInterval),
			gocron.NewTask(func() {
				if _, err := rateLimitService.SweepExpired(ctx, cfg.Worker.RateLimitSweepBatch); err != nil {
					log.Error().Err(err).Msg("Failed to sweep expired rate limit records")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Fallback reconciliation pass over open events. Every registration
		// already repairs the invariant in its own transaction; this job
		// catches operator-driven drift such as a capacity edit or removal.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.ReconcileInterval),
			gocron.NewTask(func() {
				log.Info().Msg("Running fallback capacity reconciliation")
				if err := registrationService.ReconcileOpenEvents(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to reconcile open events")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
