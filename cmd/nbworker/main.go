package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/skyfold/nbworker/pkg/config"
	"github.com/skyfold/nbworker/pkg/gateway"
	"github.com/skyfold/nbworker/pkg/identity"
	"github.com/skyfold/nbworker/pkg/journal"
	"github.com/skyfold/nbworker/pkg/jupyter"
	"github.com/skyfold/nbworker/pkg/log"
	"github.com/skyfold/nbworker/pkg/metrics"
	"github.com/skyfold/nbworker/pkg/queue"
	"github.com/skyfold/nbworker/pkg/report"
	"github.com/skyfold/nbworker/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	workerID   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nbworker",
	Short: "nbworker - Notebook execution worker",
	Long: `nbworker executes Jupyter notebooks from a Redis job queue against
a remote JupyterHub environment.

Each worker claims one identity from a shared catalog, provisions and
authenticates that identity's lab pod, and processes notebook jobs on it
until shutdown or until the session is lost.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nbworker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	runCmd.Flags().StringVar(&workerID, "worker-id", "", "Stable worker identifier (default: hostname)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(identitiesCmd)
	rootCmd.AddCommand(jobsCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the notebook execution worker",
	Long: `Run the worker lifecycle: claim an identity, establish its lab
session, and process jobs until SIGINT/SIGTERM or a fatal session loss.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Logging.Level),
			JSONOutput: cfg.Logging.JSONOutput,
		})
		metrics.SetVersion(Version)

		id := workerID
		if id == "" {
			if hostname, err := os.Hostname(); err == nil {
				id = hostname
			} else {
				id = "nbworker-" + uuid.NewString()[:8]
			}
		}
		logger := log.WithWorkerID(id)
		logger.Info().
			Str("version", Version).
			Str("queue", cfg.Worker.QueueName).
			Msg("Starting notebook execution worker")

		runtime, cleanup, err := buildRuntime(cfg, id)
		if err != nil {
			return err
		}
		defer cleanup()

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Addr)
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error().Err(err).Msg("Metrics server failed")
				}
			}()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Stop(stopCtx)
			}()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			cancel()
		}()

		return runtime.Run(ctx)
	},
}

// buildRuntime wires the worker's collaborators from configuration. The
// returned cleanup closes everything that outlives construction.
func buildRuntime(cfg *config.Config, id string) (*worker.Runtime, func(), error) {
	logger := log.WithWorkerID(id)

	registry, err := identity.LoadRegistry(cfg.Worker.IdentitiesPath)
	if err != nil {
		return nil, nil, err
	}

	queueRedis := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lockRedis := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.LockDB,
	})

	var strategy identity.Strategy
	switch cfg.Worker.ClaimStrategy {
	case config.ClaimStrategyOrdinal:
		strategy, err = identity.NewOrdinalStrategy(registry, cfg.Worker.Ordinal)
		if err != nil {
			return nil, nil, err
		}
	default:
		locker := identity.NewRedsyncLocker(lockRedis, cfg.Worker.QueueName+":identity:")
		strategy = identity.NewLockStrategy(registry, locker, cfg.Worker.LockLeaseTTL, cfg.Worker.Ordinal, logger)
	}

	jrnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, nil, err
	}

	consumer := queue.NewConsumer(queue.Options{
		Client:            queueRedis,
		QueueName:         cfg.Worker.QueueName,
		WorkerID:          id,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		Logger:            logger,
	})

	issuer := gateway.NewClient(cfg.Environment.BaseURL, cfg.Environment.GatewayToken, cfg.Jupyter.RequestTimeout)
	catalog := jupyter.NewImagesClient(
		cfg.Environment.BaseURL,
		cfg.Environment.ControllerPathPrefix,
		cfg.Environment.GatewayToken,
		cfg.Jupyter.RequestTimeout,
	)

	runtime := worker.New(worker.Options{
		Config:   cfg,
		WorkerID: id,
		Strategy: strategy,
		Issuer:   issuer,
		Catalog:  catalog,
		Jobs:     consumer,
		Journal:  jrnl,
		Reporter: report.NewClient(cfg.Report.WebhookURL, logger),
		NewLabClient: func(labID identity.Identity, credential string) (worker.LabClient, error) {
			return jupyter.NewClient(jupyter.Options{
				IdentityName:   labID.Name,
				Token:          credential,
				BaseURL:        cfg.Environment.BaseURL,
				HubPrefix:      cfg.Environment.HubPathPrefix,
				RequestTimeout: cfg.Jupyter.RequestTimeout,
				GoneStatusMin:  cfg.Jupyter.GoneStatusMin,
				GoneStatusMax:  cfg.Jupyter.GoneStatusMax,
				Logger:         log.WithIdentity(labID.Name),
			})
		},
		Logger: logger,
	})

	cleanup := func() {
		if err := jrnl.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close journal")
		}
		_ = queueRedis.Close()
		_ = lockRedis.Close()
	}
	return runtime, cleanup, nil
}
