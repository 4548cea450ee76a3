package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxlabs/sandboxd/internal/api"
	"github.com/sandboxlabs/sandboxd/internal/config"
	"github.com/sandboxlabs/sandboxd/internal/isolation/docker"
	"github.com/sandboxlabs/sandboxd/internal/lang"
	"github.com/sandboxlabs/sandboxd/internal/manager"
	"github.com/sandboxlabs/sandboxd/internal/orchestrator"
	"github.com/sandboxlabs/sandboxd/internal/pool"
	"github.com/sandboxlabs/sandboxd/internal/state"
)

var port string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxd execution engine server",
	Run: func(cmd *cobra.Command, args []string) {
		RunServer(port)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&port, "port", "p", "8080", "HTTP server port")
	RootCmd.AddCommand(serveCmd)
}

// RunServer wires the full engine (Isolation Driver, Manager, Pool,
// State Store, Orchestrator, HTTP API) and blocks until a shutdown
// signal arrives. Called by the "serve" subcommand; cmd/sandboxd's
// entrypoint reaches it through cli.Execute. Grounded on the teacher's
// runServer/main.go pair which wired the same steps twice; this keeps
// one copy.
func RunServer(port string) {
	cfg := config.Load()

	if cfg.Env != "production" && !jsonLog {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	log.Info().Msg("starting sandboxd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	driver, err := docker.New(cfg.IsolationBinary)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize isolation driver")
	}
	defer driver.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := driver.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("isolation driver health check failed")
	}
	healthCancel()

	mgr := manager.New(driver, cfg.SandboxBaseDir, cfg.InterpreterWarmupTimeout, cfg.DefaultWallClock, cfg.DefaultMemoryMB*1024*1024, cfg.TmpfsSizeBytes)

	interactivePool := pool.New(mgr, lang.Python, pool.Config{
		Target:             cfg.PoolTarget,
		LaunchParallelism:  cfg.PoolLaunchParallelism,
		HealthCheckTimeout: cfg.InterpreterHealthCheckTimeout,
		AcquireTimeout:     cfg.AcquireTimeout,
	})
	interactivePool.Warmup(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	hot := state.NewHotStore(rdb, cfg.HotTTL, int(cfg.MaxSnapshotBytes))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS configuration")
	}
	cold := state.NewColdStore(s3.NewFromConfig(awsCfg), cfg.S3Bucket)

	archivist := state.NewArchivist(hot, cold, cfg.ArchiveScanInterval, cfg.ArchiveAfterIdle)
	go archivist.Run(ctx)
	defer archivist.Stop()

	store := state.NewStore(hot, cold)

	orch := orchestrator.New(interactivePool, mgr, driver, store, orchestrator.Config{
		MaxCodeBytes:          cfg.MaxCodeBytes,
		DefaultWallClock:      cfg.DefaultWallClock,
		CaptureStateOnFailure: cfg.CaptureStateOnFailure,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(orch, cfg.APIKey, interactivePool, hot, cold)
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("server listening")
		serverErr <- e.Start(":" + port)
	}()

	select {
	case <-ctx.Done():
		interactivePool.Shutdown(context.Background())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server startup failed")
	}
}
