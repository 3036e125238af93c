// Command orchestrator runs the agent deployment service: package store,
// deployment pipeline, and HTTP API in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/postqode/orchestrator/pkg/api"
	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deploy"
	"github.com/postqode/orchestrator/pkg/health"
	"github.com/postqode/orchestrator/pkg/packages"
	"github.com/postqode/orchestrator/pkg/pipeline"
	"github.com/postqode/orchestrator/pkg/runner"
	"github.com/postqode/orchestrator/pkg/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	envFile    string
	listenAddr string
	pretty     bool
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "PostQode agent deployment orchestrator",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		return serve(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchestrator %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file with POSTQODE_ settings")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address, overrides POSTQODE_LISTEN_ADDR")
	serveCmd.Flags().BoolVar(&pretty, "pretty", false, "human-readable console logs instead of JSON")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr)
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.ServiceVersion).
		Logger()
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg)

	for _, dir := range []string{filepath.Dir(cfg.StorePath), cfg.PackageRoot, cfg.BuildRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	db, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	pkgs := packages.NewStore(cfg.PackageRoot, db, cfg.UpdateAgentMetadata, logger)

	run := runner.NewExecRunner(logger)
	// Each backend stages under <build root>/<agent>/<version>; give every
	// platform its own root so builds never clobber each other's artefacts.
	docker := deploy.NewDockerDeployer(run, filepath.Join(cfg.BuildRoot, "docker"), cfg.MarketplaceURL, logger)
	edge := deploy.NewEdgeDeployer(cfg.EdgeRegistryURL, filepath.Join(cfg.BuildRoot, "edge"), logger)
	factory := deploy.NewFactory(
		docker,
		deploy.NewKubernetesDeployer(run, docker, cfg.ChartsRoot, cfg.DefaultRegistry, cfg.MarketplaceURL, logger),
		deploy.NewAzureDeployer(run, filepath.Join(cfg.BuildRoot, "azure"), logger),
		deploy.NewVMDeployer(run, filepath.Join(cfg.BuildRoot, "vm"), cfg.MarketplaceURL, logger),
		edge,
	)

	metrics := pipeline.NewMetrics()
	pipe := pipeline.New(db, pkgs, factory, metrics, logger)

	srv := api.NewServer(api.Deps{
		DB:       db,
		Packages: pkgs,
		Pipeline: pipe,
		Health:   health.NewIntake(db, logger),
		Factory:  factory,
		Docker:   docker,
		Edge:     edge,
		Metrics:  metrics.Registry(),
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("store_path", cfg.StorePath).
		Strs("platforms", factory.Platforms()).
		Msg("orchestrator starting")

	return srv.Serve(ctx, cfg.ListenAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
