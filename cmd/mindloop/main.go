package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mindloop/internal/config"
	"mindloop/internal/insight"
	"mindloop/internal/logging"
	"mindloop/internal/notify"
	"mindloop/internal/queue"
	"mindloop/internal/reasoner"
	"mindloop/internal/server"
	"mindloop/internal/store"
	"mindloop/internal/tools"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	// Global flags
	configPath string
	verbose    bool
	dbPath     string
	listenAddr string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mindloop",
	Short: "mindloop - a reactive thought graph server",
	Long: `mindloop maintains a graph of small knowledge records ("thoughts"),
enriches them asynchronously with embeddings and suggestions, and evolves
them by evaluating declarative rules ("guides") on a periodic cycle.

Clients connect over a single WebSocket endpoint to observe every change
and issue control and mutation commands.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mindloop %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mindloop.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the database path")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", "", "override the listen address")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Store.DatabasePath = dbPath
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}

	broadcaster := notify.NewBroadcaster(logger)
	defer broadcaster.Close()

	provider, err := insight.New(insight.Config{
		Provider:       cfg.Insight.Provider,
		APIKey:         cfg.Insight.APIKey,
		Model:          cfg.Insight.Model,
		EmbeddingModel: cfg.Insight.EmbeddingModel,
		OllamaEndpoint: cfg.Insight.OllamaEndpoint,
		OllamaModel:    cfg.Insight.OllamaModel,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("insight provider ready",
		zap.String("provider", provider.Name()),
		zap.Bool("suggestions", provider.SuggestionsAvailable()),
		zap.Bool("embeddings", provider.EmbeddingsAvailable()))

	st, err := store.New(cfg.Store.DatabasePath, provider, broadcaster, cfg.Store.IndexDebounce, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := tools.NewRegistry(st, broadcaster, logger)
	tools.RegisterBuiltins(registry)

	q := queue.New(st, registry, provider, logger)
	rsn := reasoner.New(st, q, registry, provider, broadcaster, cfg.Cycle.SuggestionProbability, logger)
	q.SetThoughtCreator(rsn)

	sched := server.NewScheduler(cfg.Cycle.Interval, cfg.Cycle.Limit, func(ctx context.Context, limit int) error {
		_, err := rsn.ProcessCycle(ctx, limit)
		return err
	}, logger)

	// current holds the live config for the settings push, swapped on reload
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	srv := server.New(cfg.Server.Addr, cfg.Server.Path, st, rsn, broadcaster, sched, func() map[string]any {
		return current.Load().Public()
	}, logger)

	stopWatch, err := config.Watch(configPath, logger, func(updated *config.Config) {
		current.Store(updated)
		srv.PushSettings()
	})
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	return srv.Start(cfg.Cycle.StartPaused)
}
