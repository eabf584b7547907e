// Neural hub daemon - routes messages and syncs knowledge between city participants
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cognitivecities/neuralhub/internal/api"
	"github.com/cognitivecities/neuralhub/internal/config"
	"github.com/cognitivecities/neuralhub/internal/embeddings"
	"github.com/cognitivecities/neuralhub/internal/knowledge"
	"github.com/cognitivecities/neuralhub/internal/logging"
	"github.com/cognitivecities/neuralhub/internal/mesh"
	"github.com/cognitivecities/neuralhub/internal/metrics"
	"github.com/cognitivecities/neuralhub/internal/protocol"
	"github.com/cognitivecities/neuralhub/internal/scheduler"
	"github.com/cognitivecities/neuralhub/internal/storage"
	"github.com/cognitivecities/neuralhub/internal/vectors"
)

var version = "0.1.0"

var (
	configPath string
	dataDir    string
	host       string
	port       int
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "neuralhub",
		Short:        "Neural hub - message routing and knowledge sync for city participants",
		RunE:         runDaemon,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory")
	rootCmd.Flags().StringVar(&host, "host", "", "HTTP listen host")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP listen port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "log format (json, console)")

	rootCmd.AddCommand(initConfigCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers flags over file and environment
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if dataDir != "" && configPath == "" {
		configPath = config.DefaultPath(dataDir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: logging.Format(cfg.Logging.Format),
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting neural hub", zap.String("version", version), zap.String("addr", cfg.Server.Addr()))

	collector := metrics.NewCollector("neuralhub")

	// Storage
	var (
		db       *storage.DB
		archive  *storage.MessageStore
		backend  knowledge.Backend
		dbPinger api.Pinger
	)
	if cfg.Storage.Enabled {
		db, err = storage.Open(storage.Config{Path: cfg.StoragePath()}, logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		applied, err := db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if len(applied) == 0 {
			logger.Debug("schema up to date")
		}
		archive = storage.NewMessageStore(db, storage.DefaultBreakerConfig())
		backend = storage.NewKnowledgeStore(db)
		dbPinger = db
	} else {
		logger.Warn("storage disabled, messages and knowledge are kept in memory only")
	}

	// Optional similarity index
	index := openIndex(ctx, cfg, logger.Logger, collector)

	kcfg := knowledge.Config{
		Backend:     backend,
		DecayWindow: cfg.Retention.DecayWindow.Std(),
		Logger:      logger.Logger,
		Metrics:     collector,
	}
	if index != nil {
		kcfg.Indexer = index
	}
	store := knowledge.New(kcfg)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load knowledge: %w", err)
	}
	logger.Info("knowledge loaded", zap.Int("items", store.Len()))

	// Hub and pipeline
	hubCfg := mesh.HubConfig{
		HeartbeatTimeout:    cfg.Hub.HeartbeatTimeout.Std(),
		RegistrationTimeout: cfg.Hub.RegistrationTimeout.Std(),
		QueueSize:           cfg.Hub.QueueSize,
		WriteTimeout:        cfg.Hub.WriteTimeout.Std(),
		MaxFrameBytes:       cfg.Hub.MaxFrameBytes,
		Logger:              logger.Logger,
		Metrics:             collector,
	}
	if archive != nil {
		hubCfg.Archive = archive
	}
	hub := mesh.NewHub(hubCfg)

	dispatcher := protocol.NewDispatcher(protocol.Config{
		Router:    hub,
		Knowledge: store,
		Logger:    logger.Logger,
		Metrics:   collector,
	})
	hub.Handle(dispatcher)

	// Maintenance
	sched := scheduler.NewScheduler(logger.Logger)
	if err := registerTasks(sched, cfg, hub, archive, store, logger.Logger); err != nil {
		return err
	}

	apiCfg := api.Config{
		Addr:            cfg.Server.Addr(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		Hub:             hub,
		Validator:       dispatcher,
		Knowledge:       store,
		Scheduler:       sched,
		Metrics:         collector,
		DB:              dbPinger,
		Logger:          logger.Logger,
	}
	if archive != nil {
		apiCfg.Archive = archive
	}
	if index != nil {
		apiCfg.Similar = index
	}
	server := api.New(apiCfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if index != nil {
		g.Go(func() error { return index.Run(gctx) })
	}
	if watcher := watchConfig(cfg, logger); watcher != nil {
		defer watcher.Close()
		g.Go(func() error { return watcher.Run(gctx) })
	}

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown incomplete", zap.Error(err))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("neural hub stopped")
	return nil
}

// openIndex connects Qdrant and Ollama when enabled. Any failure leaves the
// hub running without similarity search.
func openIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) *vectors.Index {
	if !cfg.Qdrant.Enabled {
		return nil
	}

	vectorStore, err := vectors.NewStore(vectors.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
	})
	if err != nil {
		logger.Warn("qdrant not available, similarity search disabled", zap.Error(err))
		return nil
	}

	embedder := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Ollama.URL,
		Model:   cfg.Ollama.Model,
	})

	index := vectors.NewIndex(vectorStore, embedder, vectors.IndexConfig{
		Logger:  logger,
		Metrics: collector,
	})

	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := index.Ensure(ensureCtx); err != nil {
		logger.Warn("similarity index unavailable", zap.Error(err))
		vectorStore.Close()
		return nil
	}

	logger.Info("similarity index ready",
		zap.String("collection", cfg.Qdrant.Collection),
		zap.String("model", embedder.ModelName()),
	)
	return index
}

func registerTasks(s *scheduler.Scheduler, cfg *config.Config, hub *mesh.Hub, archive *storage.MessageStore, store *knowledge.Store, logger *zap.Logger) error {
	tasks := []*scheduler.Task{
		scheduler.IntervalTask("sweep", "Reap silent connections", cfg.Hub.SweepInterval.Std(), func(ctx context.Context) error {
			if n := hub.Sweep(time.Now()); n > 0 {
				logger.Info("swept stale connections", zap.Int("reaped", n))
			}
			return nil
		}),
	}

	if keep := cfg.Retention.Messages.Std(); keep > 0 && archive != nil {
		tasks = append(tasks, scheduler.IntervalTask("purge-messages", "Purge archived messages", time.Hour, func(ctx context.Context) error {
			n, err := archive.Purge(ctx, time.Now().Add(-keep))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("purged messages", zap.Int64("count", n))
			}
			return nil
		}))
	}

	if keep := cfg.Retention.Knowledge.Std(); keep > 0 {
		tasks = append(tasks, scheduler.IntervalTask("evict-knowledge", "Evict stale knowledge", time.Hour, func(ctx context.Context) error {
			n, err := store.Evict(ctx, time.Now().Add(-keep))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("evicted knowledge", zap.Int("count", n))
			}
			return nil
		}))
	}

	for _, task := range tasks {
		if err := s.Register(task); err != nil {
			return err
		}
	}
	return nil
}

// watchConfig reloads the log level when the config file changes. Other
// settings need a restart.
func watchConfig(cfg *config.Config, logger *logging.Logger) *config.Watcher {
	path := configPath
	if path == "" {
		path = config.DefaultPath(cfg.DataDir)
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(path, cfg, logger.Logger)
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
		return nil
	}
	watcher.OnChange(func(next *config.Config) {
		if err := logger.SetLevel(next.Logging.Level); err != nil {
			logger.Warn("ignoring log level", zap.String("level", next.Logging.Level), zap.Error(err))
			return
		}
		logger.Info("log level updated", zap.String("level", next.Logging.Level))
	})
	return watcher
}

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			path := configPath
			if path == "" {
				path = config.DefaultPath(cfg.DataDir)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("neuralhub %s\n", version)
		},
	}
}
