package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/assets"
	"github.com/philpoore/contentstack-express/internal/cache"
	"github.com/philpoore/contentstack-express/internal/config"
	"github.com/philpoore/contentstack-express/internal/logging"
	"github.com/philpoore/contentstack-express/internal/mapper"
	"github.com/philpoore/contentstack-express/internal/origin"
	"github.com/philpoore/contentstack-express/internal/queue"
	"github.com/philpoore/contentstack-express/internal/storage"
	"github.com/philpoore/contentstack-express/internal/syncer"
)

var (
	cfgFile  string
	envFiles []string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "contentsync",
		Short:        "Mirror published content into local storage",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Consume sync events from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), viper.GetViper())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "enqueue [file]",
		Short: "Validate an event envelope and push it onto the queue (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runEnqueue(cmd.Context(), viper.GetViper(), payload, cmd.OutOrStdout())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Rebuild the cache from storage and print collection sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReload(cmd.Context(), viper.GetViper(), cmd.OutOrStdout())
		},
	})
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Dotenv files loaded before reading the environment (default .env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("storage-dsn", defaults.GetString("storage.dsn"), "Storage DSN (file://, sqlite://, postgres://, memory://, cdn://)")
	cmd.PersistentFlags().String("queue-dsn", defaults.GetString("queue.dsn"), "Event queue DSN (file://, postgres://, amqp://)")
	cmd.PersistentFlags().Int("queue-capacity", defaults.GetInt("queue.capacity"), "Event queue capacity")
	cmd.PersistentFlags().String("server-name", defaults.GetString("server.name"), "Name reported with release deployments")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "storage.dsn", "storage-dsn")
	bindFlag(cmd, "queue.dsn", "queue-dsn")
	bindFlag(cmd, "queue.capacity", "queue-capacity")
	bindFlag(cmd, "server.name", "server-name")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("contentsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// runtime holds the collaborators shared by every command.
type runtime struct {
	config config.AppConfig
	logger *zap.Logger
	client *origin.Client
	cache  *cache.Cache
	engine *storage.Engine
}

func newRuntime(v *viper.Viper) (*runtime, error) {
	appConfig, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	client := origin.NewClient(origin.Options{
		BaseURL:     appConfig.Origin.Host,
		Version:     appConfig.Origin.Version,
		APIKey:      appConfig.Origin.APIKey,
		AccessToken: appConfig.Origin.AccessToken,
		Environment: appConfig.Origin.Environment,
		MaxAttempts: appConfig.Origin.MaxRetries,
		RetryUnit:   appConfig.Origin.RetryUnit,
		MaxDelay:    durationEnv("CONTENTSYNC_ORIGIN_MAX_DELAY", 0),
		Logger:      logger,
	})
	contentCache := cache.New(cache.Options{
		Indexes:       appConfig.Indexes,
		ReloadWorkers: intEnv("CONTENTSYNC_CACHE_RELOAD_WORKERS", 0),
		Logger:        logger,
	})
	provider, err := storage.BuildProviderFromDSN(appConfig.StorageDSN, storage.Deps{
		Cache:   contentCache,
		Logger:  logger,
		Locales: appConfig.Languages,
		Origin:  client,
	})
	if err != nil {
		return nil, err
	}
	engine, ok := provider.(*storage.Engine)
	if !ok {
		_ = provider.Close()
		return nil, fmt.Errorf("storage %s is read-only; sync needs a writable backend", appConfig.StorageDSN)
	}
	return &runtime{config: appConfig, logger: logger, client: client, cache: contentCache, engine: engine}, nil
}

func (r *runtime) Close() {
	if err := r.engine.Close(); err != nil {
		r.logger.Warn("failed to close storage", zap.Error(err))
	}
	_ = r.logger.Sync()
}

// reloadCache fills the cache from storage. Failing here is fatal for every command.
func (r *runtime) reloadCache(ctx context.Context) error {
	if err := r.cache.Reload(ctx, r.config.LocaleCodes(), r.engine.LoadLocale); err != nil {
		return fmt.Errorf("cache initialization failed: %w", err)
	}
	return nil
}

func (r *runtime) assetSinks() (assets.SinkProvider, error) {
	if r.config.AssetSink != config.SinkMinio {
		return assets.LocalSinks(r.config.AssetsDir), nil
	}
	client, err := assets.NewMinioClient(assets.MinioOptions{
		Endpoint:  r.config.Minio.Endpoint,
		AccessKey: r.config.Minio.AccessKey,
		SecretKey: r.config.Minio.SecretKey,
		Bucket:    r.config.Minio.Bucket,
		Secure:    r.config.Minio.Secure,
	})
	if err != nil {
		return nil, err
	}
	return assets.MinioSinks(client, r.config.Minio.Bucket, ""), nil
}

func runWorker(ctx context.Context, v *viper.Viper) error {
	rt, err := newRuntime(v)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.config.ValidateOrigin(); err != nil {
		return err
	}
	if strings.TrimSpace(rt.config.QueueDSN) == "" {
		return fmt.Errorf("queue.dsn is required to run the worker")
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.reloadCache(signalCtx); err != nil {
		return err
	}
	if rt.config.CacheWatch {
		go func() {
			if err := rt.engine.Watch(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Warn("storage watch stopped", zap.Error(err))
			}
		}()
	}

	sinks, err := rt.assetSinks()
	if err != nil {
		return err
	}
	eventQueue, err := queue.BuildQueueFromDSN(rt.config.QueueDSN, rt.config.QueueCapacity)
	if err != nil {
		return err
	}
	defer eventQueue.Close()

	assetManager := assets.NewManager(assets.Options{
		Store:      rt.engine,
		Downloader: rt.client,
		Sinks:      sinks,
		Config:     rt.config.Assets,
		Logger:     rt.logger,
	})
	engineSyncer := syncer.New(syncer.Options{
		Origin:     rt.client,
		Store:      rt.engine,
		Assets:     assetManager,
		Mapper:     mapper.New(mapper.Options{Store: rt.engine, Assets: rt.config.Assets, Logger: rt.logger}),
		Reporter:   syncer.NewHTTPReporter(rt.client),
		Locales:    rt.config.Languages,
		ServerName: rt.config.ServerName,
		Logger:     rt.logger,
	})

	rt.logger.Info("worker starting",
		zap.String("storage", rt.config.StorageDSN),
		zap.Strings("locales", rt.config.LocaleCodes()),
		zap.Int("queue_capacity", eventQueue.Capacity()),
	)
	err = syncer.NewWorker(eventQueue, engineSyncer, rt.logger).Run(signalCtx)
	rt.logger.Info("worker stopped", zap.Int("pending", eventQueue.Depth()))
	return err
}

func runEnqueue(ctx context.Context, v *viper.Viper, payload []byte, out io.Writer) error {
	appConfig, err := config.Load(v)
	if err != nil {
		return err
	}
	if strings.TrimSpace(appConfig.QueueDSN) == "" {
		return fmt.Errorf("queue.dsn is required to enqueue events")
	}
	env, err := syncer.ParseEnvelope(payload)
	if err != nil {
		return err
	}
	eventQueue, err := queue.BuildQueueFromDSN(appConfig.QueueDSN, appConfig.QueueCapacity)
	if err != nil {
		return err
	}
	defer eventQueue.Close()

	enqueueCtx, cancel := context.WithTimeout(ctx, durationEnv("CONTENTSYNC_ENQUEUE_TIMEOUT", 10*time.Second))
	defer cancel()
	if !eventQueue.Enqueue(enqueueCtx, payload) {
		return fmt.Errorf("event queue is full (capacity %d)", eventQueue.Capacity())
	}
	obj := env.Message.Body.Object
	fmt.Fprintf(out, "queued %s %s %s (depth %d)\n", obj.Action, obj.Type, obj.EntityUID(), eventQueue.Depth())
	return nil
}

func runReload(ctx context.Context, v *viper.Viper, out io.Writer) error {
	rt, err := newRuntime(v)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.reloadCache(ctx); err != nil {
		return err
	}
	for _, code := range rt.config.LocaleCodes() {
		sizes := rt.cache.Sizes(code)
		for _, ct := range rt.cache.Collections(code) {
			fmt.Fprintf(out, "%s\t%s\t%d\n", code, ct, sizes[ct])
		}
	}
	return nil
}

func readPayload(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		zap.L().Warn("invalid integer override, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		zap.L().Warn("invalid duration override, using fallback", zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}
