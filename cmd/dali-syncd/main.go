package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dali-labs/dali-sync/internal/config"
	"github.com/dali-labs/dali-sync/internal/credentials"
	"github.com/dali-labs/dali-sync/internal/database"
	"github.com/dali-labs/dali-sync/internal/logging"
	"github.com/dali-labs/dali-sync/internal/offline"
	"github.com/dali-labs/dali-sync/internal/outfits"
	"github.com/dali-labs/dali-sync/internal/prefs"
	"github.com/dali-labs/dali-sync/internal/scheduler"
	"github.com/dali-labs/dali-sync/internal/server"
	"github.com/dali-labs/dali-sync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const backgroundSyncTask = "outfit-background-sync"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dali-syncd",
		Short: "Local outfit sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Cloud API base URL")
	cmd.PersistentFlags().Int("api-timeout-seconds", defaults.GetInt("api.timeout_seconds"), "Cloud API call timeout in seconds")
	cmd.PersistentFlags().String("token-path", defaults.GetString("token.path"), "Bearer token file path")
	cmd.PersistentFlags().Int("foreground-interval-minutes", defaults.GetInt("sync.foreground_interval_minutes"), "Foreground sync interval in minutes")
	cmd.PersistentFlags().Int("background-interval-minutes", defaults.GetInt("sync.background_interval_minutes"), "Background sync interval in minutes")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("sync.max_retries"), "Upload retry budget per record")
	cmd.PersistentFlags().Int("probe-interval-seconds", defaults.GetInt("connectivity.probe_interval_seconds"), "Connectivity probe interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.timeout_seconds", "api-timeout-seconds")
	bindFlag(cmd, "token.path", "token-path")
	bindFlag(cmd, "sync.foreground_interval_minutes", "foreground-interval-minutes")
	bindFlag(cmd, "sync.background_interval_minutes", "background-interval-minutes")
	bindFlag(cmd, "sync.max_retries", "max-retries")
	bindFlag(cmd, "connectivity.probe_interval_seconds", "probe-interval-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Only an absent implicit config file is tolerable. A missing or
		// malformed file the operator asked for explicitly must fail loudly
		// instead of silently running on defaults.
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &configNotFound) {
			return nil
		}
		return err
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Init(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close() //nolint:errcheck

	outfitStore, err := outfits.NewStore(outfits.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	actionQueue, err := offline.NewQueue(offline.QueueConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	preferenceStore, err := prefs.NewStore(prefs.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenStore, err := credentials.NewTokenStore(credentials.TokenStoreConfig{
		Path: appConfig.TokenPath,
	})
	if err != nil {
		return err
	}

	remoteClient, err := syncer.NewHTTPClient(syncer.HTTPClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Tokens:  tokenStore,
		Timeout: appConfig.APITimeout,
	})
	if err != nil {
		return err
	}

	connectivity := offline.NewState()

	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Outfits:     outfitStore,
		Queue:       actionQueue,
		State:       connectivity,
		Preferences: preferenceStore,
		Client:      remoteClient,
		Database:    db,
		Users:       tokenStore,
		Logger:      logger,
		MaxRetries:  appConfig.MaxRetries,
		CallTimeout: appConfig.APITimeout,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor, err := syncer.NewMonitor(syncer.MonitorConfig{
		State: connectivity,
		Trigger: func() {
			go func() {
				if _, err := engine.Sync(signalCtx); err != nil {
					if errors.Is(err, syncer.ErrSyncInProgress) || errors.Is(err, syncer.ErrOffline) {
						logger.Debug("recovery sync skipped", zap.Error(err))
						return
					}
					logger.Warn("recovery sync failed", zap.Error(err))
				}
			}()
		},
		Debounce: appConfig.OnlineDebounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	probe := syncer.HTTPProbe(appConfig.APIBaseURL+"/healthz", appConfig.APITimeout)
	go monitor.Run(signalCtx, probe, appConfig.ProbeInterval)

	go engine.RunInterval(signalCtx, appConfig.ForegroundInterval)

	tasks := scheduler.New(scheduler.SchedulerConfig{Logger: logger})
	defer tasks.Shutdown()
	err = tasks.Register(backgroundSyncTask, appConfig.BackgroundInterval, func(taskCtx context.Context) error {
		// The task body re-runs Init itself so it stays correct even when
		// launched before the foreground wiring, as a platform wake-up would.
		if _, err := database.Init(appConfig.DatabasePath, logger); err != nil {
			return err
		}
		_, err := engine.Sync(taskCtx)
		if errors.Is(err, syncer.ErrSyncInProgress) || errors.Is(err, syncer.ErrOffline) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Outfits:     outfitStore,
		Queue:       actionQueue,
		Engine:      engine,
		State:       connectivity,
		Preferences: preferenceStore,
		Users:       tokenStore,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
