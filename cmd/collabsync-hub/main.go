package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/novaide/collabsync/internal/auth"
	"github.com/novaide/collabsync/internal/config"
	"github.com/novaide/collabsync/internal/database"
	"github.com/novaide/collabsync/internal/docstore"
	"github.com/novaide/collabsync/internal/history"
	"github.com/novaide/collabsync/internal/logging"
	"github.com/novaide/collabsync/internal/project"
	"github.com/novaide/collabsync/internal/server"
	"github.com/novaide/collabsync/internal/snapshot"
	"github.com/novaide/collabsync/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabsync-hub",
		Short: "CollabSync file synchronization hub",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("history-cap", defaults.GetInt("history.cap"), "Maximum change records returned per project query")
	cmd.PersistentFlags().Int("history-window", defaults.GetInt("history.window"), "Change records pushed per history stream update")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "history.cap", "history-cap")
	bindFlag(cmd, "history.window", "history-window")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "collabsync-hub",
		Audience:      "collabsync-api",
	})
	if err != nil {
		return err
	}

	docs, err := docstore.NewStore(docstore.StoreConfig{
		Database:      db,
		Clock:         time.Now,
		IDProvider:    docstore.NewUUIDProvider(),
		Logger:        logger,
		HistoryCap:    appConfig.HistoryCap,
		HistoryWindow: appConfig.HistoryWindow,
	})
	if err != nil {
		return err
	}

	historyLog, err := history.NewLog(history.LogConfig{
		Store:  docs,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: docstore.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	snapshots, err := snapshot.NewStore(snapshot.StoreConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	projectService, err := project.NewService(project.ServiceConfig{
		Database:   db,
		Docs:       docs,
		Snapshots:  snapshots,
		Clock:      time.Now,
		IDProvider: docstore.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		UsersService:   usersService,
		ProjectService: projectService,
		HistoryLog:     historyLog,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
