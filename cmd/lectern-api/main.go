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

	"github.com/lectern-app/lectern/backend/internal/annotations"
	"github.com/lectern-app/lectern/backend/internal/auth"
	"github.com/lectern-app/lectern/backend/internal/config"
	"github.com/lectern-app/lectern/backend/internal/database"
	"github.com/lectern-app/lectern/backend/internal/documents"
	"github.com/lectern-app/lectern/backend/internal/fswatch"
	"github.com/lectern-app/lectern/backend/internal/keeplocal"
	"github.com/lectern-app/lectern/backend/internal/logging"
	"github.com/lectern-app/lectern/backend/internal/search"
	"github.com/lectern-app/lectern/backend/internal/server"
	"github.com/lectern-app/lectern/backend/internal/session"
	"github.com/lectern-app/lectern/backend/internal/staged"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lectern-api",
		Short: "Lectern reading-session companion service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-hours", defaults.GetInt("api.token_ttl_hours"), "Session token TTL in hours")
	cmd.PersistentFlags().String("keep-local-url", defaults.GetString("keeplocal.base_url"), "Keep-local server base URL")
	cmd.PersistentFlags().Int("self-save-window-ms", defaults.GetInt("session.self_save_window_ms"), "Self-save suppression window in milliseconds")
	cmd.PersistentFlags().Int("undo-ttl-ms", defaults.GetInt("notify.undo_ttl_ms"), "Undo notice deadline in milliseconds")
	cmd.PersistentFlags().Int("error-ttl-ms", defaults.GetInt("notify.error_ttl_ms"), "Error notice deadline in milliseconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "api.signing_secret", "signing-secret")
	bindFlag(cmd, "api.token_ttl_hours", "token-ttl-hours")
	bindFlag(cmd, "keeplocal.base_url", "keep-local-url")
	bindFlag(cmd, "session.self_save_window_ms", "self-save-window-ms")
	bindFlag(cmd, "notify.undo_ttl_ms", "undo-ttl-ms")
	bindFlag(cmd, "notify.error_ttl_ms", "error-ttl-ms")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "lectern-auth",
		Audience:      "lectern-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	idProvider := documents.NewUUIDProvider()

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	annotationsService, err := annotations.NewService(annotations.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	searchService, err := search.NewService(search.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	files := fswatch.NewOSGateway()
	tracker := session.NewSelfSaveTracker(appConfig.SelfSaveWindow, time.Now)

	engine, err := session.NewEngine(session.EngineConfig{
		Database:    db,
		Files:       files,
		Documents:   documentsService,
		Annotations: annotationsService,
		Search:      searchService,
		Tracker:     tracker,
		Clock:       time.Now,
		IDProvider:  idProvider,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	keepLocalClient := keeplocal.NewClient(keeplocal.ClientConfig{
		BaseURL: appConfig.KeepLocalBaseURL,
		Logger:  logger,
	})

	dispatcher := server.NewEventDispatcher()

	noticeTransition := func(view staged.View, state staged.State) {
		eventType := server.EventNoticeStaged
		if state == staged.StateIdle {
			eventType = server.EventNoticeSettled
		}
		dispatcher.Publish(server.Event{
			Type:      eventType,
			NoticeID:  view.ID,
			Message:   view.Message,
			CanUndo:   view.CanUndo,
			Timestamp: time.Now().UTC(),
		})
	}
	undoNotices := staged.NewSlot(staged.SlotConfig{
		DefaultDuration: appConfig.UndoNoticeTTL,
		IDProvider:      idProvider,
		OnTransition:    noticeTransition,
	})
	errorNotices := staged.NewSlot(staged.SlotConfig{
		DefaultDuration: appConfig.ErrorNoticeTTL,
		IDProvider:      idProvider,
		OnTransition:    noticeTransition,
	})

	watcher := fswatch.NewWatcher(logger, time.Now)
	defer watcher.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go server.PumpFileEvents(signalCtx, watcher, engine, dispatcher, logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:       engine,
		Documents:    documentsService,
		Annotations:  annotationsService,
		Search:       searchService,
		KeepLocal:    keepLocalClient,
		Files:        files,
		Watcher:      watcher,
		Tokens:       tokenManager,
		UndoNotices:  undoNotices,
		ErrorNotices: errorNotices,
		Dispatcher:   dispatcher,
		Logger:       logger,
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
