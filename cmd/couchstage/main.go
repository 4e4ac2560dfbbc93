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

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
	"github.com/MarcoPoloResearchLab/couchstage/internal/auth"
	"github.com/MarcoPoloResearchLab/couchstage/internal/config"
	"github.com/MarcoPoloResearchLab/couchstage/internal/database"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docsync"
	"github.com/MarcoPoloResearchLab/couchstage/internal/journal"
	"github.com/MarcoPoloResearchLab/couchstage/internal/logging"
	"github.com/MarcoPoloResearchLab/couchstage/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "couchstage",
		Short: "Attachment staging service for CouchDB documents",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newFindCommand(), newSyncCommand(), newDocumentsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite journal path")
	cmd.PersistentFlags().String("couch-url", defaults.GetString("couch.url"), "CouchDB server URL")
	cmd.PersistentFlags().String("couch-username", "", "CouchDB username")
	cmd.PersistentFlags().String("couch-password", "", "CouchDB password (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "API token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "couch.url", "couch-url")
	bindFlag(cmd, "couch.username", "couch-username")
	bindFlag(cmd, "couch.password", "couch-password")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

// runtime bundles the collaborators shared by serve and the offline commands.
type runtime struct {
	config  config.AppConfig
	logger  *zap.Logger
	journal *journal.Service
}

func openRuntime() (*runtime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	journalService, err := journal.NewService(journal.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: journal.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		_ = logger.Sync()
		return nil, nil, err
	}

	closeFn := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	return &runtime{config: appConfig, logger: logger, journal: journalService}, closeFn, nil
}

func (r *runtime) tokenIssuer() (*auth.TokenIssuer, error) {
	if err := r.config.ValidateAuth(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(r.config.AuthSigningSecret),
		Issuer:        r.config.AuthIssuer,
		Audience:      r.config.AuthAudience,
		TokenTTL:      r.config.AuthTokenTTL,
	})
}

func (r *runtime) synchronizer() (*docsync.Synchronizer, error) {
	transport, err := docsync.NewHTTPTransport(docsync.HTTPTransportConfig{
		BaseURL:  r.config.CouchURL,
		Username: r.config.CouchUsername,
		Password: r.config.CouchPassword,
	})
	if err != nil {
		return nil, err
	}
	return docsync.New(docsync.Config{
		Transport:  transport,
		Logger:     r.logger,
		MaxRetries: r.config.SyncMaxRetries,
		RetryBase:  r.config.SyncRetryBase,
	})
}

func runServer(ctx context.Context) error {
	rt, closeRuntime, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeRuntime()

	tokenIssuer, err := rt.tokenIssuer()
	if err != nil {
		return err
	}
	synchronizer, err := rt.synchronizer()
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Stages:         rt.journal,
		Synchronizer:   synchronizer,
		FileSystem:     attachments.OSFileSystem(),
		Events:         server.NewStageEventDispatcher(),
		AllowedOrigins: rt.config.AllowedOrigins,
		Logger:         rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
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
