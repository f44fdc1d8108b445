package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annolab/picturedesk/internal/annotation"
	"github.com/annolab/picturedesk/internal/assignment"
	"github.com/annolab/picturedesk/internal/auth"
	"github.com/annolab/picturedesk/internal/catalog"
	"github.com/annolab/picturedesk/internal/config"
	"github.com/annolab/picturedesk/internal/database"
	"github.com/annolab/picturedesk/internal/logging"
	"github.com/annolab/picturedesk/internal/server"
	"github.com/annolab/picturedesk/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "picturedesk-api",
		Short: "Picturedesk image-description collection service",
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
	cmd.PersistentFlags().String("image-dir", defaults.GetString("catalog.image_dir"), "Directory holding catalog images")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("replication-factor", defaults.GetInt("assignment.replication_factor"), "Target annotations per item")
	cmd.PersistentFlags().Int("expected-users", defaults.GetInt("assignment.expected_users"), "Expected annotator population for quota math")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("listing.page_size"), "Items per page in listings")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "catalog.image_dir", "image-dir")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "assignment.replication_factor", "replication-factor")
	bindFlag(cmd, "assignment.expected_users", "expected-users")
	bindFlag(cmd, "listing.page_size", "page-size")
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

	manifest, err := catalog.ScanImageDir(appConfig.ImageDir)
	if err != nil {
		logger.Warn("catalog image scan failed, starting with existing catalog", zap.Error(err))
	} else if err := catalog.Seed(ctx, db, manifest, logger); err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "picturedesk-auth",
		Audience:      "picturedesk-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	catalogService, err := catalog.NewService(catalog.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	ledger, err := assignment.NewLedger(assignment.LedgerConfig{
		Database:          db,
		ReplicationFactor: appConfig.ReplicationFactor,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	allocator, err := assignment.NewAllocator(assignment.AllocatorConfig{
		Database:          db,
		Ledger:            ledger,
		ReplicationFactor: appConfig.ReplicationFactor,
		ExpectedUsers:     appConfig.ExpectedUsers,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	annotationService, err := annotation.NewService(annotation.ServiceConfig{
		Database: db,
		Ledger:   ledger,
		Catalog:  catalogService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer: tokenIssuer,
		CookieName:  appConfig.CookieName,
		Users:       usersService,
		Allocator:   allocator,
		Ledger:      ledger,
		Annotations: annotationService,
		ImageDir:    appConfig.ImageDir,
		PageSize:    appConfig.PageSize,
		Logger:      logger,
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
