package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/auth"
	"github.com/MarcoPoloResearchLab/doorsync/internal/client"
	"github.com/MarcoPoloResearchLab/doorsync/internal/config"
	"github.com/MarcoPoloResearchLab/doorsync/internal/door"
	"github.com/MarcoPoloResearchLab/doorsync/internal/logging"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "doorsync",
		Short: "Offline-first database replication node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newMigrateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().Int64("node-id", 0, "Local node id")
	cmd.PersistentFlags().String("node-secret", "", "Secret presented to peers with the node id")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-engine", defaults.GetString("database.engine"), "Database engine (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("schema-file", "", "SQL file executed when the database is created")
	cmd.PersistentFlags().String("capture-mode", defaults.GetString("replication.capture_mode"), "Outgoing event capture (hooks, invalidation)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Stream token signing secret (overrides env)")

	bindFlag(cmd, "node.id", "node-id")
	bindFlag(cmd, "node.auth_secret", "node-secret")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.engine", "database-engine")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.schema_file", "schema-file")
	bindFlag(cmd, "replication.capture_mode", "capture-mode")
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
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve replication to peers over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull changes from a remote node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
		},
	}
	cmd.Flags().String("remote-url", "", "Base URL of the remote node")
	cmd.Flags().String("transport", config.NewViper().GetString("replication.transport"), "Notification transport (sse, ws)")
	if err := viper.BindPFlag("replication.remote_url", cmd.Flags().Lookup("remote-url")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("replication.transport", cmd.Flags().Lookup("transport")); err != nil {
		panic(err)
	}
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or migrate the database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd)
		},
	}
}

func openDatabase(ctx context.Context) (config.AppConfig, *door.Database, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}

	baseLogger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	logger := logging.NodeLogger(baseLogger, appConfig.NodeID)

	doorConfig, err := doorConfigFrom(appConfig, logger)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	db, err := door.Open(ctx, doorConfig)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	return appConfig, db, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, db, logger, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer db.Close()

	httpConfig := door.HTTPConfig{
		EnableRemoteSQL:   appConfig.RemoteSQLEnabled,
		MaxRemoteSQLConns: appConfig.RemoteSQLConns,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	}
	if appConfig.SigningSecret != "" {
		streamTokens, err := auth.NewStreamTokenIssuer(auth.StreamTokenConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        "doorsync",
			Audience:      "doorsync-stream",
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return err
		}
		httpConfig.StreamTokens = streamTokens
	}

	handler, err := db.HTTPHandler(httpConfig)
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

func runSync(ctx context.Context) error {
	appConfig, db, logger, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer db.Close()

	if appConfig.RemoteURL == "" {
		return errors.New("replication.remote_url is required for sync")
	}

	replicationClient, err := db.NewClient(client.Config{
		BaseURL:      appConfig.RemoteURL,
		Credentials:  nodes.Credentials{NodeID: appConfig.NodeID, AuthSecret: appConfig.NodeAuthSecret},
		Transport:    client.Transport(appConfig.Transport),
		RetryBackoff: appConfig.RetryBackoff,
		MaxBackoff:   appConfig.MaxBackoff,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sync starting", zap.String("remote_url", appConfig.RemoteURL), zap.String("transport", appConfig.Transport))
	if err := replicationClient.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sync stopped", zap.Int64("rounds", replicationClient.Rounds()))
	return nil
}

func runMigrate(ctx context.Context, cmd *cobra.Command) error {
	_, db, logger, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	result := db.Migration()
	if err := db.Close(); err != nil {
		return err
	}

	switch {
	case result.FreshlyCreated:
		fmt.Fprintf(cmd.OutOrStdout(), "created schema at version %d\n", result.EndVersion)
	case len(result.Applied) == 0:
		fmt.Fprintf(cmd.OutOrStdout(), "schema already at version %d\n", result.EndVersion)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "migrated schema from version %d to %d\n", result.StartVersion, result.EndVersion)
		for _, migration := range result.Applied {
			fmt.Fprintf(cmd.OutOrStdout(), "  applied %s\n", migration)
		}
	}
	return nil
}
