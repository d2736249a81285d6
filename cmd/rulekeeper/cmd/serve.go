package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/solatis/rulekeeper/internal/core/api"
	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/core/server"
	"github.com/solatis/rulekeeper/internal/metric"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC rule store",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50061, "gRPC server port")
	serveCmd.Flags().Bool("require-auth", true, "require project API keys; when false every call uses the default project")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	storeCfg := cfg.RuleStore

	if cmd.Flags().Changed("host") {
		storeCfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		storeCfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("require-auth") {
		storeCfg.RequireAuth, _ = cmd.Flags().GetBool("require-auth")
	}

	if dbURL == "" {
		return fmt.Errorf("--db-url required")
	}
	database, err := db.Open(dbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := requireMigrated(database); err != nil {
		return err
	}

	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}
	repo := db.NewRuleRepository(queries)

	var authenticator *auth.Authenticator
	if storeCfg.RequireAuth {
		secrets, err := config.HMACSecrets()
		if err != nil {
			return fmt.Errorf("failed to load HMAC secrets: %w", err)
		}
		if len(secrets) == 0 {
			return fmt.Errorf("no HMAC secrets configured (set RK_HMAC_SECRET environment variable)")
		}
		authenticator = auth.NewAuthenticator(secrets, queries)
	} else {
		if _, err := repo.EnsureRoot(ctx, storeCfg.DefaultProject); err != nil {
			return fmt.Errorf("failed to prepare project %s: %w", storeCfg.DefaultProject, err)
		}
		logger.Warn("authentication disabled", "project", storeCfg.DefaultProject)
	}

	metrics := metric.New()
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		reg, err := metric.NewRegistry(metrics)
		if err != nil {
			return err
		}
		metricsServer = metric.NewServer(cfg.Metrics.Addr, reg)
	}

	service, err := api.NewRuleStoreService(repo, storeCfg.RequestTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(&storeCfg, service, authenticator, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("starting rule store", "version", Version, "host", storeCfg.Host, "port", storeCfg.Port)
	errChan := make(chan error, 2)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()
	if metricsServer != nil {
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
		go func() {
			if err := metricsServer.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		logger.Info("shutting down gracefully")
		if metricsServer != nil {
			_ = metricsServer.Shutdown(ctx)
		}
		return grpcServer.Shutdown(ctx)
	}
}

// requireMigrated refuses to serve a schema with pending migrations.
func requireMigrated(database *sqlx.DB) error {
	status, err := db.MigrateStatus(database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range status {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'rulekeeper migrate up' first", s.ID)
		}
	}
	return nil
}
