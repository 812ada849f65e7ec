package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/config"
	"github.com/mikepea/jumpd/pkg/jumpd/database"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"github.com/mikepea/jumpd/pkg/jumpd/reconcile"
	"github.com/mikepea/jumpd/pkg/jumpd/server"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// @title jumpd API
// @version 1.0
// @description Shared go-links: named jumps resolved per user, group and global scope.

// @contact.name jumpd maintainers
// @contact.url https://github.com/mikepea/jumpd

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT token or API key. Format: "Bearer {token}"

// @securityDefinitions.apikey SCIMAuth
// @in header
// @name Authorization
// @description SCIM bearer token. Format: "Bearer {scim_token}"

const shutdownGrace = 15 * time.Second

type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("jumpd failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "jumpd",
		Short:         "jumpd - a go/ link redirector for teams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config.yaml (default $"+config.EnvConfigPath+" or ./config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newCreateAdminCommand(opts))
	return cmd
}

// open loads configuration, sets up logging and returns a migrated database
func open(opts *rootOptions) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(config.ResolvePath(opts.ConfigPath))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return nil, nil, err
	}

	if err := database.Connect(cfg.Database.DSN); err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	db := database.GetDB()
	if err := models.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Debug("Database migrations completed")
	return cfg, db, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := open(opts)
			if err != nil {
				return err
			}
			if cfg.UsesDevSecret() {
				log.Warnf("Using the built-in JWT secret; set %s in production", config.EnvJWTSecret)
			}
			if log.GetLevel() < log.DebugLevel {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := server.New(cfg, db)
			created, password, err := server.EnsureAdmin(db, srv.Hub())
			if err != nil {
				return fmt.Errorf("ensure admin user: %w", err)
			}
			if created {
				log.Warnf("Created default admin user: admin (password: %s)", password)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx, shutdownGrace)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := open(opts)
			if err != nil {
				return err
			}
			log.WithField("dsn_kind", dsnKind(cfg.Database.DSN)).Info("Database migrations completed")
			return nil
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one group membership reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := open(opts)
			if err != nil {
				return err
			}
			res := reconcile.New(db, cfg.Reconcile.Interval).Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "groups=%d added=%d failures=%d duration=%s\n",
				res.Groups, res.Added, res.Failures, res.Duration)
			if res.Failures > 0 {
				return fmt.Errorf("reconcile finished with %d failures", res.Failures)
			}
			return nil
		},
	}
}

func newCreateAdminCommand(opts *rootOptions) *cobra.Command {
	var username, password, name, email string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a local system administrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}
			cfg, db, err := open(opts)
			if err != nil {
				return err
			}
			if name == "" {
				name = username
			}
			user, err := auth.CreateLocalUser(db, nil, username, password, name, email, models.SystemRoleAdmin)
			if err != nil {
				return err
			}
			// No server is listening for the creation event here.
			reconcile.New(db, cfg.Reconcile.Interval).Run(context.Background())
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (id %d)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "admin", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to username)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func dsnKind(dsn string) string {
	if database.IsPostgresDSN(dsn) {
		return "postgres"
	}
	return "sqlite"
}
