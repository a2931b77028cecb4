package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicops/audittrail/internal/config"
	"github.com/clinicops/audittrail/internal/domain/auditlog"
	"github.com/clinicops/audittrail/internal/domain/compliance"
	"github.com/clinicops/audittrail/internal/platform/db"
	"github.com/clinicops/audittrail/internal/platform/eventbus"
	"github.com/clinicops/audittrail/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "audit-server",
		Short: "Clinic audit trail and compliance reporting server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.Files, schema))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Record audit events published to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.KafkaEnabled() {
				return fmt.Errorf("KAFKA_BROKERS is required for consume")
			}
			logger := newLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			d, err := openDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			client, err := eventbus.NewClient(ctx, eventbus.Config{
				Brokers: cfg.KafkaBrokers,
				Topic:   cfg.KafkaTopic,
				Group:   cfg.KafkaGroup,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			// synchronous: offsets are committed only after the store write
			recorder := auditlog.NewRecorder(d.store, logger, d.recorderOptions(d.complianceService())...)
			logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("consuming audit events")
			return eventbus.NewConsumer(client, recorder, d.metrics, logger).Run(ctx)
		},
	}
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a compliance report as JSON",
	}

	withService := func(fn func(context.Context, *compliance.Service) (any, error)) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		ctx, stop := signalContext()
		defer stop()

		d, err := openDeps(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer d.Close()

		out, err := fn(ctx, d.complianceService())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	patientCmd := &cobra.Command{
		Use:   "patient-access",
		Short: "Who accessed patient records over the last N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			patient, _ := cmd.Flags().GetString("patient")
			return withService(func(ctx context.Context, svc *compliance.Service) (any, error) {
				return svc.PatientAccess(ctx, compliance.PatientAccessQuery{Days: days, PatientID: patient})
			})
		},
	}
	patientCmd.Flags().Int("days", 30, "Trailing window in days")
	patientCmd.Flags().String("patient", "", "Restrict the report to one patient id")
	cmd.AddCommand(patientCmd)

	securityCmd := &cobra.Command{
		Use:   "security-events",
		Short: "Failed-login bursts over the last N hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			hours, _ := cmd.Flags().GetInt("hours")
			return withService(func(ctx context.Context, svc *compliance.Service) (any, error) {
				return svc.SecurityEvents(ctx, hours)
			})
		},
	}
	securityCmd.Flags().Int("hours", compliance.DefaultSecurityHours, "Trailing window in hours")
	cmd.AddCommand(securityCmd)

	return cmd
}

// shutdownTimeout bounds graceful shutdown of the server and recorder.
const shutdownTimeout = 10 * time.Second
