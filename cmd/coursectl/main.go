// Package main provides coursectl, the operator CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxcourse/internal/config"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxcourse/internal/infrastructure/redpanda"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "coursectl",
		Short:        "Operate the prescription course services",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Derive statuses and stats for a JSON array of prescriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			rawNow, _ := cmd.Flags().GetString("now")

			now := time.Now().UTC()
			if rawNow != "" {
				t, err := time.Parse(time.RFC3339, rawNow)
				if err != nil {
					return fmt.Errorf("--now: %w", err)
				}
				now = t
			}

			var in io.Reader = os.Stdin
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return evaluate(in, cmd.OutOrStdout(), now)
		},
	}
	cmd.Flags().String("file", "-", "Prescription set as JSON; - reads stdin")
	cmd.Flags().String("now", "", "Evaluation instant (RFC3339); defaults to the current time")
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage broker topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create every topic the services use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if err := admin.EnsureTopics(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "topics ensured")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List broker topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, t := range topics {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.ConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lag)
			})
		},
	}
	lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := postgres.Migrate(ctx, pool); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show outbox counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, pool *pgxpool.Pool) error {
				stats, err := outbox(pool).GetStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withPool(cmd, func(ctx context.Context, pool *pgxpool.Pool) error {
				deleted, err := outbox(pool).CleanupProcessed(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", deleted)
				return nil
			})
		},
	}
	cleanupCmd.Flags().Duration("older-than", postgres.DefaultOutboxConfig().RetentionPeriod, "Age of processed entries to delete")
	cmd.AddCommand(cleanupCmd)

	return cmd
}

// outbox builds a relay handle for read and delete queries only. It has no
// publisher and is never started.
func outbox(pool *pgxpool.Pool) *postgres.Outbox {
	return postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), nil)
}

func withPool(cmd *cobra.Command, fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := redpanda.HealthCheck(ctx, cfg.Brokers()); err != nil {
		return err
	}
	admin, err := redpanda.NewAdmin(cfg.Brokers(), cfg.KafkaReplicas, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	return fn(ctx, admin)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
