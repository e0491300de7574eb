package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/realmgate/pkg/audit"
	"github.com/StricklySoft/realmgate/pkg/clients/postgres"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

var (
	recentLimit int
	purgeAge    time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and prune stored deny records",
}

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Print the most recent deny records as JSON lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		store, closeDB, err := openAuditStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeDB()

		events, err := store.Recent(cmd.Context(), recentLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	},
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete deny records older than the retention",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		store, closeDB, err := openAuditStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeDB()

		retention := cfg.Audit.Retention
		if purgeAge > 0 {
			retention = purgeAge
		}
		n, err := store.Purge(cmd.Context(), retention, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records older than %s\n", n, retention)
		return nil
	},
}

func init() {
	auditRecentCmd.Flags().IntVar(&recentLimit, "limit", 100, "Maximum number of records")
	auditPurgeCmd.Flags().DurationVar(&purgeAge, "older-than", 0, "Override audit.retention")
	auditCmd.AddCommand(auditRecentCmd, auditPurgeCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore(ctx context.Context, cfg Config) (*audit.PostgresStore, func(), error) {
	db, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewPostgresStore(db, logging.Nop()), db.Close, nil
}
