package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/StricklySoft/realmgate/pkg/clients/minio"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/policy"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Validate, publish and inspect permission tables",
}

var tablesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a tables file compiles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: version %s, %d tiers, %d roles\n",
			args[0], pol.Version(), len(pol.Tiers()), len(pol.Precedence()))
		return nil
	},
}

var tablesPublishCmd = &cobra.Command{
	Use:   "publish <file>",
	Short: "Validate a tables file and upload it to the object store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		client, err := minio.NewClient(cmd.Context(), cfg.MinIO)
		if err != nil {
			return err
		}
		return publishTables(cmd, client, args[0])
	},
}

var tablesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the tables the configured policy source would load",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		var store *minio.Client
		if cfg.usesMinIO() {
			if store, err = minio.NewClient(cmd.Context(), cfg.MinIO); err != nil {
				return err
			}
		}
		pol, err := loadPolicy(cmd.Context(), cfg.Policy, store)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(pol.Tables())
	},
}

func init() {
	tablesCmd.AddCommand(tablesValidateCmd, tablesPublishCmd, tablesShowCmd)
	rootCmd.AddCommand(tablesCmd)
}

// publishTables uploads path after compiling it, then reads the object
// back to confirm the gateway will load what was written.
func publishTables(cmd *cobra.Command, store *minio.Client, path string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(path)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodePolicyTableNotFound, "tables: read %s", path)
	}
	format := policy.FormatFromName(path)
	pol, err := policy.Read(bytes.NewReader(data), format)
	if err != nil {
		return err
	}

	bucket, key := store.TablesLocation()
	if policy.FormatFromName(key) != format {
		return sserr.Newf(sserr.CodeValidation, "tables: %s does not match the format of object key %s", path, key)
	}
	if _, err := store.Publish(ctx, bucket, key, data); err != nil {
		return err
	}

	published, err := policy.LoadObject(ctx, store, bucket, key)
	if err != nil {
		return err
	}
	if published.Version() != pol.Version() {
		return sserr.Newf(sserr.CodePolicyTableInvalid, "tables: published version %s, read back %s", pol.Version(), published.Version())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published version %s to %s/%s\n", pol.Version(), bucket, key)
	return nil
}
