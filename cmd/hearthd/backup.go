package main

import (
	"fmt"
	"os"

	"github.com/hearthd/hearthd/pkg/config"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and restore the store",
}

var backupExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the full store to an NDJSON snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer out.Close()

		if err := apiClient().ExportBackup(out); err != nil {
			os.Remove(args[0])
			return err
		}
		info, err := out.Stat()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Exported %d bytes to %s\n", info.Size(), args[0])
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore the store from an export snapshot",
	Long: `Replace the store contents with an export snapshot.

Restore opens the store directly under DATA_ROOT, so the daemon must
be stopped first; a running daemon holds the database lock.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}

		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		store, err := storage.NewBoltStore(cfg.DataRoot)
		if err != nil {
			return fmt.Errorf("failed to open store (is the daemon still running?): %w", err)
		}
		defer store.Close()

		if err := store.Restore(in); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("✓ Store restored from %s\n", args[0])
		return nil
	},
}

var backupRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask the backup agent for an export under the daemon's data root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		accepted, err := apiClient().RequestBackup()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Backup requested\n")
		fmt.Printf("  Correlation: %s\n", accepted.CorrelationID)
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupRequestCmd)
}
