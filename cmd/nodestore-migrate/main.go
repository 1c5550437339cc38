package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/nodestore/pkg/log"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodestore-migrate",
	Short: "Copy a nodestore database from one storage backend to another",
	Long: `Copy every bucket of a nodestore database into a fresh database of
another backend, for example to move from bolt to badger.

The source is never modified. A bolt source is backed up first unless
--dry-run is given.`,
	SilenceUsage: true,
	RunE:         migrate,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("from", "bolt", "Source backend: bolt, badger or sqlite")
	flags.String("from-dir", "/var/lib/nodestore", "Source data directory")
	flags.String("to", "badger", "Destination backend: bolt, badger or sqlite")
	flags.String("to-dir", "", "Destination data directory")
	flags.Bool("dry-run", false, "Show what would be copied without writing anything")
	flags.String("backup", "", "Backup path for a bolt source (default: <from-dir>/nodestore.db.backup)")
	rootCmd.MarkFlagRequired("to-dir")
}

func migrate(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	fromDir, _ := cmd.Flags().GetString("from-dir")
	to, _ := cmd.Flags().GetString("to")
	toDir, _ := cmd.Flags().GetString("to-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")

	log.Init(log.Config{Level: log.InfoLevel, Output: os.Stderr})
	logger := log.WithComponent("migrate")

	if from == string(storage.KindMemory) || to == string(storage.KindMemory) {
		return fmt.Errorf("the memory backend cannot be migrated")
	}
	if filepath.Clean(fromDir) == filepath.Clean(toDir) && from == to {
		return fmt.Errorf("source and destination are the same database")
	}

	logger.Info().
		Str("from", from).
		Str("from_dir", fromDir).
		Str("to", to).
		Str("to_dir", toDir).
		Bool("dry_run", dryRun).
		Msg("Nodestore database migration")

	if from == string(storage.KindBolt) && !dryRun {
		dbPath := filepath.Join(fromDir, "nodestore.db")
		if backupPath == "" {
			backupPath = dbPath + ".backup"
		}
		logger.Info().Str("backup", backupPath).Msg("Creating backup")
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	src, err := storage.Open(storage.Kind(from), fromDir)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	if dryRun {
		total := 0
		for _, bucket := range storage.Buckets {
			n := 0
			if err := src.Scan(bucket, nil, func(_, _ []byte) error {
				n++
				return nil
			}); err != nil {
				return fmt.Errorf("failed to read bucket %s: %w", bucket, err)
			}
			logger.Info().Str("bucket", bucket).Int("keys", n).Msg("[DRY RUN] Would copy")
			total += n
		}
		logger.Info().Int("keys", total).Msg("Dry run completed, no changes made")
		return nil
	}

	if err := os.MkdirAll(toDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	dst, err := storage.Open(storage.Kind(to), toDir)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	defer dst.Close()

	copied, err := storage.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("migration failed after %d keys: %w", copied, err)
	}
	logger.Info().Int("keys", copied).Msg("✓ Migration completed successfully")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
