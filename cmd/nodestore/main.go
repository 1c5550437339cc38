package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/nodestore/pkg/config"
	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/events"
	"github.com/cuemby/nodestore/pkg/log"
	"github.com/cuemby/nodestore/pkg/node"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodestore",
	Short: "Nodestore - transactional content node repository",
	Long: `Nodestore keeps a typed graph of content nodes with properties,
aspects, containment and peer associations, archive and restore.

Nodes are addressed either by path from the store root (/Docs/report)
or by node ref (workspace://SpacesStore/<uuid>).`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var settings *config.Config

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nodestore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to the YAML configuration file")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.String("backend", "", "Storage backend: bolt, badger, sqlite or memory (overrides config)")
	flags.String("log-level", "", "Log level: debug, info, warn or error (overrides config)")
	flags.Bool("log-json", false, "Write logs as JSON")
	flags.String("user", security.SystemUser, "User to run operations as")
	flags.String("store", node.DefaultStore.String(), "Store that paths resolve in")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
}

// setup loads the configuration and applies flag overrides
func setup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Backend = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	}
	if cfg.Log.File != "" {
		logCfg.File = &log.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	log.Init(logCfg)

	settings = cfg
	return nil
}

// repository bundles an open repository with its backend
type repository struct {
	*node.Repository
	backend storage.Backend
	store   types.StoreRef
}

func (r *repository) Close() error {
	return r.backend.Close()
}

// repoOptions carries collaborators only the server wires in
type repoOptions struct {
	broker      *events.Broker
	permissions security.Checker
}

func openRepository(cmd *cobra.Command, opts repoOptions) (*repository, error) {
	if settings.Backend != string(storage.KindMemory) {
		if err := os.MkdirAll(settings.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	backend, err := storage.Open(storage.Kind(settings.Backend), settings.DataDir)
	if err != nil {
		return nil, err
	}

	dict := dictionary.New()
	for _, model := range settings.Models {
		if err := loadModel(dict, model); err != nil {
			backend.Close()
			return nil, err
		}
	}

	repo, err := node.New(node.Config{
		Backend:         backend,
		Dictionary:      dict,
		Permissions:     opts.permissions,
		Broker:          opts.broker,
		ArchiveEnabled:  settings.Archive.Enabled,
		DefaultLocale:   settings.Locale,
		CacheMaxEntries: settings.Cache.MaxEntries,
		Retry: node.RetryOptions{
			MaxRetries: settings.Transaction.MaxRetries,
			MinBackoff: settings.Transaction.MinBackoff,
			MaxBackoff: settings.Transaction.MaxBackoff,
			Timeout:    settings.Transaction.Timeout,
		},
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := repo.Bootstrap(cmd.Context()); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to bootstrap repository: %w", err)
	}

	storeFlag, _ := cmd.Flags().GetString("store")
	store, err := types.ParseStoreRef(storeFlag)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return &repository{Repository: repo, backend: backend, store: store}, nil
}

func loadModel(dict *dictionary.Service, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()
	if err := dict.LoadModel(f); err != nil {
		return fmt.Errorf("failed to load model %s: %w", path, err)
	}
	return nil
}

// userContext runs the command as the --user flag's user
func userContext(cmd *cobra.Command) context.Context {
	user, _ := cmd.Flags().GetString("user")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return security.WithUser(ctx, user)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and the default stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository(cmd, repoOptions{})
		if err != nil {
			return err
		}
		defer repo.Close()

		fmt.Println("Initializing nodestore...")
		fmt.Printf("  Backend: %s\n", settings.Backend)
		fmt.Printf("  Data Directory: %s\n", settings.DataDir)
		fmt.Println()

		ctx := userContext(cmd)
		stores, err := node.DoInTransaction(ctx, repo.Repository, repo.Retry(), repo.GetStores)
		if err != nil {
			return err
		}
		for _, store := range stores {
			fmt.Printf("✓ Store %s\n", store)
		}
		return nil
	},
}
