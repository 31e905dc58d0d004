// Package main provides the graft CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/graft/pkg/config"
	"github.com/orneryd/graft/pkg/merge"
	"github.com/orneryd/graft/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "graft",
		Short: "graft - pattern-match-or-create upserts for property graphs",
		Long: `graft runs MERGE-style upserts against an embedded property graph:
given a node or node-edge-node pattern, it finds the matching subgraph or
creates it, then applies the on-create or on-match mutation list.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: auto-detect graft.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graft v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default config file and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configPath)
		},
	}
	rootCmd.AddCommand(initCmd)

	var specPath string
	upsertCmd := &cobra.Command{
		Use:   "upsert",
		Short: "Run an upsert plan from a YAML spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpsert(cmd.Context(), configPath, specPath)
		},
	}
	upsertCmd.Flags().StringVarP(&specPath, "file", "f", "", "Upsert spec file (required)")
	upsertCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(upsertCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print node and edge counts for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(configPath)
		},
	}
	rootCmd.AddCommand(statsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	return config.Load(configPath)
}

// stderrLogger adapts the storage diagnostic contract onto stdlib log.
type stderrLogger struct{}

func (stderrLogger) Log(level, msg string, fields map[string]any) {
	log.Printf("[%s] %s %v", level, msg, fields)
}

func openEngine(cfg *config.Config) (storage.Engine, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryEngine(), nil
	case config.BackendBadger:
		return storage.OpenBadger(storage.BadgerOptions{
			DataDir:             cfg.Storage.DataDir,
			Logger:              stderrLogger{},
			NodeCacheMaxEntries: cfg.Storage.NodeCacheEntries,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func runInit(configPath string) error {
	if configPath == "" {
		configPath = "graft.yaml"
	}
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	cfg := config.DefaultConfig()
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	content := fmt.Sprintf(`storage:
  backend: %s
  data_dir: %s
  node_cache_entries: %d

logging:
  level: %s
  format: %s
`,
		cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.NodeCacheEntries,
		cfg.Logging.Level, cfg.Logging.Format)

	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Initialized %s (data dir: %s)\n", configPath, cfg.Storage.DataDir)
	return nil
}

func runUpsert(ctx context.Context, configPath, specPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	spec, err := loadUpsertSpec(specPath)
	if err != nil {
		return err
	}

	store, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, c := range spec.Constraints {
		if err := store.AddUniqueConstraint(c.Label, c.Property); err != nil {
			return fmt.Errorf("constraint %s.%s: %w", c.Label, c.Property, err)
		}
	}

	pattern, err := spec.buildPattern()
	if err != nil {
		return err
	}
	onCreate, err := spec.buildMutations(spec.OnCreate)
	if err != nil {
		return err
	}
	onMatch, err := spec.buildMutations(spec.OnMatch)
	if err != nil {
		return err
	}

	op, err := merge.NewOperator(store, merge.SingleRow(), pattern, onCreate, onMatch)
	if err != nil {
		return err
	}

	for {
		row, err := op.Next(ctx)
		if errors.Is(err, merge.ErrEndOfRows) {
			break
		}
		if err != nil {
			return err
		}

		fmt.Printf("branch=%s", op.LastBranch())
		for _, name := range row.Vars() {
			val, _ := row.Get(name)
			switch elem := val.(type) {
			case *storage.Node:
				fmt.Printf(" %s=node/%s", name, elem.ID)
			case *storage.Edge:
				fmt.Printf(" %s=edge/%s", name, elem.ID)
			default:
				fmt.Printf(" %s=%v", name, val)
			}
		}
		fmt.Println()
	}

	stats := op.Stats()
	fmt.Printf("rows=%d nodes_created=%d edges_created=%d matched=%d created=%d retries=%d\n",
		stats.RowsEmitted, stats.NodesCreated, stats.EdgesCreated,
		stats.PathsMatched, stats.PathsCreated, stats.ConflictRetries)
	return nil
}

func runStats(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("nodes=%d edges=%d\n", stats.Nodes, stats.Edges)
	return nil
}
