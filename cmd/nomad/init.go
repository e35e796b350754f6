package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

var (
	initWorkerOrigin string
	initEnableWorker bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initWorkerOrigin, "origin", "", "Frontend origin the caching worker fronts")
	initCmd.Flags().BoolVar(&initEnableWorker, "worker", false, "Enable the caching worker in 'nomad serve'")
}

var initCmd = &cobra.Command{
	Use:   "init <backend-url>",
	Short: "Write ~/.nomad/config.toml and create the offline database",
	Long: "Initialize the Nomad CLI: store the backend URL, fill the [offline] and [worker]\n" +
		"sections with their defaults, and create the offline queue database.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyInit(cfg, args[0], initWorkerOrigin, initEnableWorker); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		version, err := prepareOfflineDB(cmd.Context(), cfg.Offline.Database)
		if err != nil {
			return err
		}

		path, _ := configPath()
		printField("Config", path)
		printField("Backend", cfg.Backend.BaseURL)
		printField("Offline DB", fmt.Sprintf("%s (schema v%d)", cfg.Offline.Database, version))
		printField("Worker", fmt.Sprintf("%s -> %s (enabled: %t)", cfg.Worker.Listen, cfg.Worker.Origin, cfg.Worker.Enabled))
		return nil
	},
}

// applyInit sets the backend URL and materializes the offline and worker
// sections. Values already in the file are kept.
func applyInit(cfg *Config, backendURL, origin string, enableWorker bool) error {
	u, err := url.Parse(backendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend URL %q", backendURL)
	}
	if origin != "" {
		o, err := url.Parse(origin)
		if err != nil || (o.Scheme != "http" && o.Scheme != "https") || o.Host == "" {
			return fmt.Errorf("invalid worker origin %q", origin)
		}
		cfg.Worker.Origin = o.String()
	}
	if enableWorker {
		cfg.Worker.Enabled = true
	}
	cfg.Backend.BaseURL = u.String()

	filled := cfg.withDefaults()
	cfg.Backend.Timeout = filled.Backend.Timeout
	cfg.Offline = filled.Offline
	cfg.Worker = filled.Worker
	return nil
}

// prepareOfflineDB creates the offline database (and its directory) and
// brings it to the current schema.
func prepareOfflineDB(ctx context.Context, path string) (int, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return 0, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	store, err := nomad.OpenSQLiteStorage(path)
	if err != nil {
		return 0, fmt.Errorf("open offline database %s: %w", path, err)
	}
	defer store.Close()
	return store.SchemaVersion(ctx)
}
