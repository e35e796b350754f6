package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, backend reachability and pending items",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println(titleStyle.Render("Configuration"))
		printField("Backend", cfg.Backend.BaseURL)
		printField("Offline DB", cfg.Offline.Database)
		printField("Sync tag", cfg.Offline.SyncTag)
		printField("Agent API", cfg.Agent.Listen)
		printField("API token", maskSecret(cfg.Agent.AuthToken))
		if cfg.Worker.Enabled {
			printField("Worker", fmt.Sprintf("%s -> %s (%s)", cfg.Worker.Listen, cfg.Worker.Origin, cfg.Worker.CacheName))
		} else {
			printField("Worker", dimStyle.Render("disabled"))
		}

		fmt.Println()
		fmt.Println(titleStyle.Render("Backend"))
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(5 * time.Second)
		defer cancel()
		health, err := client.Health(ctx)
		switch {
		case err == nil:
			printField("Reachable", okStyle.Render(valueOrDefault(health.Status, "ok")))
		case nomad.IsNetworkError(err):
			printField("Reachable", errStyle.Render("offline"))
		default:
			printField("Reachable", warnStyle.Render("degraded: "+err.Error()))
		}

		fmt.Println()
		fmt.Println(titleStyle.Render("Offline queue"))
		offline, store, err := openOffline(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		defer offline.Destroy()

		sessions, err := offline.GetPendingSessions(context.Background())
		if err != nil {
			return err
		}
		recordings, err := offline.GetPendingRecordings(context.Background())
		if err != nil {
			return err
		}
		countStyle := okStyle
		if offline.PendingCount() > 0 {
			countStyle = warnStyle
		}
		printField("Pending", countStyle.Render(fmt.Sprint(offline.PendingCount())))
		printField("Sessions", fmt.Sprint(len(sessions)))
		printField("Recordings", fmt.Sprint(len(recordings)))
		if version, err := store.SchemaVersion(context.Background()); err == nil {
			printField("Schema", fmt.Sprintf("v%d", version))
		}
		return nil
	},
}
