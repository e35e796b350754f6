package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

var syncTimeout time.Duration

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "Give up after this long")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver pending items to the backend now",
	Long:  "Run one sync pass: sessions first, then recordings, oldest first. The pass stops at the first item the backend rejects.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		offline, store, err := openOffline(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		defer offline.Destroy()

		offline.On("sync.progress", func(_ string, p any) {
			progress := p.(nomad.SyncProgress)
			fmt.Printf("  %s %d/%d\n", okStyle.Render("✓"), progress.Synced, progress.Total)
		})
		var halted *nomad.SyncHalt
		offline.On("sync.halted", func(_ string, p any) {
			h := p.(nomad.SyncHalt)
			halted = &h
		})

		if offline.PendingCount() == 0 {
			fmt.Println(okStyle.Render("Nothing pending."))
			return nil
		}
		fmt.Printf("Syncing %d item(s) to %s\n", offline.PendingCount(), cfg.Backend.BaseURL)

		if err := offline.SyncPending(ctx, nomad.NewBackendUploader(client).Upload); err != nil {
			return err
		}
		if halted != nil {
			fmt.Println(errStyle.Render(fmt.Sprintf("Stopped at %s %s: %v", halted.Kind, halted.ItemID, halted.Err)))
			fmt.Printf("%d item(s) still pending\n", offline.PendingCount())
			return nil
		}
		fmt.Println(okStyle.Render("All items delivered."))
		return nil
	},
}
