package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

// Terminal styles.
var (
	colorRed    = lipgloss.Color("#FF5F5F")
	colorGreen  = lipgloss.Color("#5FD75F")
	colorYellow = lipgloss.Color("#FFD75F")
	colorCyan   = lipgloss.Color("#5FD7FF")
	colorGray   = lipgloss.Color("#808080")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	labelStyle = lipgloss.NewStyle().Foreground(colorGray).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	errStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(colorGray)
)

func printField(label, value string) {
	fmt.Println("  " + labelStyle.Render(label) + value)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func engineStatusStyle(status string) lipgloss.Style {
	switch status {
	case nomad.EngineOnline:
		return okStyle
	case nomad.EngineOffline:
		return errStyle
	default:
		return warnStyle
	}
}

// getClient creates a backend client from the effective configuration.
func getClient(cfg *Config) (*nomad.Client, error) {
	opts := []nomad.ClientOption{
		nomad.WithBaseURL(cfg.Backend.BaseURL),
		nomad.WithUserAgent(nomad.DefaultUserAgent + " cli"),
	}
	if cfg.Backend.Timeout != "" {
		d, err := time.ParseDuration(cfg.Backend.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid backend.timeout %q: %w", cfg.Backend.Timeout, err)
		}
		opts = append(opts, nomad.WithTimeout(d))
	}
	return nomad.NewClient(opts...), nil
}

// openOffline opens the offline database and a queue over it.
// The caller must Destroy the queue and Close the storage.
func openOffline(ctx context.Context, cfg *Config) (*nomad.OfflineSync, *nomad.SQLiteStorage, error) {
	store, err := nomad.OpenSQLiteStorage(cfg.Offline.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open offline database %s: %w", cfg.Offline.Database, err)
	}
	offline := nomad.NewOfflineSync(store, &nomad.OfflineOptions{SyncTag: cfg.Offline.SyncTag})
	if err := offline.Init(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return offline, store, nil
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
