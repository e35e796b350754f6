package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	pendingListJSON bool

	// pending add-session
	pendingSessionTitle     string
	pendingSessionContent   string
	pendingSessionMode      string
	pendingSessionDuration  int
	pendingSessionTags      []string
	pendingSessionEngine    string
	pendingSessionNoTranscr bool

	// pending add-recording
	pendingRecordingTitle    string
	pendingRecordingDuration int
	pendingRecordingTags     []string
	pendingRecordingEngine   string
	pendingRecordingMime     string
)

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.AddCommand(pendingListCmd, pendingAddSessionCmd, pendingAddRecordingCmd, pendingRemoveCmd)

	pendingListCmd.Flags().BoolVar(&pendingListJSON, "json", false, "Output raw JSON")

	f := pendingAddSessionCmd.Flags()
	f.StringVar(&pendingSessionTitle, "title", "", "Session title")
	f.StringVar(&pendingSessionContent, "content", "", "Session text content (use - to read stdin)")
	f.StringVar(&pendingSessionMode, "mode", nomad.InputModePaste, "Input mode: record, import or paste")
	f.IntVar(&pendingSessionDuration, "duration", 0, "Duration in seconds")
	f.StringSliceVar(&pendingSessionTags, "tag", nil, "Tag ID (repeatable)")
	f.StringVar(&pendingSessionEngine, "engine", "", "Transcription engine")
	f.BoolVar(&pendingSessionNoTranscr, "no-transcribe", false, "Do not transcribe after upload")

	f = pendingAddRecordingCmd.Flags()
	f.StringVar(&pendingRecordingTitle, "title", "", "Recording title")
	f.IntVar(&pendingRecordingDuration, "duration", 0, "Duration in seconds")
	f.StringSliceVar(&pendingRecordingTags, "tag", nil, "Tag ID (repeatable)")
	f.StringVar(&pendingRecordingEngine, "engine", "", "Transcription engine")
	f.StringVar(&pendingRecordingMime, "mime", "", "MIME type (detected from extension if empty)")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect and edit the offline queue",
}

// withOffline opens the queue for the duration of fn.
func withOffline(fn func(ctx context.Context, offline *nomad.OfflineSync) error) error {
	cfg, err := effectiveConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := context.Background()
	offline, store, err := openOffline(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	defer offline.Destroy()
	return fn(ctx, offline)
}

// ============================================================================
// pending list
// ============================================================================

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending sessions and recordings in delivery order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOffline(func(ctx context.Context, offline *nomad.OfflineSync) error {
			sessions, err := offline.GetPendingSessions(ctx)
			if err != nil {
				return err
			}
			recordings, err := offline.GetPendingRecordings(ctx)
			if err != nil {
				return err
			}

			if pendingListJSON {
				return printJSON(map[string]any{"sessions": sessions, "recordings": recordings})
			}

			if len(sessions)+len(recordings) == 0 {
				fmt.Println(okStyle.Render("Nothing pending."))
				return nil
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("Sessions (%d)", len(sessions))))
			for _, s := range sessions {
				fmt.Printf("  %s  %s  %s\n", dimStyle.Render(s.ID), s.CreatedAt.Local().Format(time.DateTime),
					valueOrDefault(s.Title, truncate(s.Content, 40)))
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("Recordings (%d)", len(recordings))))
			for _, r := range recordings {
				fmt.Printf("  %s  %s  %s (%d bytes)\n", dimStyle.Render(r.ID), r.CreatedAt.Local().Format(time.DateTime),
					valueOrDefault(r.Title, r.FileName), len(r.Audio))
			}
			return nil
		})
	},
}

// ============================================================================
// pending add-session / add-recording
// ============================================================================

var pendingAddSessionCmd = &cobra.Command{
	Use:   "add-session",
	Short: "Queue a text session for later delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		content := pendingSessionContent
		if content == "-" {
			data, err := readAllStdin()
			if err != nil {
				return err
			}
			content = string(data)
		}
		if strings.TrimSpace(content) == "" && strings.TrimSpace(pendingSessionTitle) == "" {
			return fmt.Errorf("--title or --content is required")
		}

		ps := &nomad.PendingSession{
			Title:     pendingSessionTitle,
			Content:   content,
			InputMode: pendingSessionMode,
			Duration:  pendingSessionDuration,
			TagIDs:    pendingSessionTags,
			Engine:    pendingSessionEngine,
		}
		if pendingSessionNoTranscr {
			f := false
			ps.Transcribe = &f
		}
		return withOffline(func(ctx context.Context, offline *nomad.OfflineSync) error {
			if err := offline.SaveSessionOffline(ctx, ps); err != nil {
				return err
			}
			fmt.Printf("Queued session %s (%d pending)\n", ps.ID, offline.PendingCount())
			return nil
		})
	},
}

var pendingAddRecordingCmd = &cobra.Command{
	Use:   "add-recording <file>",
	Short: "Queue an audio file for later delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		audio, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		mimeType := pendingRecordingMime
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(path))
		}

		rec := &nomad.PendingRecording{
			Title:    pendingRecordingTitle,
			FileName: filepath.Base(path),
			MimeType: mimeType,
			Duration: pendingRecordingDuration,
			TagIDs:   pendingRecordingTags,
			Engine:   pendingRecordingEngine,
			Audio:    audio,
		}
		return withOffline(func(ctx context.Context, offline *nomad.OfflineSync) error {
			if err := offline.SaveRecordingOffline(ctx, rec); err != nil {
				return err
			}
			fmt.Printf("Queued recording %s (%d bytes, %d pending)\n", rec.ID, len(audio), offline.PendingCount())
			return nil
		})
	},
}

// ============================================================================
// pending remove
// ============================================================================

var pendingRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Drop a pending session or recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withOffline(func(ctx context.Context, offline *nomad.OfflineSync) error {
			before := offline.PendingCount()
			if err := offline.RemovePendingSession(ctx, id); err != nil {
				return err
			}
			if err := offline.RemovePendingRecording(ctx, id); err != nil {
				return err
			}
			if offline.PendingCount() == before {
				fmt.Println(dimStyle.Render("No pending item " + id))
				return nil
			}
			fmt.Printf("Removed %s (%d pending)\n", id, offline.PendingCount())
			return nil
		})
	},
}

func readAllStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("cannot read stdin: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
