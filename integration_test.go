//go:build integration

package nomad_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

// helpers ---------------------------------------------------------------

func newClient(t *testing.T) *nomad.Client {
	t.Helper()
	base := os.Getenv("NOMAD_BASE_URL_TEST")
	if base == "" {
		t.Fatal("NOMAD_BASE_URL_TEST environment variable is required")
	}
	return nomad.NewClient(nomad.WithBaseURL(base), nomad.WithTimeout(30*time.Second))
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: Health and catalog
// =======================================================================

func TestIntegration_Health(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	t.Logf("Health: status=%s service=%s", health.Status, health.Service)
}

func TestIntegration_Catalog(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tags := client.Tags.List(ctx)
	if len(tags) == 0 {
		t.Error("expected at least the seed tags")
	}
	engines := client.Engines.Status(ctx)
	if len(engines) == 0 {
		t.Error("expected engine status entries")
	}
	jobs, err := client.Queue(ctx)
	if err != nil {
		t.Fatalf("Queue returned error: %v", err)
	}
	t.Logf("Catalog: tags=%d engines=%d jobs=%d", len(tags), len(engines), len(jobs))
}

// =======================================================================
// Group 2: Session lifecycle
// =======================================================================

func TestIntegration_SessionLifecycle(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	noTranscribe := false
	created, err := client.Sessions.Create(ctx, &nomad.SessionCreate{
		InputMode:  nomad.InputModePaste,
		Title:      uniqueName("go-integration"),
		Content:    "Integration test content from Go SDK.",
		Transcribe: &noTranscribe,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty session ID")
	}
	defer client.Sessions.Delete(context.Background(), created.ID)

	t.Run("Get", func(t *testing.T) {
		got, err := client.Sessions.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if got.Title != created.Title {
			t.Errorf("expected title %q, got %q", created.Title, got.Title)
		}
	})

	t.Run("Update", func(t *testing.T) {
		title := created.Title + " (edited)"
		updated, err := client.Sessions.Update(ctx, created.ID, &nomad.SessionUpdate{Title: &title})
		if err != nil {
			t.Fatalf("Update returned error: %v", err)
		}
		if updated.Title != title {
			t.Errorf("expected title %q, got %q", title, updated.Title)
		}
	})

	t.Run("NoteAndMark", func(t *testing.T) {
		if _, err := client.Sessions.AddNote(ctx, created.ID, &nomad.NoteCreate{Content: "a note"}); err != nil {
			t.Fatalf("AddNote returned error: %v", err)
		}
		if _, err := client.Sessions.AddMark(ctx, created.ID, 3, "intro"); err != nil {
			t.Fatalf("AddMark returned error: %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := client.Sessions.Get(ctx, "does-not-exist-"+uniqueName("x"))
		if err == nil {
			t.Fatal("expected error for missing session")
		}
		if _, ok := err.(*nomad.APIError); !ok {
			t.Fatalf("expected *APIError, got %T", err)
		}
	})
}

// =======================================================================
// Group 3: Offline replay
// =======================================================================

func TestIntegration_OfflineReplay(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := nomad.OpenSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStorage: %v", err)
	}
	defer store.Close()
	offline := nomad.NewOfflineSync(store, &nomad.OfflineOptions{StartOffline: true})
	defer offline.Destroy()

	title := uniqueName("go-offline")
	if err := offline.SaveSessionOffline(ctx, &nomad.PendingSession{Title: title, Content: "queued offline", InputMode: nomad.InputModePaste}); err != nil {
		t.Fatalf("SaveSessionOffline: %v", err)
	}
	if err := offline.SaveRecordingOffline(ctx, &nomad.PendingRecording{Title: title + " audio", FileName: "clip.webm", MimeType: "audio/webm", Audio: []byte("not really audio")}); err != nil {
		t.Fatalf("SaveRecordingOffline: %v", err)
	}

	if err := offline.SyncPending(ctx, nomad.NewBackendUploader(client).Upload); err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	p := offline.SyncProgress()
	t.Logf("Replay: synced=%d total=%d pending=%d", p.Synced, p.Total, offline.PendingCount())
	if p.Synced == 0 {
		t.Fatal("expected at least the text session to be delivered")
	}
}
