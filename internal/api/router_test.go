package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, cfg Config, upload nomad.UploadFunc) (http.Handler, *nomad.OfflineSync) {
	t.Helper()
	store, err := nomad.OpenSQLiteStorage(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	offline := nomad.NewOfflineSync(store, nil)
	if err := offline.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(offline.Destroy)
	return NewRouter(cfg, NewHandler(offline, upload)), offline
}

func do(t *testing.T, r http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r, _ := setupRouter(t, Config{}, nil)
	rec := do(t, r, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}

func TestOfflineFlow(t *testing.T) {
	var delivered []string
	upload := func(_ context.Context, item nomad.PendingItem) error {
		delivered = append(delivered, string(item.Kind)+":"+item.ID())
		return nil
	}
	r, offline := setupRouter(t, Config{}, upload)

	rec := do(t, r, http.MethodPost, "/v1/offline/sessions",
		bytes.NewBufferString(`{"id":"s1","title":"Memo","content":"hello","duration":3}`), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("save session status=%d body=%s", rec.Code, rec.Body.String())
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "Voice note")
	mw.WriteField("duration", "12")
	mw.WriteField("tags", "idea")
	fw, _ := mw.CreateFormFile("audio", "clip.webm")
	fw.Write([]byte("RIFF-audio"))
	mw.Close()
	rec = do(t, r, http.MethodPost, "/v1/offline/recordings", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("save recording status=%d body=%s", rec.Code, rec.Body.String())
	}
	var saved map[string]any
	json.Unmarshal(rec.Body.Bytes(), &saved)
	recID, _ := saved["id"].(string)
	if recID == "" || saved["size"].(float64) != 10 {
		t.Fatalf("unexpected recording response %v", saved)
	}

	rec = do(t, r, http.MethodGet, "/v1/offline/status", nil, "")
	var status struct {
		Online       bool `json:"online"`
		PendingCount int  `json:"pending_count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &status)
	if !status.Online || status.PendingCount != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = do(t, r, http.MethodGet, "/v1/offline/recordings", nil, "")
	var recs []map[string]any
	json.Unmarshal(rec.Body.Bytes(), &recs)
	if len(recs) != 1 || recs[0]["file_name"] != "clip.webm" {
		t.Fatalf("unexpected recordings %v", recs)
	}

	rec = do(t, r, http.MethodPost, "/v1/offline/sync", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(delivered) != 2 || delivered[0] != "session:s1" || delivered[1] != "recording:"+recID {
		t.Fatalf("unexpected delivery order %v", delivered)
	}
	if offline.PendingCount() != 0 {
		t.Fatalf("expected empty queue, got %d", offline.PendingCount())
	}

	rec = do(t, r, http.MethodGet, "/v1/offline/sessions", nil, "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestSyncHaltReportsProgress(t *testing.T) {
	upload := func(_ context.Context, item nomad.PendingItem) error {
		if item.ID() == "b" {
			return errors.New("offline")
		}
		return nil
	}
	r, _ := setupRouter(t, Config{}, upload)
	bodies := []string{
		`{"id":"a","content":"x","created_at":"2026-01-01T00:00:01Z"}`,
		`{"id":"b","content":"x","created_at":"2026-01-01T00:00:02Z"}`,
		`{"id":"c","content":"x","created_at":"2026-01-01T00:00:03Z"}`,
	}
	for _, b := range bodies {
		do(t, r, http.MethodPost, "/v1/offline/sessions", bytes.NewBufferString(b), "application/json")
	}

	rec := do(t, r, http.MethodPost, "/v1/offline/sync", nil, "")
	var resp struct {
		Progress     nomad.SyncProgress `json:"sync_progress"`
		PendingCount int                `json:"pending_count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Progress.Total != 3 || resp.Progress.Synced != 1 || resp.PendingCount != 2 {
		t.Fatalf("unexpected sync result %d %+v", rec.Code, resp)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r, _ := setupRouter(t, Config{}, nil)
	for i := 0; i < 2; i++ {
		rec := do(t, r, http.MethodDelete, "/v1/offline/sessions/missing", nil, "")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("delete status=%d", rec.Code)
		}
	}
}

func TestValidation(t *testing.T) {
	r, _ := setupRouter(t, Config{}, nil)

	rec := do(t, r, http.MethodPost, "/v1/offline/sessions", bytes.NewBufferString(`{}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty session status=%d", rec.Code)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "no audio")
	mw.Close()
	rec = do(t, r, http.MethodPost, "/v1/offline/recordings", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("recording without audio status=%d", rec.Code)
	}

	rec = do(t, r, http.MethodPost, "/v1/offline/sync", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("sync without uploader status=%d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["detail"] == "" {
		t.Fatal("errors must carry a detail field")
	}
}

func TestAuthAndHook(t *testing.T) {
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r, _ := setupRouter(t, Config{AuthToken: "s3cret", SyncHook: hook}, nil)

	rec := do(t, r, http.MethodGet, "/v1/offline/status", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/offline/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}

	rec = do(t, r, http.MethodPost, "/v1/hooks/sync", bytes.NewBufferString("{}"), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("hook should bypass bearer auth, got %d", rec.Code)
	}
}
