package nomad

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testSecret = "test-hook-secret-key"

func makeHookBody(tag string) string {
	b, _ := json.Marshal(WorkerMessage{Type: MessageBackgroundSync, Tag: tag})
	return string(b)
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := makeHookBody(DefaultSyncTag)

	t.Run("valid signature", func(t *testing.T) {
		if !VerifySignature(body, SignBody(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignBody(body, testSecret), "sha256=")
		if !VerifySignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifySignature(body, SignBody(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifySignature(body+"x", SignBody(body, testSecret), testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifySignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifySignature(body, "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifySignature(body, "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifySignature(body, "sha256=", testSecret) {
			t.Fatal("expected false for prefix only")
		}
	})
}

func TestParseWorkerMessage(t *testing.T) {
	msg, err := ParseWorkerMessage(makeHookBody("custom"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != MessageBackgroundSync || msg.Tag != "custom" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, err := ParseWorkerMessage("not json"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := ParseWorkerMessage(`{"tag":"x"}`); err == nil || !strings.Contains(err.Error(), "missing type") {
		t.Fatalf("expected missing type error, got: %v", err)
	}
}

func TestNewSyncHook(t *testing.T) {
	if _, err := NewSyncHook("", func(WorkerMessage) bool { return false }); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewSyncHook(testSecret, nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
}

// ============================================================================
// SyncHook.HTTPHandler
// ============================================================================

func TestSyncHookHTTPHandler(t *testing.T) {
	var got []WorkerMessage
	hook, err := NewSyncHook(testSecret, func(msg WorkerMessage) bool {
		got = append(got, msg)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	handler := hook.HTTPHandler()

	t.Run("valid request", func(t *testing.T) {
		body := makeHookBody(DefaultSyncTag)
		req := httptest.NewRequest(http.MethodPost, "/hooks/sync", strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignBody(body, testSecret))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]bool
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if !resp["ok"] || !resp["started"] {
			t.Fatalf("unexpected response: %v", resp)
		}
		if len(got) != 1 || got[0].Tag != DefaultSyncTag {
			t.Fatalf("callback not invoked with message: %+v", got)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		body := makeHookBody(DefaultSyncTag)
		req := httptest.NewRequest(http.MethodPost, "/hooks/sync", strings.NewReader(body))
		req.Header.Set(SignatureHeader, "sha256=bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		body := `{"tag":"x"}`
		req := httptest.NewRequest(http.MethodPost, "/hooks/sync", strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignBody(body, testSecret))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/sync", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}
