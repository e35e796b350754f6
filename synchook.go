package nomad

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature of a sync hook body.
const SignatureHeader = "X-Nomad-Signature"

// SyncHookFunc reacts to a verified sync hook. It reports whether a sync pass started.
type SyncHookFunc func(msg WorkerMessage) bool

// ============================================================================
// Standalone Functions
// ============================================================================

// SignBody returns the "sha256=<hex>" signature of body under secret.
func SignBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies a sync hook signature using HMAC-SHA256.
// The "sha256=" prefix is optional. Comparison is constant-time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWorkerMessage parses a raw hook body into a WorkerMessage.
func ParseWorkerMessage(body string) (WorkerMessage, error) {
	var msg WorkerMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON in hook body: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("missing type field in hook body")
	}
	return msg, nil
}

// ============================================================================
// SyncHook
// ============================================================================

// SyncHook lets a remote scheduler request a background sync by POSTing a
// signed WorkerMessage, for hosts where no caching worker runs.
type SyncHook struct {
	secret string
	onSync SyncHookFunc
}

// NewSyncHook creates a hook handler.
func NewSyncHook(secret string, onSync SyncHookFunc) (*SyncHook, error) {
	if secret == "" {
		return nil, fmt.Errorf("sync hook secret is required")
	}
	if onSync == nil {
		return nil, fmt.Errorf("sync hook callback is required")
	}
	return &SyncHook{secret: secret, onSync: onSync}, nil
}

// Handle verifies and parses body, then dispatches it.
// Returns the status code and response body for the caller to write.
func (h *SyncHook) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, h.secret) {
		return http.StatusUnauthorized, map[string]string{"detail": "Invalid signature"}
	}

	msg, err := ParseWorkerMessage(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"detail": err.Error()}
	}

	started := h.onSync(msg)
	return http.StatusOK, map[string]bool{"ok": true, "started": started}
}

// HTTPHandler returns an http.Handler that processes hook requests.
func (h *SyncHook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"detail": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"detail": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		status, data := h.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(data)
	})
}
