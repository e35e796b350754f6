package nomad

import (
	"encoding/json"
	"net/http"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for every non-2xx backend response.
// Detail carries the body's "detail" field, or the HTTP status text when absent.
type APIError struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	return e.Detail
}

// newAPIError builds an APIError from a response status and raw body.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	detail := ""
	if json.Unmarshal(body, &payload) == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			detail = s
		} else if string(payload.Detail) != "null" {
			// FastAPI validation errors carry a list here
			detail = string(payload.Detail)
		}
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	return &APIError{Status: status, Detail: detail}
}

// ============================================================================
// Sessions
// ============================================================================

// Input modes accepted by the backend.
const (
	InputModeRecord = "record"
	InputModeImport = "import"
	InputModePaste  = "paste"
)

// Session is a unit of captured or pasted content.
type Session struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	InputMode  string `json:"input_mode,omitempty"`
	Duration   int    `json:"duration"`
	Status     string `json:"status,omitempty"`
	Engine     string `json:"engine,omitempty"`
	AudioURL   string `json:"audio_url,omitempty"`
	Tags       []Tag  `json:"tags,omitempty"`
	Notes      []Note `json:"notes,omitempty"`
	Marks      []Mark `json:"marks,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// SessionCreate is the JSON body of a session create.
type SessionCreate struct {
	Duration   int      `json:"duration"`
	InputMode  string   `json:"input_mode,omitempty"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content,omitempty"`
	TagIDs     []string `json:"tags,omitempty"`
	Transcribe *bool    `json:"transcribe,omitempty"`
	Engine     string   `json:"engine,omitempty"`
}

// SessionUpdate holds the mutable session fields.
type SessionUpdate struct {
	Title  *string `json:"title,omitempty"`
	Status *string `json:"status,omitempty"`
}

// ListSessionsOptions filters Sessions.List.
type ListSessionsOptions struct {
	Limit  int
	Offset int
	Tag    string
	Status string
	Search string
}

// Note is a text or audio annotation on a session.
type Note struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	AudioURL  string `json:"audio_url,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// NoteCreate is the multipart payload for Sessions.AddNote.
type NoteCreate struct {
	Content  string
	Type     string // "text" or "audio"
	Audio    []byte
	FileName string
}

// Mark is a timestamped bookmark inside a recording.
type Mark struct {
	ID        string  `json:"id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Time      int     `json:"time"`
	Label     *string `json:"label"`
}

// ============================================================================
// Upload
// ============================================================================

// UploadFile is one file of a multipart upload.
type UploadFile struct {
	FileName string
	MimeType string
	Data     []byte
}

// UploadResult is returned by the upload endpoint.
type UploadResult struct {
	SessionID string `json:"session_id"`
	FileURL   string `json:"file_url,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ============================================================================
// Tags
// ============================================================================

// Tag categorizes sessions.
type Tag struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Emoji        string  `json:"emoji,omitempty"`
	Hue          string  `json:"hue,omitempty"`
	Color        string  `json:"color,omitempty"`
	Transcribe   bool    `json:"transcribe,omitempty"`
	ParentID     *string `json:"parent_id,omitempty"`
	SessionCount int     `json:"session_count"`
}

// TagCreate is the payload for Tags.Create.
type TagCreate struct {
	Name       string  `json:"name"`
	Emoji      string  `json:"emoji,omitempty"`
	Color      string  `json:"color,omitempty"`
	Transcribe bool    `json:"transcribe"`
	ParentID   *string `json:"parent_id,omitempty"`
}

// ============================================================================
// Engines, transcription and queue
// ============================================================================

// Engine statuses reported by the backend.
const (
	EngineOnline  = "online"
	EngineOffline = "offline"
	EngineUnknown = "unknown"
)

// Engine is an external transcription provider.
type Engine struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	CostPerHour float64 `json:"cost_per_hour"`
}

// WakeResult is returned by Engines.Wake.
type WakeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Note    string `json:"note,omitempty"`
}

// TranscribeResult is returned when a transcription job is queued.
type TranscribeResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Engine    string `json:"engine,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// QueueJob is one transcription job tracked by the backend queue.
type QueueJob struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Engine    string `json:"engine"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// HealthStatus is returned by the backend health endpoint.
type HealthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
