// Package nomad is the Go client and offline-first sync layer for the NOMAD
// audio capture and transcription backend.
//
// It covers the backend REST surface with a sub-module access pattern, a durable
// offline queue for sessions and recordings created while the backend is
// unreachable, and the glue that replays that queue when connectivity returns.
//
// Example:
//
//	client := nomad.NewClient(nomad.WithBaseURL("http://localhost:8000"))
//
//	sessions, _ := client.Sessions.List(ctx, &nomad.ListSessionsOptions{Limit: 20})
//	engines := client.Engines.Status(ctx)
//	client.Transcribe(ctx, sessions[0].ID, "groq-turbo")
//
//	store, _ := nomad.OpenSQLiteStorage("nomad-offline.db")
//	offline := nomad.NewOfflineSync(store, nil)
//	offline.SyncPending(ctx, nomad.NewBackendUploader(client).Upload)
package nomad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "http://localhost:8000"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "nomad-go"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client

	Sessions *SessionsClient
	Upload   *UploadClient
	Tags     *TagsClient
	Engines  *EnginesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a new backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Sessions = &SessionsClient{client: c}
	c.Upload = &UploadClient{client: c}
	c.Tags = &TagsClient{client: c}
	c.Engines = &EnginesClient{client: c}
	return c
}

// BaseURL returns the backend base URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Errors
// ============================================================================

// NetworkError wraps a transport failure (the backend was not reached).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "request failed: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err means the backend could not be reached,
// as opposed to the backend answering with an error status.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.send(req)
}

// formFile is one file part of a multipart request.
type formFile struct {
	field    string
	name     string
	mimeType string
	data     []byte
}

func (c *Client) doMultipart(ctx context.Context, path string, fields url.Values, files []formFile) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for key, values := range fields {
		for _, v := range values {
			if err := w.WriteField(key, v); err != nil {
				return nil, fmt.Errorf("failed to write form field %s: %w", key, err)
			}
		}
	}
	for _, f := range files {
		part, err := w.CreatePart(fileHeader(f))
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func fileHeader(f formFile) map[string][]string {
	mimeType := f.mimeType
	if mimeType == "" {
		mimeType = guessMimeType(f.name)
	}
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.name)},
		"Content-Type":        {mimeType},
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(bytes.TrimSpace(data)) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// guessMimeType returns the MIME type for an audio file name.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Browsers record webm/ogg; not every platform registry knows the audio flavours.
	fallback := map[string]string{
		".webm": "audio/webm", ".ogg": "audio/ogg", ".m4a": "audio/mp4",
		".mp3": "audio/mpeg", ".wav": "audio/wav",
	}
	if t, ok := fallback[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Top-level endpoints
// ============================================================================

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthStatus](data)
}

// ValidEngines lists the engine identifiers accepted by Transcribe.
var ValidEngines = []string{"auto", "groq-turbo", "groq-large", "deepgram", "wynona"}

// Transcribe queues a transcription job for a session. engine defaults to "auto".
func (c *Client) Transcribe(ctx context.Context, sessionID, engine string) (*TranscribeResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if engine == "" {
		engine = "auto"
	}
	valid := false
	for _, e := range ValidEngines {
		if e == engine {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("invalid engine %q (valid: %s)", engine, strings.Join(ValidEngines, ", "))
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/transcribe/"+url.PathEscape(sessionID),
		map[string]string{"engine": engine}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[TranscribeResult](data)
}

// Queue lists transcription jobs.
func (c *Client) Queue(ctx context.Context) ([]QueueJob, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/queue", nil, nil)
	if err != nil {
		return nil, err
	}
	// The queue endpoint answers either a bare list or {"jobs": [...]}.
	var wrapped struct {
		Jobs []QueueJob `json:"jobs"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Jobs != nil {
		return wrapped.Jobs, nil
	}
	jobs, err := decodeJSON[[]QueueJob](data)
	if err != nil {
		return nil, err
	}
	return *jobs, nil
}

// ============================================================================
// Sessions
// ============================================================================

type SessionsClient struct{ client *Client }

// Create creates a session. Audio goes through Upload.Files instead.
func (s *SessionsClient) Create(ctx context.Context, in *SessionCreate) (*Session, error) {
	if in == nil {
		return nil, fmt.Errorf("session payload is required")
	}
	body := *in
	if body.InputMode == "" {
		body.InputMode = InputModeRecord
	}
	data, err := s.client.doRequest(ctx, http.MethodPost, "/api/sessions", &body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Session](data)
}

// List returns sessions matching the options.
func (s *SessionsClient) List(ctx context.Context, opts *ListSessionsOptions) ([]Session, error) {
	q := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			q.Set("offset", strconv.Itoa(opts.Offset))
		}
		if opts.Tag != "" {
			q.Set("tag", opts.Tag)
		}
		if opts.Status != "" {
			q.Set("status", opts.Status)
		}
		if opts.Search != "" {
			q.Set("search", opts.Search)
		}
	}
	data, err := s.client.doRequest(ctx, http.MethodGet, "/api/sessions", nil, q)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[[]Session](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (s *SessionsClient) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.doRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Session](data)
}

func (s *SessionsClient) Update(ctx context.Context, id string, in *SessionUpdate) (*Session, error) {
	data, err := s.client.doRequest(ctx, http.MethodPut, "/api/sessions/"+url.PathEscape(id), in, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Session](data)
}

func (s *SessionsClient) Delete(ctx context.Context, id string) error {
	_, err := s.client.doRequest(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
	return err
}

// SetTags replaces the tag set of a session.
func (s *SessionsClient) SetTags(ctx context.Context, id string, tagIDs []string) error {
	if tagIDs == nil {
		tagIDs = []string{}
	}
	_, err := s.client.doRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/tags",
		map[string][]string{"tag_ids": tagIDs}, nil)
	return err
}

// AddNote attaches a text or audio note.
func (s *SessionsClient) AddNote(ctx context.Context, id string, in *NoteCreate) (*Note, error) {
	if in == nil {
		return nil, fmt.Errorf("note payload is required")
	}
	fields := url.Values{}
	fields.Set("content", in.Content)
	noteType := in.Type
	if noteType == "" {
		noteType = "text"
	}
	fields.Set("type", noteType)

	var files []formFile
	if len(in.Audio) > 0 {
		name := in.FileName
		if name == "" {
			name = "note.webm"
		}
		files = append(files, formFile{field: "audio", name: name, data: in.Audio})
	}
	data, err := s.client.doMultipart(ctx, "/api/sessions/"+url.PathEscape(id)+"/notes", fields, files)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Note](data)
}

// AddMark bookmarks a position (in seconds) of a session's recording.
func (s *SessionsClient) AddMark(ctx context.Context, id string, at int, label string) (*Mark, error) {
	body := Mark{Time: at}
	if label != "" {
		body.Label = &label
	}
	data, err := s.client.doRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/marks", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Mark](data)
}

// ============================================================================
// Upload
// ============================================================================

type UploadClient struct{ client *Client }

// Files uploads one or more audio files; the backend creates a session per file.
func (u *UploadClient) Files(ctx context.Context, files ...UploadFile) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	parts := make([]formFile, 0, len(files))
	for _, f := range files {
		parts = append(parts, formFile{field: "file", name: f.FileName, mimeType: f.MimeType, data: f.Data})
	}
	data, err := u.client.doMultipart(ctx, "/api/upload", nil, parts)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadResult](data)
}

// ============================================================================
// Tags
// ============================================================================

type TagsClient struct{ client *Client }

// SeedTags is served by List when the backend cannot answer.
var SeedTags = []Tag{
	{ID: "1", Name: "Insight", Emoji: "\U0001F9E0", Hue: "#8888BB"},
	{ID: "2", Name: "Call", Emoji: "\U0001F4DE", Hue: "#BB8888"},
	{ID: "3", Name: "Podcast", Emoji: "\U0001F399️", Hue: "#B8A060"},
	{ID: "4", Name: "Memo", Emoji: "\U0001F4DD", Hue: "#6BAA88"},
	{ID: "5", Name: "Music", Emoji: "\U0001F3B5", Hue: "#B080A0"},
	{ID: "6", Name: "Sample", Emoji: "\U0001F3B9", Hue: "#9080B0"},
	{ID: "7", Name: "Travail", Emoji: "\U0001F4BC", Hue: "#7098BB"},
	{ID: "8", Name: "Idée", Emoji: "\U0001F4A1", Hue: "#C09060"},
	{ID: "9", Name: "Learning", Emoji: "\U0001F393", Hue: "#60A898"},
	{ID: "10", Name: "Perso", Emoji: "\U0001F3E0", Hue: "#888888"},
}

// List returns all tags, or a copy of SeedTags on any error.
func (t *TagsClient) List(ctx context.Context) []Tag {
	data, err := t.client.doRequest(ctx, http.MethodGet, "/api/tags", nil, nil)
	if err == nil {
		if tags, err := decodeJSON[[]Tag](data); err == nil {
			return *tags
		}
	}
	return append([]Tag(nil), SeedTags...)
}

func (t *TagsClient) Create(ctx context.Context, in *TagCreate) (*Tag, error) {
	if in == nil || strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("tag name is required")
	}
	data, err := t.client.doRequest(ctx, http.MethodPost, "/api/tags", in, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Tag](data)
}

// ============================================================================
// Engines
// ============================================================================

type EnginesClient struct{ client *Client }

// FallbackEngines is served by Status when the backend cannot answer.
var FallbackEngines = []Engine{
	{ID: "groq", Name: "Groq Whisper", Status: EngineOnline, CostPerHour: 0.04},
	{ID: "deepgram", Name: "Deepgram", Status: EngineOnline, CostPerHour: 0.46},
	{ID: "wynona", Name: "WYNONA", Status: EngineOffline, CostPerHour: 0},
	{ID: "local", Name: "Local", Status: EngineOffline, CostPerHour: 0},
}

// Status returns every engine's availability, or FallbackEngines on any error.
func (e *EnginesClient) Status(ctx context.Context) []Engine {
	data, err := e.client.doRequest(ctx, http.MethodGet, "/api/engines/status", nil, nil)
	if err == nil {
		var resp struct {
			Engines []Engine `json:"engines"`
		}
		if json.Unmarshal(data, &resp) == nil && len(resp.Engines) > 0 {
			return resp.Engines
		}
	}
	return append([]Engine(nil), FallbackEngines...)
}

// Wake asks the backend to boot a local GPU engine.
func (e *EnginesClient) Wake(ctx context.Context, engine string) (*WakeResult, error) {
	if engine == "" {
		engine = "wynona"
	}
	data, err := e.client.doRequest(ctx, http.MethodPost, "/api/engines/"+url.PathEscape(engine)+"/wake", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[WakeResult](data)
}
