// Offline sync queue.
//
// Sessions and recordings produced while the backend is unreachable are kept
// in a durable Storage and replayed, strictly in order, once connectivity
// returns.
//
// Usage:
//
//	store, _ := nomad.OpenSQLiteStorage(path)
//	offline := nomad.NewOfflineSync(store, nil)
//	offline.Init(ctx)
//	defer offline.Destroy()
//
//	offline.SaveSessionOffline(ctx, &nomad.PendingSession{Title: "Memo", Content: "..."})
//	offline.SyncPending(ctx, nomad.NewBackendUploader(client).Upload)
package nomad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Data Types
// ============================================================================

// PendingSession is a session payload not yet acknowledged by the backend.
type PendingSession struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content,omitempty"`
	InputMode  string    `json:"input_mode,omitempty"`
	Duration   int       `json:"duration"`
	TagIDs     []string  `json:"tag_ids,omitempty"`
	Engine     string    `json:"engine,omitempty"`
	Transcribe *bool     `json:"transcribe,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (p *PendingSession) clone() *PendingSession {
	c := *p
	c.TagIDs = append([]string(nil), p.TagIDs...)
	if p.Transcribe != nil {
		v := *p.Transcribe
		c.Transcribe = &v
	}
	return &c
}

// PendingRecording is an audio capture awaiting upload.
type PendingRecording struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type,omitempty"`
	Duration  int       `json:"duration"`
	TagIDs    []string  `json:"tag_ids,omitempty"`
	Engine    string    `json:"engine,omitempty"`
	Audio     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *PendingRecording) clone() *PendingRecording {
	c := *r
	c.TagIDs = append([]string(nil), r.TagIDs...)
	c.Audio = append([]byte(nil), r.Audio...)
	return &c
}

// ItemKind tells which store a PendingItem came from.
type ItemKind string

const (
	KindSession   ItemKind = "session"
	KindRecording ItemKind = "recording"
)

// PendingItem is one unit of delivery handed to an UploadFunc.
// Exactly one of Session and Recording is set, matching Kind.
type PendingItem struct {
	Kind      ItemKind
	Session   *PendingSession
	Recording *PendingRecording
}

// ID returns the client-generated identifier of the wrapped record.
func (i PendingItem) ID() string {
	switch i.Kind {
	case KindSession:
		return i.Session.ID
	case KindRecording:
		return i.Recording.ID
	}
	return ""
}

// UploadFunc delivers one pending item to the backend.
// A nil return means the backend acknowledged the item.
type UploadFunc func(ctx context.Context, item PendingItem) error

// SyncProgress reports the state of the current or last sync pass.
type SyncProgress struct {
	Total  int `json:"total"`
	Synced int `json:"synced"`
}

// SyncHalt is the payload of the "sync.halted" event.
type SyncHalt struct {
	ItemID string
	Kind   ItemKind
	Err    error
}

// OfflineOptions configures the OfflineSync.
type OfflineOptions struct {
	// StartOffline sets the initial connectivity state to offline.
	StartOffline bool
	// SyncTag is the background-sync tag that triggers a replay. Default "sync-sessions".
	SyncTag string
}

// DefaultSyncTag is the background-sync tag used for session synchronization.
const DefaultSyncTag = "sync-sessions"

var errNoUploadFunc = errors.New("upload function is required")

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

// On registers a handler for an event.
func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a broken listener must not break the queue
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// OfflineSync
// ============================================================================

// OfflineSync is the offline-first delivery queue.
//
// Events: "network.online", "network.offline", "pending.changed" (int),
// "sync.start", "sync.progress", "sync.complete" (SyncProgress),
// "sync.halted" (SyncHalt), "sync.skipped".
type OfflineSync struct {
	offlineEmitter
	storage Storage
	syncTag string

	// base context for syncs started by reconnection or worker messages
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	isOnline     bool
	syncing      bool
	rerun        bool
	pendingCount int
	progress     SyncProgress
	upload       UploadFunc
	stopped      bool
	wg           sync.WaitGroup
}

// NewOfflineSync creates a queue over storage.
func NewOfflineSync(storage Storage, opts *OfflineOptions) *OfflineSync {
	ctx, cancel := context.WithCancel(context.Background())
	o := &OfflineSync{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		storage:        storage,
		syncTag:        DefaultSyncTag,
		ctx:            ctx,
		cancel:         cancel,
		isOnline:       true,
	}
	if opts != nil {
		o.isOnline = !opts.StartOffline
		if opts.SyncTag != "" {
			o.syncTag = opts.SyncTag
		}
	}
	return o
}

// Init computes the pending counter once so leftovers from a previous run are visible.
func (o *OfflineSync) Init(ctx context.Context) error {
	return o.refreshPendingCount(ctx)
}

// Destroy cancels automatic syncs, waits for them and drops all listeners.
func (o *OfflineSync) Destroy() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
	o.removeAll()
}

// IsOnline returns current network state.
func (o *OfflineSync) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isOnline
}

// PendingCount returns the number of sessions plus recordings currently stored.
func (o *OfflineSync) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingCount
}

// SyncProgress returns the progress of the current or last sync pass.
func (o *OfflineSync) SyncProgress() SyncProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// SetOnline updates network state. Going online replays the queue with the
// last upload function given to SyncPending, if any.
func (o *OfflineSync) SetOnline(online bool) {
	o.mu.Lock()
	if o.isOnline == online {
		o.mu.Unlock()
		return
	}
	o.isOnline = online
	o.mu.Unlock()

	if online {
		o.emit("network.online", nil)
		o.syncRemembered()
	} else {
		o.emit("network.offline", nil)
	}
}

// HandleWorkerMessage reacts to a message broadcast by the caching worker.
// It reports whether a sync pass was started.
func (o *OfflineSync) HandleWorkerMessage(msg WorkerMessage) bool {
	if msg.Type != MessageBackgroundSync || msg.Tag != o.syncTag {
		return false
	}
	return o.syncRemembered()
}

func (o *OfflineSync) syncRemembered() bool {
	o.mu.Lock()
	upload := o.upload
	if upload == nil || o.stopped {
		o.mu.Unlock()
		return false
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		_ = o.SyncPending(o.ctx, upload)
	}()
	return true
}

// ── Persistence ───────────────────────────────────────────

// SaveSessionOffline stores a pending session, overwriting any record with the same ID.
func (o *OfflineSync) SaveSessionOffline(ctx context.Context, s *PendingSession) error {
	if s == nil {
		return fmt.Errorf("pending session is required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := o.storage.PutPendingSession(ctx, s); err != nil {
		return fmt.Errorf("save pending session %s: %w", s.ID, err)
	}
	return o.refreshPendingCount(ctx)
}

// SaveRecordingOffline stores a pending recording, overwriting any record with the same ID.
func (o *OfflineSync) SaveRecordingOffline(ctx context.Context, r *PendingRecording) error {
	if r == nil {
		return fmt.Errorf("pending recording is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := o.storage.PutPendingRecording(ctx, r); err != nil {
		return fmt.Errorf("save pending recording %s: %w", r.ID, err)
	}
	return o.refreshPendingCount(ctx)
}

func (o *OfflineSync) GetPendingSessions(ctx context.Context) ([]*PendingSession, error) {
	sessions, err := o.storage.ListPendingSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	return sessions, nil
}

func (o *OfflineSync) GetPendingRecordings(ctx context.Context) ([]*PendingRecording, error) {
	recordings, err := o.storage.ListPendingRecordings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending recordings: %w", err)
	}
	return recordings, nil
}

// RemovePendingSession deletes a pending session. Absent IDs are a no-op.
func (o *OfflineSync) RemovePendingSession(ctx context.Context, id string) error {
	if err := o.storage.DeletePendingSession(ctx, id); err != nil {
		return fmt.Errorf("remove pending session %s: %w", id, err)
	}
	return o.refreshPendingCount(ctx)
}

// RemovePendingRecording deletes a pending recording. Absent IDs are a no-op.
func (o *OfflineSync) RemovePendingRecording(ctx context.Context, id string) error {
	if err := o.storage.DeletePendingRecording(ctx, id); err != nil {
		return fmt.Errorf("remove pending recording %s: %w", id, err)
	}
	return o.refreshPendingCount(ctx)
}

func (o *OfflineSync) refreshPendingCount(ctx context.Context) error {
	count, err := o.storage.CountPending(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	changed := o.pendingCount != count
	o.pendingCount = count
	o.mu.Unlock()

	if changed {
		o.emit("pending.changed", count)
	}
	return nil
}

// ── Sync pass ─────────────────────────────────────────────

// SyncPending delivers every pending item through upload, one at a time:
// all sessions first, then all recordings, each in store order.
//
// The first delivery failure ends the pass; that item and everything after it
// stay pending and the failure is not returned. Storage errors and context
// cancellation are returned. upload is remembered for automatic replays.
// A pass requested while another is running is skipped, and one more pass
// with the remembered upload runs after the current one ends.
func (o *OfflineSync) SyncPending(ctx context.Context, upload UploadFunc) error {
	if upload == nil {
		return errNoUploadFunc
	}

	o.mu.Lock()
	o.upload = upload
	if o.syncing {
		o.rerun = true
		o.mu.Unlock()
		o.emit("sync.skipped", nil)
		return nil
	}
	o.syncing = true
	o.rerun = false
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		rerun := o.rerun && ctx.Err() == nil
		o.rerun = false
		o.mu.Unlock()
		if rerun {
			o.syncRemembered()
		}
	}()

	sessions, err := o.storage.ListPendingSessions(ctx)
	if err != nil {
		return fmt.Errorf("snapshot pending sessions: %w", err)
	}
	recordings, err := o.storage.ListPendingRecordings(ctx)
	if err != nil {
		return fmt.Errorf("snapshot pending recordings: %w", err)
	}

	items := make([]PendingItem, 0, len(sessions)+len(recordings))
	for _, s := range sessions {
		items = append(items, PendingItem{Kind: KindSession, Session: s})
	}
	for _, r := range recordings {
		items = append(items, PendingItem{Kind: KindRecording, Recording: r})
	}

	progress := SyncProgress{Total: len(items)}
	o.setProgress(progress)
	o.emit("sync.start", progress)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			o.emit("sync.halted", SyncHalt{ItemID: item.ID(), Kind: item.Kind, Err: err})
			return err
		}

		if err := upload(ctx, item); err != nil {
			// Stays pending for the next pass.
			o.emit("sync.halted", SyncHalt{ItemID: item.ID(), Kind: item.Kind, Err: err})
			return o.refreshPendingCount(ctx)
		}

		if err := o.removeItem(ctx, item); err != nil {
			return err
		}
		progress.Synced++
		o.setProgress(progress)
		o.emit("sync.progress", progress)
	}

	o.emit("sync.complete", progress)
	return nil
}

func (o *OfflineSync) removeItem(ctx context.Context, item PendingItem) error {
	switch item.Kind {
	case KindSession:
		return o.RemovePendingSession(ctx, item.Session.ID)
	case KindRecording:
		return o.RemovePendingRecording(ctx, item.Recording.ID)
	}
	return fmt.Errorf("unknown pending item kind %q", item.Kind)
}

func (o *OfflineSync) setProgress(p SyncProgress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}
