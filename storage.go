package nomad

import (
	"context"
	"sort"
	"sync"
)

// Object store names. They are part of the on-disk schema.
const (
	StorePendingSessions   = "pending-sessions"
	StorePendingRecordings = "pending-recordings"
	StoreCachedSessions    = "cached-sessions"
)

// Storage is the durable backend of the offline queue.
//
// Each store holds at most one record per ID: Put overwrites, Delete of an
// absent ID is a no-op. List returns records in store-iteration order
// (ascending CreatedAt, then ID).
type Storage interface {
	PutPendingSession(ctx context.Context, s *PendingSession) error
	ListPendingSessions(ctx context.Context) ([]*PendingSession, error)
	DeletePendingSession(ctx context.Context, id string) error

	PutPendingRecording(ctx context.Context, r *PendingRecording) error
	ListPendingRecordings(ctx context.Context) ([]*PendingRecording, error)
	DeletePendingRecording(ctx context.Context, id string) error

	// CountPending returns the number of sessions plus recordings.
	CountPending(ctx context.Context) (int, error)

	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu         sync.RWMutex
	sessions   map[string]*PendingSession
	recordings map[string]*PendingRecording
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions:   make(map[string]*PendingSession),
		recordings: make(map[string]*PendingRecording),
	}
}

// ── Pending sessions ─────────────────────────────────────

func (s *MemoryStorage) PutPendingSession(_ context.Context, ps *PendingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[ps.ID] = ps.clone()
	return nil
}

func (s *MemoryStorage) ListPendingSessions(_ context.Context) ([]*PendingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*PendingSession, 0, len(s.sessions))
	for _, ps := range s.sessions {
		result = append(result, ps.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return storeLess(result[i].CreatedAt.UnixNano(), result[i].ID, result[j].CreatedAt.UnixNano(), result[j].ID)
	})
	return result, nil
}

func (s *MemoryStorage) DeletePendingSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ── Pending recordings ───────────────────────────────────

func (s *MemoryStorage) PutPendingRecording(_ context.Context, r *PendingRecording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[r.ID] = r.clone()
	return nil
}

func (s *MemoryStorage) ListPendingRecordings(_ context.Context) ([]*PendingRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*PendingRecording, 0, len(s.recordings))
	for _, r := range s.recordings {
		result = append(result, r.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return storeLess(result[i].CreatedAt.UnixNano(), result[i].ID, result[j].CreatedAt.UnixNano(), result[j].ID)
	})
	return result, nil
}

func (s *MemoryStorage) DeletePendingRecording(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recordings, id)
	return nil
}

func (s *MemoryStorage) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions) + len(s.recordings), nil
}

func (s *MemoryStorage) Close() error { return nil }

func storeLess(aAt int64, aID string, bAt int64, bID string) bool {
	if aAt != bAt {
		return aAt < bAt
	}
	return aID < bID
}
