package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (c *CachedResponse) clone() *CachedResponse {
	return &CachedResponse{
		Status: c.Status,
		Header: c.Header.Clone(),
		Body:   append([]byte(nil), c.Body...),
	}
}

// Cache is one named response cache, keyed by request URI.
type Cache interface {
	Match(ctx context.Context, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp *CachedResponse) error
}

// CacheStorage holds the worker's named caches.
type CacheStorage interface {
	// Open returns the named cache, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Keys lists cache names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a cache and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks key up across all caches in creation order.
	Match(ctx context.Context, key string) (*CachedResponse, bool, error)
}

// ============================================================================
// Memory
// ============================================================================

// MemoryCacheStorage is a goroutine-safe in-memory CacheStorage.
type MemoryCacheStorage struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]*memoryCache
}

// NewMemoryCacheStorage creates an empty storage.
func NewMemoryCacheStorage() *MemoryCacheStorage {
	return &MemoryCacheStorage{caches: make(map[string]*memoryCache)}
}

func (s *MemoryCacheStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = &memoryCache{entries: make(map[string]*CachedResponse)}
		s.caches[name] = c
		s.order = append(s.order, name)
	}
	return c, nil
}

func (s *MemoryCacheStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemoryCacheStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryCacheStorage) Match(ctx context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	caches := make([]*memoryCache, 0, len(s.order))
	for _, n := range s.order {
		caches = append(caches, s.caches[n])
	}
	s.mu.RUnlock()

	for _, c := range caches {
		if resp, ok, _ := c.Match(ctx, key); ok {
			return resp, true, nil
		}
	}
	return nil, false, nil
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
}

func (c *memoryCache) Match(_ context.Context, key string) (*CachedResponse, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.clone(), true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, resp *CachedResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resp.clone()
	return nil
}

// ============================================================================
// SQLite
// ============================================================================

const cacheSchema = `
CREATE TABLE IF NOT EXISTS http_caches (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS http_cache (
	cache_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (cache_name, key)
);`

// SQLiteCacheStorage persists caches in SQLite so they survive restarts.
// It can share a database handle with the offline stores.
type SQLiteCacheStorage struct {
	db *sql.DB
}

// NewSQLiteCacheStorage creates the cache tables on db if needed.
func NewSQLiteCacheStorage(ctx context.Context, db *sql.DB) (*SQLiteCacheStorage, error) {
	if _, err := db.ExecContext(ctx, cacheSchema); err != nil {
		return nil, fmt.Errorf("create cache tables: %w", err)
	}
	return &SQLiteCacheStorage{db: db}, nil
}

func (s *SQLiteCacheStorage) Open(ctx context.Context, name string) (Cache, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO http_caches (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

func (s *SQLiteCacheStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM http_caches ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteCacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM http_cache WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete cache entries %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM http_caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteCacheStorage) Match(ctx context.Context, key string) (*CachedResponse, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.status, e.header, e.body
		FROM http_cache e JOIN http_caches c ON c.name = e.cache_name
		WHERE e.key = ?
		ORDER BY c.created_at, c.name
		LIMIT 1
	`, key)
	return scanCached(row)
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

func (c *sqliteCache) Match(ctx context.Context, key string) (*CachedResponse, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT status, header, body FROM http_cache
		WHERE cache_name = ? AND key = ?
	`, c.name, key)
	return scanCached(row)
}

func (c *sqliteCache) Put(ctx context.Context, key string, resp *CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO http_cache (cache_name, key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at
	`, c.name, key, resp.Status, string(header), resp.Body, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put %s in cache %s: %w", key, c.name, err)
	}
	return nil
}

func scanCached(row *sql.Row) (*CachedResponse, bool, error) {
	var (
		status int
		header string
		body   []byte
	)
	if err := row.Scan(&status, &header, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cached response: %w", err)
	}
	resp := &CachedResponse{Status: status, Body: body, Header: http.Header{}}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, false, fmt.Errorf("decode cached header: %w", err)
	}
	return resp, true, nil
}
