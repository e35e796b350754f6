package worker

import (
	"context"
	"net/http"
	"testing"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

func newSQLiteCaches(t *testing.T) *SQLiteCacheStorage {
	t.Helper()
	store, err := nomad.OpenSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	caches, err := NewSQLiteCacheStorage(context.Background(), store.DB())
	if err != nil {
		t.Fatalf("cache tables: %v", err)
	}
	return caches
}

func TestCacheStorages(t *testing.T) {
	impls := map[string]func(t *testing.T) CacheStorage{
		"memory": func(*testing.T) CacheStorage { return NewMemoryCacheStorage() },
		"sqlite": func(t *testing.T) CacheStorage { return newSQLiteCaches(t) },
	}
	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			v1, err := s.Open(ctx, "v1")
			if err != nil {
				t.Fatal(err)
			}
			v2, _ := s.Open(ctx, "v2")
			hdr := http.Header{"Content-Type": {"text/html"}}
			if err := v1.Put(ctx, "/", &CachedResponse{Status: 200, Header: hdr, Body: []byte("one")}); err != nil {
				t.Fatal(err)
			}
			v2.Put(ctx, "/", &CachedResponse{Status: 200, Body: []byte("two")})
			v2.Put(ctx, "/only-v2", &CachedResponse{Status: 200, Body: []byte("x")})

			// Overwrite keeps a single entry.
			v1.Put(ctx, "/", &CachedResponse{Status: 200, Header: hdr, Body: []byte("uno")})

			resp, ok, err := v1.Match(ctx, "/")
			if err != nil || !ok || string(resp.Body) != "uno" {
				t.Fatalf("v1 match: %v %v %+v", err, ok, resp)
			}
			if resp.Header.Get("Content-Type") != "text/html" {
				t.Fatalf("header lost: %v", resp.Header)
			}

			// Storage-wide match searches in creation order.
			resp, ok, _ = s.Match(ctx, "/")
			if !ok || string(resp.Body) != "uno" {
				t.Fatalf("expected oldest cache to win, got %+v", resp)
			}
			if _, ok, _ := s.Match(ctx, "/only-v2"); !ok {
				t.Fatal("expected match from later cache")
			}

			keys, _ := s.Keys(ctx)
			if len(keys) != 2 || keys[0] != "v1" || keys[1] != "v2" {
				t.Fatalf("unexpected keys %v", keys)
			}

			if existed, _ := s.Delete(ctx, "v1"); !existed {
				t.Fatal("expected v1 to exist")
			}
			if existed, _ := s.Delete(ctx, "v1"); existed {
				t.Fatal("second delete should report absence")
			}
			resp, ok, _ = s.Match(ctx, "/")
			if !ok || string(resp.Body) != "two" {
				t.Fatalf("expected v2 entry after deleting v1, got %+v", resp)
			}
		})
	}
}

func TestWorkerOverSQLiteCache(t *testing.T) {
	ctx := context.Background()
	caches := newSQLiteCaches(t)
	old, _ := caches.Open(ctx, "nomad-v0")
	old.Put(ctx, "/app.js", &CachedResponse{Status: 200, Body: []byte("stale")})

	o := newOrigin(t)
	w := newWorker(t, o, caches)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	rec := get(t, w, "/app.js")
	if rec.Body.String() != "asset /app.js" {
		t.Fatalf("stale cache served after activation: %q", rec.Body.String())
	}
	keys, _ := caches.Keys(ctx)
	if len(keys) != 1 || keys[0] != DefaultCacheName {
		t.Fatalf("expected only current cache, got %v", keys)
	}
}
