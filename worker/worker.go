// Package worker implements the caching worker: a reverse proxy in front of
// the PWA origin that precaches the app shell, applies a per-route caching
// policy, and relays background-sync requests to connected clients.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/nomad-capture/nomad/sdk/golang/internal/logging"
)

// State is the worker lifecycle state.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Defaults mirror the PWA's deployment.
const (
	DefaultCacheName    = "nomad-v1"
	DefaultAPIPrefix    = "/api"
	DefaultSocketPrefix = "/ws"
	DefaultFallback     = "/index.html"
)

// DefaultPrecache is the app shell fetched at install time.
var DefaultPrecache = []string{"/", "/index.html", "/manifest.json", "/favicon.svg"}

// Control endpoints served by the worker itself.
const (
	ClientsPath = "/__worker/clients"
	SyncPath    = "/__worker/sync"
)

// CacheHeader reports how a response was produced: hit, miss, network or fallback.
const CacheHeader = "X-Worker-Cache"

// Config configures a Worker.
type Config struct {
	Origin       *url.URL // upstream PWA origin
	CacheName    string   // version-named cache; bump on deploy
	Precache     []string
	APIPrefix    string
	SocketPrefix string
	Fallback     string
	SyncTag      string
	Transport    http.RoundTripper
}

func (c *Config) defaults() {
	if c.CacheName == "" {
		c.CacheName = DefaultCacheName
	}
	if c.Precache == nil {
		c.Precache = append([]string(nil), DefaultPrecache...)
	}
	if c.APIPrefix == "" {
		c.APIPrefix = DefaultAPIPrefix
	}
	if c.SocketPrefix == "" {
		c.SocketPrefix = DefaultSocketPrefix
	}
	if c.Fallback == "" {
		c.Fallback = DefaultFallback
	}
	if c.SyncTag == "" {
		c.SyncTag = "sync-sessions"
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
}

// Worker is an http.Handler. Until Start completes it passes every request
// straight through to the origin.
type Worker struct {
	cfg     Config
	caches  CacheStorage
	proxy   *httputil.ReverseProxy
	fetcher *http.Client

	mu    sync.RWMutex
	state State

	clients *clientRegistry

	// lifetime of background retries; cancelled by Close
	ctx      context.Context
	cancel   context.CancelFunc
	retries  sync.WaitGroup
	retrying map[string]bool
}

// New creates a worker in state "new".
func New(cfg Config, caches CacheStorage) (*Worker, error) {
	if cfg.Origin == nil {
		return nil, fmt.Errorf("origin is required")
	}
	if caches == nil {
		return nil, fmt.Errorf("cache storage is required")
	}
	cfg.defaults()

	proxy := httputil.NewSingleHostReverseProxy(cfg.Origin)
	proxy.Transport = cfg.Transport
	proxy.ErrorHandler = func(rw http.ResponseWriter, r *http.Request, err error) {
		logging.Warning(logging.CategoryWorker, "passthrough %s %s: %v", r.Method, r.URL.Path, err)
		writeDetail(rw, http.StatusBadGateway, err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		caches:   caches,
		proxy:    proxy,
		fetcher:  &http.Client{Transport: cfg.Transport},
		state:    StateNew,
		clients:  newClientRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		retrying: make(map[string]bool),
	}, nil
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	logging.Info(logging.CategoryWorker, "state %s", s)
}

// Start installs then activates the worker. Interception begins only after
// activation has pruned stale caches. An install failure leaves the worker
// redundant.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateNew {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker already started (state %s)", state)
	}
	w.mu.Unlock()

	w.setState(StateInstalling)
	if err := w.install(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}

	w.setState(StateActivating)
	if err := w.activate(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("activate: %w", err)
	}

	w.setState(StateActive)
	return nil
}

// Close retires the worker, stops pending sync retries and disconnects its clients.
func (w *Worker) Close() {
	w.setState(StateRedundant)
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()
	w.retries.Wait()
	w.clients.closeAll()
}

// install precaches the app shell. Nothing is stored unless every asset fetched.
func (w *Worker) install(ctx context.Context) error {
	fetched := make(map[string]*CachedResponse, len(w.cfg.Precache))
	for _, path := range w.cfg.Precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		resp, err := w.fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		if resp.Status < 200 || resp.Status > 299 {
			return fmt.Errorf("precache %s: status %d", path, resp.Status)
		}
		fetched[path] = resp
	}

	cache, err := w.caches.Open(ctx, w.cfg.CacheName)
	if err != nil {
		return err
	}
	for _, path := range w.cfg.Precache {
		if err := cache.Put(ctx, path, fetched[path]); err != nil {
			return err
		}
	}
	logging.Info(logging.CategoryWorker, "precached %d assets into %s", len(fetched), w.cfg.CacheName)
	return nil
}

// activate deletes every cache not named for this version, then claims clients.
func (w *Worker) activate(ctx context.Context) error {
	names, err := w.caches.Keys(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == w.cfg.CacheName {
			continue
		}
		if _, err := w.caches.Delete(ctx, name); err != nil {
			return err
		}
		logging.Info(logging.CategoryWorker, "pruned cache %s", name)
	}
	w.clients.claimAll()
	return nil
}

// ServeHTTP applies the routing policy.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case ClientsPath:
		w.serveClient(rw, r)
		return
	case SyncPath:
		w.serveSync(rw, r)
		return
	}

	if w.State() != StateActive ||
		r.Method != http.MethodGet ||
		strings.HasPrefix(r.URL.Path, w.cfg.SocketPrefix) {
		w.proxy.ServeHTTP(rw, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, w.cfg.APIPrefix) {
		w.networkFirst(rw, r)
		return
	}
	w.cacheFirst(rw, r)
}

func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.RequestURI()

	resp, err := w.fetch(ctx, r)
	if err == nil {
		w.store(ctx, key, resp)
		writeCached(rw, resp, "network")
		return
	}

	cached, ok, cerr := w.caches.Match(ctx, key)
	if cerr != nil {
		logging.Error(logging.CategoryWorker, "cache match %s: %v", key, cerr)
	}
	if ok {
		writeCached(rw, cached, "hit")
		return
	}
	writeDetail(rw, http.StatusBadGateway, err.Error())
}

func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.RequestURI()

	cached, ok, err := w.caches.Match(ctx, key)
	if err != nil {
		logging.Error(logging.CategoryWorker, "cache match %s: %v", key, err)
	}
	if ok {
		writeCached(rw, cached, "hit")
		return
	}

	resp, ferr := w.fetch(ctx, r)
	if ferr == nil {
		w.store(ctx, key, resp)
		writeCached(rw, resp, "miss")
		return
	}

	fallback, ok, err := w.caches.Match(ctx, w.cfg.Fallback)
	if err != nil {
		logging.Error(logging.CategoryWorker, "cache match %s: %v", w.cfg.Fallback, err)
	}
	if ok {
		writeCached(rw, fallback, "fallback")
		return
	}
	writeDetail(rw, http.StatusBadGateway, ferr.Error())
}

// store keeps 200 responses only.
func (w *Worker) store(ctx context.Context, key string, resp *CachedResponse) {
	if resp.Status != http.StatusOK {
		return
	}
	cache, err := w.caches.Open(ctx, w.cfg.CacheName)
	if err == nil {
		err = cache.Put(ctx, key, resp)
	}
	if err != nil {
		logging.Error(logging.CategoryWorker, "cache put %s: %v", key, err)
	}
}

// fetch performs r against the origin and buffers the response.
// Only transport failures are errors; any HTTP status is a response.
func (w *Worker) fetch(ctx context.Context, r *http.Request) (*CachedResponse, error) {
	target := w.cfg.Origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out.Header[k] = append([]string(nil), vv...)
	}

	resp, err := w.fetcher.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	header := resp.Header.Clone()
	for k := range hopHeaders {
		header.Del(k)
	}
	header.Del("Content-Length")
	return &CachedResponse{Status: resp.StatusCode, Header: header, Body: body}, nil
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func writeCached(rw http.ResponseWriter, resp *CachedResponse, source string) {
	h := rw.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Set(CacheHeader, source)
	h.Set("Content-Length", fmt.Sprint(len(resp.Body)))
	rw.WriteHeader(resp.Status)
	io.Copy(rw, bytes.NewReader(resp.Body))
}

func writeDetail(rw http.ResponseWriter, status int, detail string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"detail": detail})
}
