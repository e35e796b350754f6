package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
	"github.com/nomad-capture/nomad/sdk/golang/internal/logging"
)

// ClientInfo describes a connected application client.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Claimed     bool      `json:"claimed"`
}

type client struct {
	info ClientInfo
	conn *websocket.Conn
}

type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*client
	claimed bool
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]*client)}
}

func (r *clientRegistry) add(conn *websocket.Conn) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &client{
		info: ClientInfo{ID: uuid.NewString(), ConnectedAt: time.Now().UTC(), Claimed: r.claimed},
		conn: conn,
	}
	r.clients[c.info.ID] = c
	return c
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// claimAll puts every open and future client under the active worker.
func (r *clientRegistry) claimAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = true
	for _, c := range r.clients {
		c.info.Claimed = true
	}
}

func (r *clientRegistry) snapshot() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].info.ConnectedAt.Before(out[j].info.ConnectedAt)
	})
	return out
}

func (r *clientRegistry) closeAll() {
	for _, c := range r.snapshot() {
		c.conn.Close(websocket.StatusGoingAway, "worker retired")
		r.remove(c.info.ID)
	}
}

// Clients lists connected clients, oldest first.
func (w *Worker) Clients() []ClientInfo {
	w.clients.mu.RLock()
	defer w.clients.mu.RUnlock()
	out := make([]ClientInfo, 0, len(w.clients.clients))
	for _, c := range w.clients.clients {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (w *Worker) serveClient(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		logging.Warning(logging.CategoryWorker, "client accept: %v", err)
		return
	}
	c := w.clients.add(conn)
	logging.Debug(logging.CategoryWorker, "client %s connected", c.info.ID)

	// Clients never send; CloseRead handles control frames until the peer leaves.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()

	w.clients.remove(c.info.ID)
	conn.Close(websocket.StatusNormalClosure, "")
	logging.Debug(logging.CategoryWorker, "client %s disconnected", c.info.ID)
}

// Sync handles a background-sync event. For the session sync tag it posts a
// BACKGROUND_SYNC message to every client. Delivery errors are returned so
// the caller can retry. Other tags are ignored.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	if tag != w.cfg.SyncTag {
		return nil
	}
	msg := nomad.WorkerMessage{Type: nomad.MessageBackgroundSync, Tag: tag}

	var errs []error
	for _, c := range w.clients.snapshot() {
		if err := wsjson.Write(ctx, c.conn, msg); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", c.info.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logging.Warning(logging.CategoryWorker, "background sync %s: %v", tag, err)
		return err
	}
	return nil
}

// RequestSync retries Sync with exponential backoff until it succeeds or ctx ends.
func (w *Worker) RequestSync(ctx context.Context, tag string) error {
	delay := 500 * time.Millisecond
	const maxDelay = 30 * time.Second
	for {
		err := w.Sync(ctx, tag)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("background sync %s: %w", tag, errors.Join(err, ctx.Err()))
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// retrySync runs RequestSync in the background for the worker's lifetime.
// At most one retry loop runs per tag.
func (w *Worker) retrySync(tag string) {
	w.mu.Lock()
	if w.retrying[tag] || w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.retrying[tag] = true
	w.retries.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.retries.Done()
		if err := w.RequestSync(w.ctx, tag); err != nil {
			logging.Debug(logging.CategoryWorker, "sync retry stopped: %v", err)
		} else {
			logging.Info(logging.CategoryWorker, "background sync %s delivered on retry", tag)
		}
		w.mu.Lock()
		delete(w.retrying, tag)
		w.mu.Unlock()
	}()
}

func (w *Worker) serveSync(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(rw, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = w.cfg.SyncTag
	}
	if err := w.Sync(r.Context(), tag); err != nil {
		w.retrySync(tag)
		writeDetail(rw, http.StatusInternalServerError, err.Error())
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	fmt.Fprintf(rw, `{"ok":true,"clients":%d}`+"\n", len(w.Clients()))
}
