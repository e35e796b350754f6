package nomad

import (
	"context"
	"sync"
	"time"
)

// Prober reports whether the backend is reachable.
type Prober interface {
	Health(ctx context.Context) (*HealthStatus, error)
}

// ConnectivityOptions configures a ConnectivityWatcher.
type ConnectivityOptions struct {
	Interval     time.Duration // probe period, default 15s
	ProbeTimeout time.Duration // per-probe timeout, default 5s
}

func (c *ConnectivityOptions) defaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// ConnectivityWatcher turns backend health probes into online/offline
// transitions on an OfflineSync. A probe that reaches the backend counts as
// online even if the backend answers with an error status.
type ConnectivityWatcher struct {
	prober  Prober
	offline *OfflineSync
	opts    ConnectivityOptions

	mu       sync.Mutex
	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewConnectivityWatcher creates a watcher; call Start to begin probing.
func NewConnectivityWatcher(prober Prober, offline *OfflineSync, opts *ConnectivityOptions) *ConnectivityWatcher {
	w := &ConnectivityWatcher{prober: prober, offline: offline}
	if opts != nil {
		w.opts = *opts
	}
	w.opts.defaults()
	return w
}

// Check runs one probe and applies the result. It returns the observed state.
func (w *ConnectivityWatcher) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.opts.ProbeTimeout)
	defer cancel()

	_, err := w.prober.Health(probeCtx)
	online := err == nil || !IsNetworkError(err)
	if ctx.Err() != nil {
		// Shutting down, not a connectivity signal.
		return w.offline.IsOnline()
	}
	w.offline.SetOnline(online)
	return online
}

// Start probes immediately, then on every interval until Stop or ctx is done.
func (w *ConnectivityWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancelFn != nil {
		w.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelFn = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.Check(loopCtx)

		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				w.Check(loopCtx)
			}
		}
	}()
}

// Stop ends probing and waits for the loop to exit.
func (w *ConnectivityWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancelFn, w.done
	w.cancelFn, w.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
