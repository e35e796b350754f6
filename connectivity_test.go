package nomad

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProber) Health(ctx context.Context) (*HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Err: err}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &HealthStatus{Status: "ok"}, nil
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestConnectivityCheck(t *testing.T) {
	prober := &fakeProber{}
	o := NewOfflineSync(NewMemoryStorage(), nil)
	defer o.Destroy()
	events := recordEvents(o)
	w := NewConnectivityWatcher(prober, o, nil)
	ctx := context.Background()

	prober.set(&NetworkError{Err: errors.New("connection refused")})
	if w.Check(ctx) {
		t.Fatal("a network error means offline")
	}
	if o.IsOnline() {
		t.Fatal("queue should be offline")
	}

	// The backend answered, even if unhappily.
	prober.set(&APIError{Status: 503, Detail: "Service Unavailable"})
	if !w.Check(ctx) {
		t.Fatal("an API error means the backend is reachable")
	}

	prober.set(nil)
	if !w.Check(ctx) || !o.IsOnline() {
		t.Fatal("expected online")
	}

	got := events.only("network.")
	if !equalStrings(got, []string{"network.offline", "network.online"}) {
		t.Errorf("events = %v", got)
	}
}

func TestConnectivityCheckIgnoresShutdown(t *testing.T) {
	prober := &fakeProber{}
	o := NewOfflineSync(NewMemoryStorage(), nil)
	defer o.Destroy()
	w := NewConnectivityWatcher(prober, o, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !w.Check(ctx) {
		t.Fatal("cancellation must report the current state")
	}
	if !o.IsOnline() {
		t.Fatal("cancellation is not a connectivity signal")
	}
}

func TestConnectivityStartStop(t *testing.T) {
	prober := &fakeProber{err: &NetworkError{Err: errors.New("down")}}
	o := NewOfflineSync(NewMemoryStorage(), nil)
	defer o.Destroy()
	w := NewConnectivityWatcher(prober, o, &ConnectivityOptions{Interval: 10 * time.Millisecond})

	w.Start(context.Background())
	w.Start(context.Background()) // second start is a no-op
	waitFor(t, func() bool { return !o.IsOnline() })

	prober.set(nil)
	waitFor(t, func() bool { return o.IsOnline() })
	waitFor(t, func() bool { return prober.count() >= 3 })

	w.Stop()
	n := prober.count()
	time.Sleep(50 * time.Millisecond)
	if prober.count() != n {
		t.Errorf("probing continued after Stop: %d -> %d", n, prober.count())
	}
	w.Stop()
}
