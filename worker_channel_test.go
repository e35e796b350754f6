package nomad

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// workerStub accepts channel connections. Each accepted connection gets the
// queued greeting, then is held open (or dropped, when drop is set).
type workerStub struct {
	accepts  atomic.Int32
	greeting *WorkerMessage
	drop     atomic.Bool
}

func (s *workerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.accepts.Add(1)
	ctx := conn.CloseRead(r.Context())

	if s.greeting != nil {
		if err := wsjson.Write(ctx, conn, s.greeting); err != nil {
			return
		}
		// Garbage and typeless frames are ignored by the reader.
		conn.Write(ctx, websocket.MessageText, []byte("not json"))
		wsjson.Write(ctx, conn, map[string]string{"tag": "x"})
	}
	if s.drop.Load() {
		conn.Close(websocket.StatusInternalError, "worker restarting")
		return
	}
	<-ctx.Done()
}

func startWorkerStub(t *testing.T, stub *workerStub) string {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return srv.URL + "/__worker/clients"
}

func TestWorkerChannelTriggersSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := NewOfflineSync(NewMemoryStorage(), nil)
	defer o.Destroy()
	if err := o.SaveSessionOffline(ctx, &PendingSession{Title: "queued"}); err != nil {
		t.Fatal(err)
	}

	var fail atomic.Bool
	fail.Store(true)
	upload := func(context.Context, PendingItem) error {
		if fail.Load() {
			return &NetworkError{Err: context.DeadlineExceeded}
		}
		return nil
	}
	if err := o.SyncPending(ctx, upload); err != nil {
		t.Fatal(err)
	}
	if o.PendingCount() != 1 {
		t.Fatal("first pass should have halted")
	}
	fail.Store(false)

	stub := &workerStub{greeting: &WorkerMessage{Type: MessageBackgroundSync, Tag: DefaultSyncTag}}
	ch := NewWorkerChannel(ChannelConfig{URL: startWorkerStub(t, stub)})
	ch.BindOffline(o)

	var messages atomic.Int32
	ch.OnMessage(func(WorkerMessage) { messages.Add(1) })

	if err := ch.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer ch.Disconnect()

	waitFor(t, func() bool { return o.PendingCount() == 0 })
	time.Sleep(50 * time.Millisecond)
	if n := messages.Load(); n != 1 {
		t.Errorf("messages dispatched = %d, want 1", n)
	}
}

func TestWorkerChannelLifecycle(t *testing.T) {
	stub := &workerStub{}
	ch := NewWorkerChannel(ChannelConfig{URL: startWorkerStub(t, stub)})

	connected := make(chan struct{}, 1)
	disconnected := make(chan string, 1)
	ch.OnConnected(func() { connected <- struct{}{} })
	ch.OnDisconnected(func(reason string) { disconnected <- reason })

	if ch.State() != StateDisconnected {
		t.Fatalf("initial state = %s", ch.State())
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected handler not called")
	}
	if ch.State() != StateConnected {
		t.Fatalf("state = %s", ch.State())
	}
	// Connecting again while connected is a no-op.
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("state after Disconnect = %s", ch.State())
	}
	select {
	case reason := <-disconnected:
		t.Fatalf("intentional close reported as a drop: %s", reason)
	case <-time.After(100 * time.Millisecond):
	}
	if n := stub.accepts.Load(); n != 1 {
		t.Errorf("accepts = %d, want 1", n)
	}
}

func TestWorkerChannelReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := &workerStub{}
	stub.drop.Store(true)
	ch := NewWorkerChannel(ChannelConfig{
		URL:                startWorkerStub(t, stub),
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	drops := make(chan string, 64)
	ch.OnDisconnected(func(reason string) { drops <- reason })

	if err := ch.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return stub.accepts.Load() >= 2 })

	// Let the next connection stay up.
	stub.drop.Store(false)
	waitFor(t, func() bool { return ch.State() == StateConnected && stub.accepts.Load() >= 3 })
	if len(drops) == 0 {
		t.Error("dropped connection was not reported")
	}
	ch.Disconnect()
}

func TestWorkerChannelDialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ch := NewWorkerChannel(ChannelConfig{URL: url})
	if err := ch.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("state = %s", ch.State())
	}
}
