package nomad

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Messages
// ============================================================================

// MessageBackgroundSync is broadcast by the caching worker when the platform
// asks for a background sync.
const MessageBackgroundSync = "BACKGROUND_SYNC"

// WorkerMessage is the wire format of worker-to-application messages.
type WorkerMessage struct {
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a WorkerChannel.
type ChannelConfig struct {
	// URL of the worker's clients endpoint, http(s) or ws(s).
	URL                  string
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WorkerChannel
// ============================================================================

// WorkerChannel receives messages broadcast by the caching worker over a
// WebSocket, reconnecting with exponential backoff when the link drops.
type WorkerChannel struct {
	config *ChannelConfig
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc

	handlersMu     sync.RWMutex
	onMessage      []func(WorkerMessage)
	onConnected    []func()
	onDisconnected []func(reason string)
}

// NewWorkerChannel creates a channel; call Connect to open it.
func NewWorkerChannel(config ChannelConfig) *WorkerChannel {
	config.defaults()
	return &WorkerChannel{
		config: &config,
		recon:  newReconnector(&config),
		state:  StateDisconnected,
	}
}

// BindOffline forwards background-sync messages to offline.
func (c *WorkerChannel) BindOffline(offline *OfflineSync) {
	c.OnMessage(func(msg WorkerMessage) {
		offline.HandleWorkerMessage(msg)
	})
}

// OnMessage registers a handler for worker messages.
func (c *WorkerChannel) OnMessage(h func(WorkerMessage)) {
	c.handlersMu.Lock()
	c.onMessage = append(c.onMessage, h)
	c.handlersMu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (c *WorkerChannel) OnConnected(h func()) {
	c.handlersMu.Lock()
	c.onConnected = append(c.onConnected, h)
	c.handlersMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *WorkerChannel) OnDisconnected(h func(reason string)) {
	c.handlersMu.Lock()
	c.onDisconnected = append(c.onDisconnected, h)
	c.handlersMu.Unlock()
}

// State returns the current connection state.
func (c *WorkerChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the worker. ctx bounds the lifetime of the connection,
// including automatic reconnects.
func (c *WorkerChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	wsURL := strings.Replace(c.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	c.emitConnected()

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (c *WorkerChannel) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (c *WorkerChannel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *WorkerChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if !intentional {
				c.state = StateDisconnected
				c.conn = nil
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			c.emitDisconnected(err.Error())

			if c.config.AutoReconnect && ctx.Err() == nil && c.recon.shouldReconnect() {
				c.scheduleReconnect(ctx)
			}
			return
		}

		var msg WorkerMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type == "" {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *WorkerChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed, force the read loop to notice.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *WorkerChannel) scheduleReconnect(ctx context.Context) {
	for {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err == nil {
			return
		}
		if !c.recon.shouldReconnect() {
			c.setState(StateDisconnected)
			return
		}
	}
}

func (c *WorkerChannel) dispatch(msg WorkerMessage) {
	c.handlersMu.RLock()
	handlers := append([]func(WorkerMessage){}, c.onMessage...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (c *WorkerChannel) emitConnected() {
	c.handlersMu.RLock()
	handlers := append([]func(){}, c.onConnected...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (c *WorkerChannel) emitDisconnected(reason string) {
	c.handlersMu.RLock()
	handlers := append([]func(string){}, c.onDisconnected...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}
