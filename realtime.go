package fablink

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a real-time connection is authenticated.
type AuthenticatedPayload struct {
	PartyID string `json:"partyId"`
	Role    Role   `json:"role"`
}

// MessageNewPayload carries an inbound message delta. The message shape
// mirrors the REST message shape exactly, so the two delivery paths are
// interchangeable for the reconciliation logic.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// MessageReadPayload is sent when the remote party reads a conversation.
type MessageReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Wire event names.
const (
	EventMessageNew  = "message:new"
	EventMessageRead = "message:read"
	EventMessageSend = "message:send"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a real-time connection.
type RealtimeConfig struct {
	Token string

	// AutoReconnect is off by default: the owning surface tears down and
	// recreates the connection when its own lifecycle ends, and treats a
	// disconnected state as degraded-but-functional (REST fallback).
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]EventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onMessageNew    []func(MessageNewPayload)
	onMessageRead   []func(MessageReadPayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(code int, reason string)
	onReconnecting  []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

// dispatch invokes handlers on the calling (reader) goroutine, sequentially,
// so events reach consumers in arrival order. Reordering here would leak into
// the stores' arrival-order tie-breaks.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	onAuthenticated := append(([]func(AuthenticatedPayload))(nil), d.onAuthenticated...)
	onMessageNew := append(([]func(MessageNewPayload))(nil), d.onMessageNew...)
	onMessageRead := append(([]func(MessageReadPayload))(nil), d.onMessageRead...)
	onError := append(([]func(RealtimeErrorPayload))(nil), d.onError...)
	generic := append([]EventHandler(nil), d.generic[env.Type]...)
	d.mu.RUnlock()

	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range onAuthenticated {
				h(p)
			}
		}
	case EventMessageNew:
		var p MessageNewPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			p.Message.State = StateConfirmed
			for _, h := range onMessageNew {
				h(p)
			}
		}
	case EventMessageRead:
		var p MessageReadPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range onMessageRead {
				h(p)
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range onError {
				h(p)
			}
		}
	}

	for _, h := range generic {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

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

func newReconnector(config *RealtimeConfig) *reconnector {
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
// RealtimeClient
// ============================================================================

// RealtimeClient owns one persistent bidirectional connection for an
// authenticated session. It exposes connect/disconnect lifecycle, raw event
// subscription, and Emit. One client per surface mount; no connections are
// shared across mounts, which avoids duplicate event delivery on remount.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ConnState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	// Incremented from caller goroutines and the heartbeat loop.
	cmdCounter atomic.Int64
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
	logger           *zap.Logger
}

// OnAuthenticated registers a handler for the authenticated event.
func (rc *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onAuthenticated = append(rc.dispatcher.onAuthenticated, h)
	rc.dispatcher.mu.Unlock()
}

// OnMessageNew registers a handler for inbound message deltas.
func (rc *RealtimeClient) OnMessageNew(h func(MessageNewPayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageNew = append(rc.dispatcher.onMessageNew, h)
	rc.dispatcher.mu.Unlock()
}

// OnMessageRead registers a handler for remote read notifications.
func (rc *RealtimeClient) OnMessageRead(h func(MessageReadPayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageRead = append(rc.dispatcher.onMessageRead, h)
	rc.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (rc *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onError = append(rc.dispatcher.onError, h)
	rc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeClient) OnConnected(h func()) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onConnected = append(rc.dispatcher.onConnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onDisconnected = append(rc.dispatcher.onDisconnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onReconnecting = append(rc.dispatcher.onReconnecting, h)
	rc.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rc *RealtimeClient) On(eventType string, h EventHandler) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.generic[eventType] = append(rc.dispatcher.generic[eventType], h)
	rc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connected reports whether the connection is currently usable. Advisory
// only: an emit may still fail even when this returns true.
func (rc *RealtimeClient) Connected() bool {
	return rc.State() == StateConnected
}

// Connect establishes the WebSocket connection.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rc.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated"
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.logger.Debug("realtime connected")

	rc.dispatcher.dispatch(env)
	rc.dispatcher.emitConnected()

	// The caller's context bounds only the dial and handshake. The read and
	// heartbeat loops run on a connection-owned context so a dial timeout
	// firing after Connect returns does not tear down a live connection.
	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.cancelFn = cancel
	rc.mu.Unlock()

	go rc.readLoop(connCtx)
	go rc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. The owning surface calls this
// on teardown (conversation switch, list unmount) so the next mount gets a
// fresh connection.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rc.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// SendMessage emits a message:send over the live connection. The request
// carries the same clientTempId used for the optimistic local entry.
func (rc *RealtimeClient) SendMessage(ctx context.Context, req *SendMessageRequest) error {
	return rc.Emit(ctx, &Command{
		Type:      EventMessageSend,
		Payload:   req,
		RequestID: fmt.Sprintf("send-%d", rc.cmdCounter.Add(1)),
	})
}

// Emit sends a raw command over the WebSocket.
func (rc *RealtimeClient) Emit(ctx context.Context, cmd *Command) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", rc.cmdCounter.Add(1))

	ch := make(chan PongPayload, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()

	err := rc.Emit(ctx, &Command{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (rc *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rc.mu.Lock()
		conn := rc.conn
		rc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.mu.Lock()
			rc.state = StateDisconnected
			rc.conn = nil
			rc.mu.Unlock()

			rc.logger.Debug("realtime read failed", zap.Error(err))
			rc.dispatcher.emitDisconnected(0, err.Error())

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		// Resolve pending pings
		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rc.pendingMu.Lock()
				ch, ok := rc.pendingPings[p.RequestID]
				if ok {
					delete(rc.pendingPings, p.RequestID)
				}
				rc.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		rc.dispatcher.dispatch(env)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.mu.Lock()
			s := rc.state
			rc.mu.Unlock()
			if s != StateConnected {
				return
			}

			if _, err := rc.Ping(ctx); err != nil {
				// Heartbeat failed; force close so the read loop notices
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rc.recon.nextDelay()
	rc.mu.Lock()
	rc.state = StateReconnecting
	rc.mu.Unlock()

	rc.dispatcher.emitReconnecting(rc.recon.attempt, delay)
	rc.logger.Debug("realtime reconnecting",
		zap.Int("attempt", rc.recon.attempt),
		zap.Duration("delay", delay))

	time.Sleep(delay)

	if err := rc.Connect(ctx); err != nil {
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect(ctx)
		} else {
			rc.mu.Lock()
			rc.state = StateDisconnected
			rc.mu.Unlock()
		}
	}
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}
