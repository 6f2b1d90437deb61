// Package dispatchclient keeps a dispatch websocket session alive for a
// driver or customer app: it authenticates, reconnects with backoff when
// the link drops, rotates credentials in-band and fans received events out
// to subscribers.
package dispatchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Wire event types the client reacts to or emits.
const (
	EventAuth                        = "auth"
	EventLocationUpdate              = "location_update"
	EventAvailabilityUpdate          = "availability_update"
	EventTokenRefreshed              = "token_refreshed"
	EventConnectionError             = "connection_error"
	EventMaxReconnectAttemptsReached = "max_reconnect_attempts_reached"
)

// ErrNotConnected reports a send attempted without a live session. The
// payload is dropped, never queued; a stale fix is worse than none.
var ErrNotConnected = errors.New("dispatchclient: not connected")

// ErrAuthRejected surfaces after the silent refresh retry also fails.
var ErrAuthRejected = errors.New("dispatchclient: credentials rejected")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateTerminal is reached after the attempt budget is exhausted or
	// credentials are rejected twice; the manager will not dial again.
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Event is a frame received from the dispatch channel.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TokenStore supplies credentials for the handshake and persists rotated
// access tokens so a restart picks up the freshest pair.
type TokenStore interface {
	Tokens() (access, refresh string, err error)
	SaveAccess(token string) error
}

type Config struct {
	URL    string
	Tokens TokenStore

	// Reconnect policy. Zero values take the defaults below.
	BackoffBase         time.Duration // 1s
	BackoffFactor       float64       // 1.5
	BackoffCap          time.Duration // 15s
	MaxAttempts         int           // 10
	TransportRetryDelay time.Duration // 500ms

	Dialer *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 1.5
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.TransportRetryDelay <= 0 {
		c.TransportRetryDelay = 500 * time.Millisecond
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// conn is the slice of the websocket connection the manager uses, split out
// so the reconnect loop is testable without a server.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Manager is the connection resilience layer. One run loop owns the
// connection; reconnect attempts never overlap.
type Manager struct {
	cfg Config

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex
	conn    conn

	subMu sync.Mutex
	subs  map[string]map[chan Event]struct{}

	// Test seams.
	dial   func(ctx context.Context) (conn, error)
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

func New(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("dispatchclient: URL is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("dispatchclient: a TokenStore is required")
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:    cfg,
		subs:   make(map[string]map[chan Event]struct{}),
		sleep:  sleepCtx,
		jitter: defaultJitter,
	}
	m.dial = m.dialAndAuth
	return m, nil
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Connect starts the run loop. It returns immediately; observe progress
// through State and subscriptions.
func (m *Manager) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Close stops the run loop and drops the connection.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.writeMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.writeMu.Unlock()
	m.wg.Wait()
	m.setState(StateDisconnected)
}

func (m *Manager) run(ctx context.Context) {
	attempts := 0
	authRetried := false
	first := true

	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		if first {
			m.setState(StateConnecting)
		} else {
			m.setState(StateReconnecting)
		}

		c, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				// One silent retry lets the server-side refresh path
				// absorb an expired access token.
				if !authRetried {
					authRetried = true
					continue
				}
				m.emit(Event{Type: EventConnectionError, Data: mustJSON(map[string]string{
					"code":    "auth_error",
					"message": err.Error(),
				})})
				m.setState(StateTerminal)
				return
			}

			attempts++
			if attempts >= m.cfg.MaxAttempts {
				// Exactly one terminal emission, then silence.
				m.emit(Event{Type: EventMaxReconnectAttemptsReached})
				m.setState(StateTerminal)
				return
			}
			if err := m.sleep(ctx, m.backoffDelay(attempts)); err != nil {
				m.setState(StateDisconnected)
				return
			}
			first = false
			continue
		}

		attempts = 0
		authRetried = false
		first = false

		m.writeMu.Lock()
		m.conn = c
		m.writeMu.Unlock()
		m.setState(StateConnected)

		cause := m.readPump(ctx, c)

		m.writeMu.Lock()
		m.conn = nil
		m.writeMu.Unlock()
		_ = c.Close()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		switch cause {
		case causeServerClose:
			// The server ended the session deliberately; retry at once.
		case causeTransport:
			if err := m.sleep(ctx, m.cfg.TransportRetryDelay); err != nil {
				m.setState(StateDisconnected)
				return
			}
		default:
			attempts++
			if err := m.sleep(ctx, m.backoffDelay(attempts)); err != nil {
				m.setState(StateDisconnected)
				return
			}
		}
	}
}

type disconnectCause int

const (
	causeNetwork disconnectCause = iota
	causeServerClose
	causeTransport
)

// readPump delivers frames until the connection dies and classifies why.
func (m *Manager) readPump(ctx context.Context, c conn) disconnectCause {
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return classify(err)
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}

		if ev.Type == EventTokenRefreshed {
			var p struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(ev.Data, &p); err == nil && p.Token != "" {
				_ = m.cfg.Tokens.SaveAccess(p.Token)
			}
		}

		m.emit(ev)

		if ctx.Err() != nil {
			return causeNetwork
		}
	}
}

func classify(err error) disconnectCause {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return causeServerClose
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return causeNetwork
	}
	return causeTransport
}

// dialAndAuth opens the websocket, sends the auth frame and waits for the
// server's verdict.
func (m *Manager) dialAndAuth(ctx context.Context) (conn, error) {
	access, refresh, err := m.cfg.Tokens.Tokens()
	if err != nil {
		return nil, fmt.Errorf("dispatchclient: failed to load tokens: %w", err)
	}

	ws, _, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatchclient: dial failed: %w", err)
	}

	authFrame, _ := json.Marshal(map[string]string{
		"type":         EventAuth,
		"token":        access,
		"refreshToken": refresh,
	})
	if err := ws.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("dispatchclient: auth write failed: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("dispatchclient: no auth response: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	var verdict Event
	if err := json.Unmarshal(raw, &verdict); err != nil || verdict.Type != EventAuth {
		_ = ws.Close()
		return nil, ErrAuthRejected
	}
	return ws, nil
}

// SendLocationUpdate pushes a fix. Dropped with ErrNotConnected while the
// session is down.
func (m *Manager) SendLocationUpdate(latitude, longitude float64, heading *float64) error {
	payload := map[string]any{"latitude": latitude, "longitude": longitude}
	if heading != nil {
		payload["heading"] = *heading
	}
	return m.send(EventLocationUpdate, payload)
}

// SendAvailabilityUpdate flips the driver's matching flag server-side.
func (m *Manager) SendAvailabilityUpdate(isAvailable bool) error {
	return m.send(EventAvailabilityUpdate, map[string]any{"isAvailable": isAvailable})
}

// Send pushes an arbitrary event, for order actions and the like.
func (m *Manager) Send(eventType string, payload any) error {
	return m.send(eventType, payload)
}

func (m *Manager) send(eventType string, payload any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.conn == nil || m.State() != StateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatchclient: failed to marshal payload: %w", err)
	}
	frame, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("dispatchclient: failed to marshal frame: %w", err)
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("dispatchclient: write failed: %w", err)
	}
	return nil
}

// Subscribe returns a channel receiving every event of the given type.
// Slow subscribers lose frames rather than stalling the read pump.
func (m *Manager) Subscribe(eventType string) chan Event {
	ch := make(chan Event, 16)
	m.subMu.Lock()
	if m.subs[eventType] == nil {
		m.subs[eventType] = make(map[chan Event]struct{})
	}
	m.subs[eventType][ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription. Safe to call twice.
func (m *Manager) Unsubscribe(eventType string, ch chan Event) {
	m.subMu.Lock()
	if set, ok := m.subs[eventType]; ok {
		if _, subscribed := set[ch]; subscribed {
			delete(set, ch)
			close(ch)
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
