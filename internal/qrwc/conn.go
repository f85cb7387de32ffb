package qrwc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qsys-tools/mcp-bridge/internal/circuitbreaker"
	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

// ConnState is the connection manager's externally visible state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// StateEvent is published on every transition. Transport is non-nil only for
// CONNECTED events, so subscribers can attach to the fresh session.
type StateEvent struct {
	From      ConnState
	To        ConnState
	Transport *Transport
	Err       error
}

const (
	backoffBase    = 1 * time.Second
	backoffFactor  = 2.0
	backoffCap     = 60 * time.Second
	jitterFraction = 0.2
	wsPath         = "/qrc-public-api/v0"
)

// ManagerConfig tunes the connection manager.
type ManagerConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Secure             bool
	RejectUnauthorized bool
	Heartbeat          time.Duration

	// ReconnectBase is the initial reconnect backoff; 0 means 1s.
	ReconnectBase time.Duration

	// MaxRetries bounds consecutive dial failures before the manager gives
	// up for good; 0 means retry forever.
	MaxRetries int

	// BreakerThreshold consecutive failures open the circuit breaker for
	// BreakerCoolDown, during which attempts are suppressed.
	BreakerThreshold uint32
	BreakerCoolDown  time.Duration
}

// Manager owns the WebSocket lifecycle: dial, logon, heartbeat supervision
// via the transport, reconnect with jittered exponential backoff, and a
// circuit breaker over dial attempts.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	dialer  *websocket.Dialer
	breaker *circuitbreaker.Breaker

	mu        sync.RWMutex
	state     ConnState
	transport *Transport

	events chan StateEvent
	stop   chan struct{}

	startOnce      sync.Once
	disconnectOnce sync.Once
}

// NewManager creates a connection manager. Call Connect to start it.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCoolDown == 0 {
		cfg.BreakerCoolDown = 60 * time.Second
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
		events: make(chan StateEvent, 16),
		stop:   make(chan struct{}),
	}

	m.dialer = &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if cfg.Secure {
		// Q-SYS Cores commonly ship self-signed certificates; verification
		// is opt-in via reject_unauthorized.
		m.dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: !cfg.RejectUnauthorized, //nolint:gosec
		}
	}

	m.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		CoolDown:         cfg.BreakerCoolDown,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Info("core breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return m
}

// Connect starts the reconnect loop. force resets an open breaker so the
// first attempt is admitted immediately. Idempotent after the first call.
func (m *Manager) Connect(ctx context.Context, force bool) {
	if force {
		m.breaker.Reset()
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

// Disconnect stops the manager. Idempotent; the "disconnecting" event is
// emitted at most once per process lifetime regardless of call count.
func (m *Manager) Disconnect() {
	m.disconnectOnce.Do(func() {
		m.setState(StateDisconnecting, nil, nil)
		m.logger.Info("disconnecting from core")
		close(m.stop)

		m.mu.Lock()
		tr := m.transport
		m.transport = nil
		m.mu.Unlock()
		if tr != nil {
			tr.Close(nil)
		}

		m.setState(StateDisconnected, nil, nil)
	})
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transport returns the live transport or NOT_CONNECTED.
func (m *Manager) Transport() (*Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.transport == nil {
		return nil, qerr.Newf(qerr.KindNotConnected, "core connection is %s", m.state)
	}
	return m.transport, nil
}

// Events exposes lifecycle transitions. The channel is buffered; laggards
// lose events rather than blocking the manager.
func (m *Manager) Events() <-chan StateEvent {
	return m.events
}

func (m *Manager) endpoint() string {
	scheme := "wss"
	if !m.cfg.Secure {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, m.cfg.Host, m.cfg.Port, wsPath)
}

func (m *Manager) run(ctx context.Context) {
	base := m.cfg.ReconnectBase
	if base <= 0 {
		base = backoffBase
	}
	backoff := base
	failures := 0
	first := true

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			m.Disconnect()
			return
		default:
		}

		if first {
			m.setState(StateConnecting, nil, nil)
		} else {
			m.setState(StateReconnecting, nil, nil)
		}

		gen, err := m.breaker.Allow()
		if err != nil {
			m.logger.Warn("connect suppressed by circuit breaker", "cool_down", m.cfg.BreakerCoolDown)
			if !m.sleep(ctx, m.cfg.BreakerCoolDown) {
				return
			}
			continue
		}

		tr, err := m.dial(ctx)
		m.breaker.Record(gen, err == nil)
		if err != nil {
			failures++
			m.logger.Warn("core dial failed",
				"endpoint", m.endpoint(),
				"attempt", failures,
				"backoff", backoff,
				"error", err,
			)
			if m.cfg.MaxRetries > 0 && failures >= m.cfg.MaxRetries {
				m.logger.Error("retry budget exhausted, giving up", "attempts", failures)
				m.setState(StateDisconnected, nil, err)
				return
			}
			if !m.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		failures = 0
		backoff = base
		first = false

		m.mu.Lock()
		m.transport = tr
		m.mu.Unlock()
		m.setState(StateConnected, tr, nil)
		m.logger.Info("connected to core", "endpoint", m.endpoint())

		select {
		case <-tr.Done():
			m.mu.Lock()
			m.transport = nil
			m.mu.Unlock()
		case <-m.stop:
			tr.Close(nil)
			return
		case <-ctx.Done():
			m.Disconnect()
			return
		}
	}
}

// dial establishes one session: websocket handshake plus optional logon.
func (m *Manager) dial(ctx context.Context) (*Transport, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.endpoint(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.endpoint(), err)
	}

	tr := NewTransport(conn, m.cfg.Heartbeat, m.logger, nil)

	if m.cfg.Username != "" {
		_, err := tr.Request(ctx, "Logon", map[string]string{
			"User":     m.cfg.Username,
			"Password": m.cfg.Password,
		}, DefaultCallTimeout)
		if err != nil {
			tr.Close(err)
			return nil, fmt.Errorf("core logon: %w", err)
		}
	}

	return tr, nil
}

func (m *Manager) setState(to ConnState, tr *Transport, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	select {
	case m.events <- StateEvent{From: from, To: to, Transport: tr, Err: err}:
	default:
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.stop:
		return false
	case <-ctx.Done():
		m.Disconnect()
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffCap {
		return backoffCap
	}
	return next
}

// jitter perturbs d by ±20% to avoid synchronized reconnect storms when
// several bridges share one Core.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
