package qrwc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

const (
	// DefaultCallTimeout bounds a single request/response round trip.
	DefaultCallTimeout = 5 * time.Second

	// sendHighWater is the send-queue capacity; when full, callers fail
	// fast with BACKPRESSURE instead of blocking.
	sendHighWater = 1024

	writeWait          = 10 * time.Second
	maxFrameSize       = 4 * 1024 * 1024
	missedPongsAllowed = 3
	notifyBuffer       = 256
)

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id int64
	ch chan callResult
}

type outbound struct {
	req request
}

// Transport multiplexes JSON-RPC calls over one open WebSocket. A single
// writer goroutine owns all writes (requests and pings); a single reader
// goroutine owns all reads and dispatches responses by id. The connection
// manager creates one Transport per successful dial and discards it on close.
type Transport struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	heartbeat time.Duration

	sendQ  chan outbound
	notify chan Notification
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
	onClose   func(error)

	// pending correlates outstanding ids with waiting callers. order keeps
	// FIFO so responses carrying "id": null (a documented Core quirk on
	// some error paths) resolve against the oldest outstanding request.
	mu      sync.Mutex
	pending map[int64]*pendingCall
	order   []int64

	nextID      atomic.Int64
	parseErrors atomic.Uint64
	missedPongs atomic.Int32
}

// NewTransport wraps an established WebSocket connection. onClose fires
// exactly once when the transport shuts down, with the causing error.
func NewTransport(conn *websocket.Conn, heartbeat time.Duration, logger *slog.Logger, onClose func(error)) *Transport {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	t := &Transport{
		conn:      conn,
		logger:    logger,
		heartbeat: heartbeat,
		sendQ:     make(chan outbound, sendHighWater),
		notify:    make(chan Notification, notifyBuffer),
		done:      make(chan struct{}),
		onClose:   onClose,
		pending:   make(map[int64]*pendingCall),
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		t.missedPongs.Store(0)
		return nil
	})

	go t.writeLoop()
	go t.readLoop()
	return t
}

// Request sends one JSON-RPC call and waits for its response. A zero timeout
// uses DefaultCallTimeout. On timeout the pending entry is removed and any
// late response is discarded.
func (t *Transport) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	select {
	case <-t.done:
		return nil, qerr.New(qerr.KindNotConnected, "transport closed")
	default:
	}

	id := t.nextID.Add(1)
	pc := &pendingCall{id: id, ch: make(chan callResult, 1)}
	t.register(pc)

	out := outbound{req: request{JSONRPC: "2.0", ID: id, Method: method, Params: params}}
	select {
	case t.sendQ <- out:
	default:
		t.unregister(id)
		return nil, qerr.Newf(qerr.KindBackpressure, "send queue full (%d)", sendHighWater)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-timer.C:
		t.unregister(id)
		return nil, qerr.Newf(qerr.KindTimeout, "%s exceeded %s", method, timeout)
	case <-ctx.Done():
		t.unregister(id)
		return nil, qerr.Wrap(ctx.Err(), qerr.KindCancelled, method+" cancelled")
	case <-t.done:
		return nil, qerr.New(qerr.KindNotConnected, "connection lost")
	}
}

// Notifications exposes unsolicited Core frames (EngineStatus, change-group
// pushes). Consumers must also select on Done(); slow consumers lose frames
// rather than stalling the reader.
func (t *Transport) Notifications() <-chan Notification {
	return t.notify
}

// ParseErrorCount reports how many inbound frames failed to decode.
func (t *Transport) ParseErrorCount() uint64 {
	return t.parseErrors.Load()
}

// PendingCount reports outstanding calls, for diagnostics.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close shuts the transport down, failing every outstanding call.
func (t *Transport) Close(cause error) {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		close(t.done)
		_ = t.conn.Close()

		t.mu.Lock()
		calls := make([]*pendingCall, 0, len(t.pending))
		for _, pc := range t.pending {
			calls = append(calls, pc)
		}
		t.pending = make(map[int64]*pendingCall)
		t.order = nil
		t.mu.Unlock()

		err := qerr.Wrap(cause, qerr.KindNotConnected, "connection lost")
		if err == nil {
			err = qerr.New(qerr.KindNotConnected, "connection closed")
		}
		for _, pc := range calls {
			pc.ch <- callResult{err: err}
		}

		if t.onClose != nil {
			t.onClose(cause)
		}
	})
}

// Done is closed when the transport has shut down. Notification consumers
// select on it alongside Notifications().
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) register(pc *pendingCall) {
	t.mu.Lock()
	t.pending[pc.id] = pc
	t.order = append(t.order, pc.id)
	t.mu.Unlock()
}

func (t *Transport) unregister(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Transport) removeLocked(id int64) *pendingCall {
	pc, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return pc
}

// takeByID resolves a response to its caller. A nil id takes the oldest
// outstanding request (FIFO tie-break for the Core's "id": null quirk).
func (t *Transport) takeByID(id *int64) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id != nil {
		return t.removeLocked(*id)
	}
	if len(t.order) == 0 {
		return nil
	}
	return t.removeLocked(t.order[0])
}

// writeLoop is the only goroutine that writes to the socket. It drains the
// send queue and emits liveness pings; three unanswered pings close the
// connection.
func (t *Transport) writeLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case out := <-t.sendQ:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(out.req); err != nil {
				t.logger.Warn("qrwc write failed", "method", out.req.Method, "error", err)
				t.Close(err)
				return
			}

		case <-ticker.C:
			if t.missedPongs.Add(1) > missedPongsAllowed {
				t.logger.Warn("qrwc liveness lost", "missed_pongs", missedPongsAllowed)
				t.Close(qerr.New(qerr.KindTimeout, "heartbeat pongs missed"))
				return
			}
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.Close(err)
				return
			}

		case <-t.done:
			return
		}
	}
}

// readLoop is the only goroutine that reads from the socket.
func (t *Transport) readLoop() {
	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			t.Close(err)
			return
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			t.parseErrors.Add(1)
			t.logger.Warn("qrwc frame dropped", "error", err)
			continue
		}

		if f.isResponse() {
			pc := t.takeByID(f.ID)
			if pc == nil {
				// Late or unknown response; already timed out.
				continue
			}
			if f.Error != nil {
				pc.ch <- callResult{err: f.Error.taxonomy()}
			} else {
				pc.ch <- callResult{result: f.Result}
			}
			continue
		}

		select {
		case t.notify <- Notification{Method: f.Method, Params: f.Params}:
		default:
			t.logger.Warn("notification dropped, consumer slow", "method", f.Method)
		}
	}
}
