package qrwc

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeCore serves the QRC endpoint and answers every request with a
// trivial result.
func startFakeCore(t *testing.T) (string, int) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			var req wireRequest
			if err := c.ReadJSON(&req); err != nil {
				return
			}
			c.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  true,
			})
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestSendCommandReportsToObserver(t *testing.T) {
	host, port := startFakeCore(t)
	m := NewManager(ManagerConfig{Host: host, Port: port, Heartbeat: time.Minute}, slog.Default())
	m.Connect(context.Background(), false)
	t.Cleanup(m.Disconnect)
	require.Eventually(t, func() bool { return m.State() == StateConnected },
		5*time.Second, 10*time.Millisecond)

	a := NewAdapter(m, slog.Default())
	var mu sync.Mutex
	var methods []string
	var errs []error
	a.Observe(func(method string, err error, elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		methods = append(methods, method)
		errs = append(errs, err)
	})

	_, err := a.SendCommand(t.Context(), MethodNoOp, nil, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, methods, 1)
	assert.Equal(t, MethodNoOp, methods[0])
	assert.NoError(t, errs[0])
}
