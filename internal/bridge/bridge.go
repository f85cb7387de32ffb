// Package bridge wires the MCP tool surface to the Core-facing components:
// connection manager, adapter, cache, change groups, event buffer, batch
// executor and the dispatch gate.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qsys-tools/mcp-bridge/internal/batch"
	"github.com/qsys-tools/mcp-bridge/internal/changegroup"
	"github.com/qsys-tools/mcp-bridge/internal/config"
	"github.com/qsys-tools/mcp-bridge/internal/dispatch"
	"github.com/qsys-tools/mcp-bridge/internal/eventlog"
	"github.com/qsys-tools/mcp-bridge/internal/metrics"
	"github.com/qsys-tools/mcp-bridge/internal/qrwc"
	"github.com/qsys-tools/mcp-bridge/internal/state"
)

// Bridge is the composition root for one Q-SYS Core.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	conns      *qrwc.Manager
	adapter    *qrwc.Adapter
	cache      *state.Cache
	buffer     *eventlog.Buffer
	registry   *changegroup.Registry
	executor   *batch.Executor
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	startedAt time.Time

	statusMu   sync.Mutex
	lastStatus *qrwc.EngineStatus
}

// New assembles the bridge from configuration. Nothing dials until Run.
func New(cfg *config.Config, logger *slog.Logger) *Bridge {
	m := metrics.New()

	conns := qrwc.NewManager(qrwc.ManagerConfig{
		Host:               cfg.Core.Host,
		Port:               cfg.Core.Port,
		Username:           cfg.Core.Username,
		Password:           cfg.Core.Password,
		Secure:             cfg.Core.Secure,
		RejectUnauthorized: cfg.Core.RejectUnauthorized,
		Heartbeat:          cfg.Core.HeartbeatInterval(),
		ReconnectBase:      cfg.Core.ReconnectInterval(),
	}, logger.With("component", "conn"))

	adapter := qrwc.NewAdapter(conns, logger.With("component", "adapter"))
	adapter.Observe(func(method string, err error, elapsed time.Duration) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.CoreRequests.WithLabelValues(method, status).Inc()
		m.CoreRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	})

	cache := state.NewCache(state.Options{
		MaxEntries:      cfg.Cache.MaxEntries,
		TTL:             cfg.Cache.TTL(),
		CleanupInterval: cfg.Cache.CleanupInterval(),
	}, logger.With("component", "cache"))

	buffer := eventlog.New(eventlog.Options{
		MaxEventsPerGroup: cfg.EventBuffer.MaxEvents,
		MaxAge:            cfg.EventBuffer.MaxAge(),
		GlobalMemoryLimit: cfg.EventBuffer.GlobalMemoryLimitBytes(),
		CheckInterval:     cfg.EventBuffer.MemoryCheckInterval(),
	}, logger.With("component", "events"))

	classifier := changegroup.NewClassifier(cfg.Events.Thresholds)
	registry := changegroup.NewRegistry(adapter, cache, buffer, classifier, logger.With("component", "changegroups"))

	executor := batch.NewExecutor(adapter, 0, logger.With("component", "batch"))
	registry.OnDestroy(executor.CancelGroup)

	auth := dispatch.NewAuthenticator(dispatch.AuthOptions{
		Enabled:        cfg.Auth.Enabled,
		APIKeys:        cfg.Auth.APIKeys,
		Secret:         cfg.Auth.JWTSecret,
		TokenTTL:       time.Duration(cfg.Auth.TokenExpiration) * time.Second,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	}, logger.With("component", "auth"))
	limiter := dispatch.NewLimiter(dispatch.LimiterOptions{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.BurstSize,
		PerClient:         cfg.RateLimit.PerClient,
	}, logger.With("component", "ratelimit"))
	dispatcher := dispatch.New(auth, limiter, logger.With("component", "dispatch"))

	return &Bridge{
		cfg:        cfg,
		logger:     logger,
		conns:      conns,
		adapter:    adapter,
		cache:      cache,
		buffer:     buffer,
		registry:   registry,
		executor:   executor,
		dispatcher: dispatcher,
		metrics:    m,
		startedAt:  time.Now(),
	}
}

// Cache exposes the state cache for the persistence layer.
func (b *Bridge) Cache() *state.Cache { return b.cache }

// Metrics exposes the metric set for the HTTP listener.
func (b *Bridge) Metrics() *metrics.Metrics { return b.metrics }

// Run starts the Core connection and the supervision loops, blocking until
// the context ends.
func (b *Bridge) Run(ctx context.Context) {
	b.conns.Connect(ctx, false)

	go b.superviseEvents(ctx)
	go b.syncMetrics(ctx)

	<-ctx.Done()
	b.shutdown()
}

func (b *Bridge) shutdown() {
	b.registry.Shutdown()
	b.conns.Disconnect()
	b.buffer.Close()
	b.cache.Close()
}

// superviseEvents consumes connection lifecycle events and, per session,
// routes Core notifications: EngineStatus into the cache and change-group
// pushes into the registry's delta path.
func (b *Bridge) superviseEvents(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event supervisor panic", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	connectedBefore := false

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.conns.Events():
			if !ok {
				return
			}
			b.metrics.ConnectionState.Set(float64(ev.To))
			b.logger.Info("connection state change", "from", ev.From.String(), "to", ev.To.String())

			if ev.To == qrwc.StateConnected && ev.Transport != nil {
				if connectedBefore {
					b.metrics.Reconnects.Inc()
				}
				connectedBefore = true
				go b.consumeNotifications(ctx, ev.Transport)
			}
		}
	}
}

func (b *Bridge) consumeNotifications(ctx context.Context, tr *qrwc.Transport) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("notification consumer panic", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tr.Done():
			return
		case n := <-tr.Notifications():
			b.handleNotification(n)
		}
	}
}

func (b *Bridge) handleNotification(n qrwc.Notification) {
	switch n.Method {
	case qrwc.MethodEngineStatusNotify:
		status, err := qrwc.ParseEngineStatus(n.Params)
		if err != nil {
			b.logger.Warn("unparseable EngineStatus push", "error", err)
			return
		}
		b.statusMu.Lock()
		b.lastStatus = status
		b.statusMu.Unlock()
		b.logger.Info("engine status",
			"state", status.State,
			"design", status.DesignName,
			"redundant", status.IsRedundant,
		)
	case qrwc.MethodCGPoll:
		res, err := qrwc.ParsePollResult(n.Params)
		if err != nil {
			b.logger.Warn("unparseable change group push", "error", err)
			return
		}
		changes := b.registry.HandlePush(res)
		if len(changes) > 0 {
			b.logger.Debug("core push applied", "group", res.ID, "changes", len(changes))
		}
	default:
		b.logger.Debug("unhandled core notification", "method", n.Method)
	}
}

// syncMetrics republishes cache and buffer gauges on a fixed cadence.
func (b *Bridge) syncMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var prevHits, prevMisses uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.cache.Statistics()
			b.metrics.CacheEntries.Set(float64(stats.Entries))
			if d := stats.Hits - prevHits; d > 0 {
				b.metrics.CacheHits.Add(float64(d))
			}
			if d := stats.Misses - prevMisses; d > 0 {
				b.metrics.CacheMisses.Add(float64(d))
			}
			prevHits, prevMisses = stats.Hits, stats.Misses

			b.metrics.BufferBytes.Set(float64(b.buffer.TotalBytes()))
			for _, g := range b.registry.List() {
				b.metrics.BufferEvents.WithLabelValues(g.ID).Set(float64(g.BufferedEvents))
			}
		}
	}
}

// HTTPHandler serves liveness and metrics for operators. The MCP surface
// stays on stdio; this listener is observability only.
func (b *Bridge) HTTPHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		connState := b.conns.State().String()
		code := http.StatusOK
		if connState != "CONNECTED" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		w.Write([]byte(`{"status":"` + connState + `"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(b.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}
