// Package router implements the WebSocket upgrade endpoint and graceful shutdown supervisor
// for the relay (component G): it accepts connections, spawns a session actor per connection,
// and owns the process's metrics endpoint.
package router

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/log"
	"github.com/vault713/grinbox/app/z"
	"github.com/vault713/grinbox/challenge"
	"github.com/vault713/grinbox/mailbox"
	"github.com/vault713/grinbox/session"
)

// DefaultBindAddress is the default WebSocket listen address.
const DefaultBindAddress = "0.0.0.0:3420"

// DefaultMonitoringAddress is the default Prometheus metrics listen address.
const DefaultMonitoringAddress = "127.0.0.1:3421"

// DefaultMaxSessions is the default max_sessions per-process resource cap.
const DefaultMaxSessions = 10000

const handshakeTimeout = 10 * time.Second

// Config bundles the router's own tunables; session.Config governs each spawned session.
type Config struct {
	BindAddress       string
	MonitoringAddress string
	MaxSessions       int
	Session           session.Config
}

func (c Config) withDefaults() Config {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.MonitoringAddress == "" {
		c.MonitoringAddress = DefaultMonitoringAddress
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}

	return c
}

// Router upgrades incoming HTTP connections to WebSocket and drives one session actor per
// connection, sharing the challenge oracle, mailbox registry, and federation bridge across
// every session it spawns.
type Router struct {
	cfg       Config
	oracle    *challenge.Oracle
	mailboxes *mailbox.Registry
	federator session.Federator

	upgrader websocket.Upgrader

	activeSessions atomic.Int64

	mu       sync.Mutex
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	wsServer *http.Server
	mtServer *http.Server
}

// New returns a router serving WebSocket sessions against the given oracle, mailbox registry,
// and (optional) federator.
func New(cfg Config, oracle *challenge.Oracle, mailboxes *mailbox.Registry, federator session.Federator) *Router {
	return &Router{
		cfg:       cfg.withDefaults(),
		oracle:    oracle,
		mailboxes: mailboxes,
		federator: federator,
		baseCtx:   context.Background(),
		cancel:    func() {},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the router's HTTP handler, exposed for tests that drive it via httptest
// rather than through ListenAndServe.
func (rt *Router) Handler() http.Handler {
	return rt.routes()
}

// ListenAndServe blocks serving WebSocket upgrades until Close is called, returning nil on a
// graceful shutdown. Intended to run as an AsyncAppCtx lifecycle start hook.
func (rt *Router) ListenAndServe(context.Context) error {
	baseCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	rt.baseCtx = baseCtx
	rt.cancel = cancel
	rt.wsServer = &http.Server{
		Addr:    rt.cfg.BindAddress,
		Handler: rt.routes(),
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
	rt.mu.Unlock()

	err := rt.wsServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return errors.Wrap(err, "serve websocket endpoint")
}

// ListenAndServeMetrics blocks serving the Prometheus /metrics endpoint until Close is called.
func (rt *Router) ListenAndServeMetrics(context.Context) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	rt.mu.Lock()
	rt.mtServer = &http.Server{Addr: rt.cfg.MonitoringAddress, Handler: metricsMux}
	rt.mu.Unlock()

	err := rt.mtServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return errors.Wrap(err, "serve metrics endpoint")
}

// Close stops accepting new connections, cancels every in-flight session's context so they
// close promptly, and waits (bounded by ctx) for their goroutines to finish.
func (rt *Router) Close(ctx context.Context) error {
	rt.mu.Lock()
	wsServer, mtServer, cancel := rt.wsServer, rt.mtServer, rt.cancel
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if wsServer != nil {
		if err := wsServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown websocket endpoint")
		}
	}

	if mtServer != nil {
		if err := mtServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown metrics endpoint")
		}
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	return nil
}

func (rt *Router) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", rt.handleUpgrade)
	r.HandleFunc("/ws", rt.handleUpgrade)

	return r
}

func (rt *Router) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	if rt.activeSessions.Add(1) > int64(rt.cfg.MaxSessions) {
		rt.activeSessions.Add(-1)
		sessionCapExceededTotal.Inc()
		http.Error(w, "max_sessions reached", http.StatusServiceUnavailable)

		return
	}

	conn, err := rt.upgrader.Upgrade(w, req, nil)
	if err != nil {
		rt.activeSessions.Add(-1)
		upgradeErrorsTotal.Inc()
		log.Warn(req.Context(), "upgrade connection", err)

		return
	}

	sessionsTotal.Inc()
	sessionsActive.Inc()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer sessionsActive.Dec()
		defer rt.activeSessions.Add(-1)

		s := session.New(conn, rt.oracle, rt.mailboxes, rt.federator, rt.cfg.Session)

		rt.mu.Lock()
		ctx := rt.baseCtx
		rt.mu.Unlock()

		if err := s.Run(ctx); err != nil {
			log.Debug(ctx, "session ended", z.Str("session_id", s.ID()), z.Str("reason", err.Error()))
		}
	}()
}
