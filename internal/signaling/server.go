package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/strangercam/matchmaker/internal/metrics"
	"github.com/strangercam/matchmaker/internal/origin"
	"github.com/strangercam/matchmaker/internal/pairing"
	"github.com/strangercam/matchmaker/internal/ratelimit"
	"github.com/strangercam/matchmaker/internal/session"
)

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultSendQueueSize        = 256
)

type Config struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Origins gates the WebSocket upgrade. Nil allows same-host browsers and
	// clients that send no Origin.
	Origins *origin.Policy

	// MaxConnections caps concurrently open sockets. Zero means unlimited.
	MaxConnections int

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	SendQueueSize        int

	// Clock drives the per-connection rate limiter. Nil uses the wall clock.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.Origins == nil {
		c.Origins, _ = origin.NewPolicy(nil)
	}
	return c
}

// Server accepts signaling sockets and feeds them to a session.Dispatcher it
// owns.
type Server struct {
	cfg      Config
	log      *slog.Logger
	hub      *hub
	disp     *session.Dispatcher
	upgrader websocket.Upgrader

	active atomic.Int64
}

func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "signaling")

	h := newHub(log)
	disp, err := session.NewDispatcher(session.Config{
		Sender:  h,
		Metrics: cfg.Metrics,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:  cfg,
		log:  log,
		hub:  h,
		disp: disp,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /signal", s.handleWebSocket)
}

// Stats reports the matchmaking state for gauges and readiness.
func (s *Server) Stats() session.Stats {
	return s.disp.Stats()
}

// Gauges is a metrics.GaugeFunc over Stats.
func (s *Server) Gauges() map[string]int64 {
	st := s.disp.Stats()
	return map[string]int64{
		"connections":  int64(st.Connections),
		"waiting":      int64(st.Waiting),
		"active_pairs": int64(st.ActivePairs),
	}
}

// Close disconnects every socket and refuses new ones.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Origins.CheckRequest(r) {
		return true
	}
	s.cfg.Metrics.Inc(metrics.DropReasonOriginRefused)
	return false
}

func (s *Server) reserve() error {
	limit := int64(s.cfg.MaxConnections)
	for {
		cur := s.active.Load()
		if limit > 0 && cur >= limit {
			return ErrTooManyConnections
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

func (s *Server) release() { s.active.Add(-1) }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.reserve(); err != nil {
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	id := pairing.ConnID(uuid.NewString())
	perSecond := int64(s.cfg.MaxMessagesPerSecond)
	c := &wsConn{
		id:              id,
		ws:              ws,
		log:             s.log.With("conn", id),
		disp:            s.disp,
		m:               s.cfg.Metrics,
		maxMessageBytes: s.cfg.MaxMessageBytes,
		idleTimeout:     s.cfg.IdleTimeout,
		pingInterval:    s.cfg.PingInterval,
		limiter:         ratelimit.NewTokenBucket(s.cfg.Clock, perSecond, perSecond),
		out:             make(chan []byte, s.cfg.SendQueueSize),
		done:            make(chan struct{}),
	}

	if err := s.hub.add(c); err != nil {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
		return
	}
	defer s.hub.remove(id)

	welcome, err := encodeWelcome(id)
	if err == nil {
		c.enqueue(welcome)
	}
	if err := s.disp.Connect(id); err != nil {
		s.log.Error("failed to register connection", "conn", id, "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		c.Close()
		return
	}

	c.log.Debug("signaling client connected", "remote", r.RemoteAddr)
	c.run()
	c.log.Debug("signaling client disconnected")
}
