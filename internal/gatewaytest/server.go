// Package gatewaytest runs a scripted gateway over real websockets for
// end-to-end tests.
//
// The server speaks the handshake (Hello, Identify/READY, Resume/RESUMED),
// acknowledges heartbeats and records every frame it receives. Tests drive
// everything else through the Conn handles.
package gatewaytest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// ResumePath is where READY points resuming clients.
const ResumePath = "/resume"

// Config configures the fake gateway.
type Config struct {
	// HeartbeatInterval is announced in Hello (default: 41250ms).
	HeartbeatInterval time.Duration

	// SkipAcks stops the server from acknowledging heartbeats.
	SkipAcks bool

	// RateLimit closes connections with 4008 when a client writes too fast.
	// Nil disables it.
	RateLimit *RateLimitConfig

	// OnConnect is called after Hello was sent.
	OnConnect func(c *Conn)

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// RateLimitConfig defines rate limiting for client frames.
type RateLimitConfig struct {
	// MessagesPerSecond is the sustained rate.
	MessagesPerSecond rate.Limit
	// Burst is the token bucket capacity.
	Burst int
	// Enabled determines if rate limiting is active.
	Enabled bool
}

// GatewayRateLimit mirrors the gateway's 120 frames per minute.
func GatewayRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: rate.Every(time.Minute / 120),
		Burst:             120,
		Enabled:           true,
	}
}

// Frame is one frame received from a client.
type Frame struct {
	ConnID string
	Op     protocol.Opcode
	D      json.RawMessage
	Raw    []byte
}

type sessionState struct {
	seq int64
}

// Server is the fake gateway.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	http     *httptest.Server
	upgrader websocket.Upgrader

	conns sync.Map // map[string]*Conn

	mu       sync.Mutex
	order    []*Conn
	frames   []Frame
	sessions map[string]*sessionState
}

// NewServer starts a fake gateway on a loopback address.
func NewServer(cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 41250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "gatewaytest"),
		sessions: make(map[string]*sessionState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.http = httptest.NewServer(mux)
	return s
}

// URL is the ws:// address clients connect to.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

// ResumeURL is the resume_gateway_url sent in READY.
func (s *Server) ResumeURL() string {
	return s.URL() + ResumePath
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.conns.Range(func(_, value any) bool {
		value.(*Conn).Close()
		return true
	})
	s.http.Close()
}

// Conns returns every connection accepted so far, oldest first.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.order...)
}

// Latest returns the newest connection, or nil.
func (s *Server) Latest() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.order[len(s.order)-1]
}

// Frames returns every frame received so far.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// FramesOf returns the received frames with op.
func (s *Server) FramesOf(op protocol.Opcode) []Frame {
	var out []Frame
	for _, f := range s.Frames() {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

// WaitFrames blocks until n frames with op were received or ctx ends.
func (s *Server) WaitFrames(ctx context.Context, op protocol.Opcode, n int) ([]Frame, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if got := s.FramesOf(op); len(got) >= n {
			return got, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dispatch sends event to c with the next sequence of its session.
func (s *Server) Dispatch(ctx context.Context, c *Conn, event string, d any) error {
	return c.Send(ctx, protocol.OpDispatch, s.nextSeq(c.SessionID()), event, d)
}

func (s *Server) nextSeq(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	st.seq++
	return st.seq
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(kephasgate.MaxPayloadSize)

	c := newConn(conn, r, s.cfg.RateLimit)
	s.conns.Store(c.ID(), c)
	s.mu.Lock()
	s.order = append(s.order, c)
	s.mu.Unlock()

	go s.handleConn(c)
}

func (s *Server) handleConn(c *Conn) {
	defer func() {
		s.conns.Delete(c.ID())
		c.Close()
	}()

	logger := s.logger.With("conn_id", c.ID(), "path", c.Path())
	hello := protocol.Hello{HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds()}
	if err := c.Send(c.Context(), protocol.OpHello, 0, "", hello); err != nil {
		return
	}
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, kephasgate.CloseResumable) {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		if !c.allow() {
			logger.Warn("rate limit exceeded")
			c.CloseWithCode(kephasgate.CloseRateLimited, "rate limited")
			return
		}

		var f struct {
			Op *protocol.Opcode `json:"op"`
			D  json.RawMessage  `json:"d"`
		}
		if err := json.Unmarshal(data, &f); err != nil || f.Op == nil {
			c.CloseWithCode(kephasgate.CloseDecodeError, "decode error")
			return
		}

		s.mu.Lock()
		s.frames = append(s.frames, Frame{ConnID: c.ID(), Op: *f.Op, D: f.D, Raw: data})
		s.mu.Unlock()

		s.handleFrame(c, *f.Op, f.D, logger)
	}
}

func (s *Server) handleFrame(c *Conn, op protocol.Opcode, d json.RawMessage, logger *slog.Logger) {
	ctx := c.Context()

	switch op {
	case protocol.OpHeartbeat:
		if !s.cfg.SkipAcks {
			c.Send(ctx, protocol.OpHeartbeatAck, 0, "", nil)
		}

	case protocol.OpIdentify:
		id := uuid.NewString()
		s.mu.Lock()
		s.sessions[id] = &sessionState{}
		s.mu.Unlock()
		c.bind(id)
		logger.Debug("identified", "session_id", id)
		s.Dispatch(ctx, c, protocol.EventReady, protocol.Ready{
			Version:          kephasgate.APIVersion,
			SessionID:        id,
			ResumeGatewayURL: s.ResumeURL(),
		})

	case protocol.OpResume:
		var r protocol.Resume
		json.Unmarshal(d, &r)
		s.mu.Lock()
		_, known := s.sessions[r.SessionID]
		s.mu.Unlock()
		if !known {
			c.Send(ctx, protocol.OpInvalidSession, 0, "", false)
			return
		}
		c.bind(r.SessionID)
		logger.Debug("resumed", "session_id", r.SessionID, "seq", r.Seq)
		s.Dispatch(ctx, c, protocol.EventResumed, struct{}{})
	}
}
