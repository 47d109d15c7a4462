package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Conn is one client connection accepted by the Server.
type Conn struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	path       string
	query      string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	mu         sync.RWMutex
	closed     bool
	limiter    *rate.Limiter

	sessionMu sync.Mutex
	sessionID string
}

func newConn(conn *websocket.Conn, r *http.Request, limit *RateLimitConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if limit != nil && limit.Enabled {
		limiter = rate.NewLimiter(limit.MessagesPerSecond, limit.Burst)
	}

	c := &Conn{
		id:         uuid.New().String(),
		conn:       conn,
		remoteAddr: r.RemoteAddr,
		path:       r.URL.Path,
		query:      r.URL.RawQuery,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, 256),
		limiter:    limiter,
	}
	go c.writePump()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the client's address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Path returns the request path the client dialed.
func (c *Conn) Path() string { return c.path }

// Query returns the raw query the client dialed with.
func (c *Conn) Query() string { return c.query }

// Context ends when the connection is closed.
func (c *Conn) Context() context.Context { return c.ctx }

// SessionID returns the session bound by Identify or Resume.
func (c *Conn) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

func (c *Conn) bind(sessionID string) {
	c.sessionMu.Lock()
	c.sessionID = sessionID
	c.sessionMu.Unlock()
}

type serverFrame struct {
	Op protocol.Opcode `json:"op"`
	D  any             `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

// Send writes one gateway frame. seq and event are omitted when zero.
func (c *Conn) Send(ctx context.Context, op protocol.Opcode, seq int64, event string, d any) error {
	f := serverFrame{Op: op, D: d}
	if seq > 0 {
		f.S = &seq
	}
	if event != "" {
		f.T = &event
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrFailedToEncode, err)
	}
	return c.SendRaw(ctx, data)
}

// SendRaw queues data as one text message.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return kephasgate.ErrNotConnected
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return kephasgate.ErrNotConnected
	}
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	close(c.sendCh)
	return c.conn.Close()
}

// Drop closes the TCP connection without a close frame, which the client
// sees as an abnormal closure.
func (c *Conn) Drop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.sendCh)
	return c.conn.NetConn().Close()
}

// IsAlive reports whether the connection is open.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Conn) allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

func (c *Conn) writePump() {
	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
