// Package transport provides the gorilla/websocket implementation of
// kephasgate.Transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/kephasgate"
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeWriteTimeout   = time.Second
	// Inbound frames may be much larger than outbound ones (guild payloads).
	defaultReadLimit = 16 * 1024 * 1024
)

// Transport is a reusable websocket connection. Connect may be called again
// after Disconnect to open a fresh socket.
type Transport struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	readLimit    int64
	logger       *slog.Logger

	mu   sync.RWMutex
	conn *websocket.Conn
	id   string

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

// WithHeader sets extra handshake headers.
func WithHeader(h http.Header) Option {
	return func(t *Transport) {
		t.header = h
	}
}

// WithWriteTimeout bounds every write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.writeTimeout = d
	}
}

// WithReadLimit bounds inbound message size.
func WithReadLimit(n int64) Option {
	return func(t *Transport) {
		t.readLimit = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// New creates a Transport with no open connection.
func New(opts ...Option) *Transport {
	t := &Transport{
		dialer:       websocket.DefaultDialer,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "transport")
	return t
}

// ID returns the identifier of the open connection, or "".
func (t *Transport) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// Connected reports whether a connection is open.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// Connect dials url, closing any connection that is still open.
func (t *Transport) Connect(ctx context.Context, url string) error {
	conn, resp, err := t.dialer.DialContext(ctx, url, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrDialFailed, err)
	}
	conn.SetReadLimit(t.readLimit)

	id := uuid.New().String()
	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.id = id
	t.mu.Unlock()

	if old != nil {
		closeConn(old, kephasgate.CloseNormal)
	}
	t.logger.Debug("connected", "conn_id", id, "url", url)
	return nil
}

// Read blocks for the next message. Failures come back as error or close
// frames, never as a panic.
func (t *Transport) Read(ctx context.Context) kephasgate.Frame {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return kephasgate.ErrorFrame(kephasgate.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return kephasgate.ErrorFrame(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return frameFromError(err)
	}
	if msgType == websocket.BinaryMessage {
		return kephasgate.BinaryFrame(data)
	}
	return kephasgate.TextFrame(data)
}

func frameFromError(err error) kephasgate.Frame {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseAbnormalClosure {
			return kephasgate.ErrorFrame(fmt.Errorf("%w: %v", kephasgate.ErrAbnormalClosure, err))
		}
		return kephasgate.CloseFrame(ce.Code, ce.Text)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return kephasgate.ErrorFrame(fmt.Errorf("%w: %v", kephasgate.ErrAbnormalClosure, err))
	}
	return kephasgate.ErrorFrame(fmt.Errorf("%s: %w", kephasgate.ErrReadFailed, err))
}

// Write sends payload as one text message.
func (t *Transport) Write(ctx context.Context, payload []byte) error {
	if len(payload) > kephasgate.MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d bytes", kephasgate.ErrPayloadTooLarge, len(payload), kephasgate.MaxPayloadSize)
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return kephasgate.ErrNotConnected
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrWriteFailed, err)
	}
	return nil
}

// Disconnect sends a close frame with code and closes the socket. A pending
// Read returns an error frame.
func (t *Transport) Disconnect(code int) error {
	t.mu.Lock()
	conn := t.conn
	id := t.id
	t.conn = nil
	t.id = ""
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.logger.Debug("disconnecting", "conn_id", id, "code", code)
	return closeConn(conn, code)
}

func closeConn(conn *websocket.Conn, code int) error {
	message := websocket.FormatCloseMessage(code, "")
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteTimeout))
	return conn.Close()
}

var _ kephasgate.Transport = (*Transport)(nil)
