package kephasgate

import (
	"context"
	"fmt"

	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Gateway is a single resumable connection to the gateway.
//
// One Gateway owns one session: it performs the Hello/Identify handshake,
// keeps the connection alive with heartbeats, republishes every decoded
// frame on Events, and recovers from transport failures by resuming the
// session or reconnecting with the cached identity.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephasgate/ws"
//
//	cfg := ws.DefaultConfig(token, ws.IntentGuilds|ws.IntentGuildMessages)
//	gw := ws.New(cfg)
//
//	if err := gw.Connect(ctx, ws.GatewayURL("wss://gateway.example"), nil); err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Disconnect(ctx)
//
//	for p := range gw.Events() {
//	    log.Printf("op=%s event=%s", p.Op, p.Event)
//	}
type Gateway interface {
	// Connect opens the transport at url and performs the handshake.
	//
	// The first frame must be Hello. Any other frame, or a failed read,
	// fails the attempt with a *HandshakeError and starts no background work.
	// On success the heartbeat and event loops are running and Identify has
	// been written.
	//
	// opts may be nil.
	Connect(ctx context.Context, url string, opts *ConnectOptions) error

	// Disconnect stops the background loops and closes the transport with a
	// normal closure. It is terminal: the Gateway cannot be reused and
	// Events is closed once the event loop has exited.
	Disconnect(ctx context.Context) error

	// Resume reconnects to the cached resume URL and continues the session
	// from the last received sequence. Without a cached session, or when any
	// step fails, it falls back to Reconnect. reason is only logged.
	//
	// Returns nil once either path succeeded.
	Resume(ctx context.Context, reason error) error

	// Reconnect discards the session, reopens the original URL and repeats
	// the handshake with the identity sent by Connect.
	//
	// Returns nil on success. A failed Reconnect leaves the Gateway without
	// a live connection; the caller decides whether to retry or Disconnect.
	Reconnect(ctx context.Context) error

	// Write sends a raw frame through the shared outbound rate budget.
	//
	// Blocks while the budget is exhausted, until ctx is done.
	Write(ctx context.Context, payload []byte) error

	// UpdatePresence sends a presence update through the rate budget.
	UpdatePresence(ctx context.Context, presence protocol.Presence) error

	// Events returns the channel decoded payloads are published on.
	//
	// The channel is closed when the Gateway stops for good: after
	// Disconnect, or after a non-recoverable close code.
	Events() <-chan *protocol.Payload

	// State returns the current lifecycle state.
	State() State

	// Session returns a snapshot of the session identity.
	Session() Session
}

// Transport is the physical connection the Gateway drives.
//
// A Transport is reused across reconnects: Connect replaces any previous
// connection. Read must never panic or return out of band; every failure is
// reported as an error or close Frame.
type Transport interface {
	// Connect dials url, replacing any open connection.
	Connect(ctx context.Context, url string) error

	// Read blocks for the next frame.
	Read(ctx context.Context) Frame

	// Write sends one text frame. Payloads above MaxPayloadSize fail with
	// ErrPayloadTooLarge.
	Write(ctx context.Context, payload []byte) error

	// Disconnect closes the connection with the given close status. It is a
	// no-op without an open connection and unblocks a pending Read.
	Disconnect(code int) error
}

// Decompressor negotiates per-payload compression.
type Decompressor interface {
	// PayloadCompression reports whether Identify requests compressed payloads.
	PayloadCompression() bool

	// Decompress inflates one binary frame.
	Decompress(data []byte) ([]byte, error)
}

// ConnectOptions are the optional parts of the identity sent by Connect.
type ConnectOptions struct {
	Presence *protocol.Presence
	Shard    *protocol.Shard
}

// FrameKind tags which field of a Frame is populated.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameError
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameError:
		return "error"
	case FrameClose:
		return "close"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Frame is one result of Transport.Read.
type Frame struct {
	Kind FrameKind
	// Data holds the message for FrameText and FrameBinary.
	Data []byte
	// Err holds the transport error for FrameError.
	Err error
	// Code and Reason hold the close status for FrameClose.
	Code   int
	Reason string
}

// TextFrame wraps a decoded text message.
func TextFrame(data []byte) Frame { return Frame{Kind: FrameText, Data: data} }

// BinaryFrame wraps a binary message.
func BinaryFrame(data []byte) Frame { return Frame{Kind: FrameBinary, Data: data} }

// ErrorFrame wraps a transport error.
func ErrorFrame(err error) Frame { return Frame{Kind: FrameError, Err: err} }

// CloseFrame wraps a close status received from the remote side.
func CloseFrame(code int, reason string) Frame {
	return Frame{Kind: FrameClose, Code: code, Reason: reason}
}

// IsMessage reports whether the frame carries a payload.
func (f Frame) IsMessage() bool {
	return f.Kind == FrameText || f.Kind == FrameBinary
}

func (f Frame) String() string {
	switch f.Kind {
	case FrameText, FrameBinary:
		return fmt.Sprintf("%s(%d bytes)", f.Kind, len(f.Data))
	case FrameError:
		return fmt.Sprintf("error(%v)", f.Err)
	case FrameClose:
		return fmt.Sprintf("close(%d %s)", f.Code, f.Reason)
	}
	return f.Kind.String()
}

// State is the lifecycle state of a Gateway.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateResuming     State = "resuming"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Session is a snapshot of the session identity.
type Session struct {
	ID        string
	ResumeURL string
	Sequence  int64
	Shard     *protocol.Shard
}
