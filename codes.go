package kephasgate

import (
	"errors"
	"fmt"
)

// Protocol constants appended to every gateway URL the client builds itself.
const (
	APIVersion = 10
	Encoding   = "json"

	// MaxPayloadSize is the largest outbound frame the gateway accepts.
	MaxPayloadSize = 4096
)

// QueryString is the version/encoding suffix used for resume URLs.
var QueryString = fmt.Sprintf("v=%d&encoding=%s", APIVersion, Encoding)

// Gateway close codes.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Close statuses the client sends when it drops the socket itself.
const (
	// CloseNormal invalidates the session on the remote side.
	CloseNormal = 1000
	// CloseResumable keeps the session alive so it can be resumed.
	CloseResumable = 4900
)

// Standard error messages
const (
	// Connection errors
	ErrDialFailed        = "failed to open gateway connection"
	ErrReadFailed        = "failed to read gateway frame"
	ErrWriteFailed       = "failed to write gateway frame"
	ErrIdentifyFailed    = "failed to send identify"
	ErrResumeFailed      = "failed to resume session"
	ErrReconnectFailed   = "failed to reconnect"
	ErrRateLimitCanceled = "rate limit wait cancelled"

	// Protocol errors
	ErrInvalidPayload  = "invalid gateway payload"
	ErrFailedToEncode  = "failed to encode payload"
	ErrDecompress      = "failed to decompress payload"
	ErrUnexpectedHello = "expected hello frame"
)

var (
	// ErrNotConnected is returned by operations that need an open transport.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrClosed is returned once Disconnect has been called.
	ErrClosed = errors.New("gateway client closed")

	// ErrPayloadTooLarge is returned by transports for frames above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")

	// ErrAbnormalClosure marks a connection that dropped without a close frame.
	ErrAbnormalClosure = errors.New("connection closed abnormally")

	// ErrHandshake is wrapped by every *HandshakeError.
	ErrHandshake = errors.New("gateway handshake failed")

	// ErrNoSession is returned when no resumable session is cached.
	ErrNoSession = errors.New("no resumable session")

	// ErrFatalClose is wrapped by every *CloseError.
	ErrFatalClose = errors.New("gateway closed with a non-recoverable code")
)

// CloseError reports a close code the client will not recover from.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %d", ErrFatalClose, e.Code)
	}
	return fmt.Sprintf("%s: %d %s", ErrFatalClose, e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return ErrFatalClose }

// HandshakeError is returned by Connect when the first frame is not Hello.
type HandshakeError struct {
	// Frame is the frame received instead of Hello.
	Frame Frame
	// Recovery is the action the failure classifier picked for Frame.
	Recovery string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s: %s (got %s, classified %s)", ErrHandshake, ErrUnexpectedHello, e.Frame, e.Recovery)
}

func (e *HandshakeError) Unwrap() error { return ErrHandshake }
