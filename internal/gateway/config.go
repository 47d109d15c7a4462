package gateway

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Protocol defaults.
const (
	DefaultLargeThreshold   = 50
	DefaultWriteLimit       = 120
	DefaultWriteWindow      = 60 * time.Second
	DefaultIdentifyInterval = 5 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultEventBuffer      = 64
)

// Config configures a Client.
type Config struct {
	// Token authenticates Identify and Resume.
	Token string

	// Intents selects the event groups the gateway delivers.
	Intents protocol.Intents

	// LargeThreshold is sent in Identify (default: 50).
	LargeThreshold int

	// Properties describe the client in Identify.
	Properties protocol.ConnectionProperties

	// Transport is the physical connection.
	// Default: the gorilla/websocket transport
	Transport kephasgate.Transport

	// Decompressor decides whether Identify asks for compressed payloads
	// and inflates binary frames.
	// Default: zlib, disabled
	Decompressor kephasgate.Decompressor

	// Logger receives structured lifecycle logs.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics records engine metrics. Nil records nothing.
	Metrics *metrics.Collector

	// TracerProvider creates the spans around connect, resume and reconnect.
	// Default: the global otel provider
	TracerProvider trace.TracerProvider

	// Hooks are the lifecycle notifications.
	Hooks Hooks

	// HandshakeTimeout bounds the wait for Hello. Zero waits for ctx only.
	HandshakeTimeout time.Duration

	// IdentifyInterval is the minimum spacing between two Identify writes.
	// Zero disables identify throttling.
	IdentifyInterval time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// WriteLimit and WriteWindow size the outbound budget shared by every
	// writer (default: 120 per 60s).
	WriteLimit  int
	WriteWindow time.Duration

	// Reconnect controls automatic retries of a failed recovery.
	Reconnect Backoff

	// Rand returns a value in [0,1) used for heartbeat and backoff jitter.
	// Default: math/rand/v2 Float64
	Rand func() float64
}

// DefaultConfig returns a Config with the protocol defaults filled in.
func DefaultConfig(token string, intents protocol.Intents) Config {
	return Config{
		Token:            token,
		Intents:          intents,
		LargeThreshold:   DefaultLargeThreshold,
		Properties:       protocol.DefaultProperties(),
		HandshakeTimeout: DefaultHandshakeTimeout,
		IdentifyInterval: DefaultIdentifyInterval,
		EventBuffer:      DefaultEventBuffer,
		WriteLimit:       DefaultWriteLimit,
		WriteWindow:      DefaultWriteWindow,
		Reconnect:        DefaultBackoff(),
	}
}

// Backoff is a jittered exponential retry policy.
type Backoff struct {
	// Attempts is the total number of reconnects tried by automatic
	// recovery before OnReconnectFailed fires. Values below 1 mean 1.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff retries five times between 1s and 30s.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// delay returns the wait before retry number attempt (0-based), given
// jitter r in [0,1).
func (b Backoff) delay(attempt int, r float64) time.Duration {
	jitter := r * float64(b.BaseDelay) * 0.5
	d := float64(b.BaseDelay)*math.Pow(2, float64(attempt)) + jitter
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	return time.Duration(d)
}

func (b Backoff) attempts() int {
	if b.Attempts < 1 {
		return 1
	}
	return b.Attempts
}

// Hooks are optional lifecycle notifications. Each runs on its own
// goroutine, so a hook may call back into the Client.
type Hooks struct {
	// OnZombied fires when a heartbeat went unacknowledged for a full interval.
	OnZombied func()

	// OnHeartbeatAck fires for every acknowledgement with the round trip.
	OnHeartbeatAck func(latency time.Duration)

	// OnReconnectRequested fires when the gateway asks for a reconnect.
	OnReconnectRequested func()

	// OnReconnectFailed fires when recovery gave up. err is a *CloseError
	// for non-recoverable close codes.
	OnReconnectFailed func(err error)

	// OnSessionInvalidated fires on InvalidSession.
	OnSessionInvalidated func(resumable bool)

	// OnReady fires when READY announces a new session.
	OnReady func(sessionID string)
}

func (h Hooks) zombied() {
	if h.OnZombied != nil {
		go h.OnZombied()
	}
}

func (h Hooks) heartbeatAck(latency time.Duration) {
	if h.OnHeartbeatAck != nil {
		go h.OnHeartbeatAck(latency)
	}
}

func (h Hooks) reconnectRequested() {
	if h.OnReconnectRequested != nil {
		go h.OnReconnectRequested()
	}
}

func (h Hooks) reconnectFailed(err error) {
	if h.OnReconnectFailed != nil {
		go h.OnReconnectFailed(err)
	}
}

func (h Hooks) sessionInvalidated(resumable bool) {
	if h.OnSessionInvalidated != nil {
		go h.OnSessionInvalidated(resumable)
	}
}

func (h Hooks) ready(sessionID string) {
	if h.OnReady != nil {
		go h.OnReady(sessionID)
	}
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Decompressor == nil {
		c.Decompressor = protocol.ZlibDecompressor{}
	}
	if c.WriteLimit <= 0 {
		c.WriteLimit = DefaultWriteLimit
	}
	if c.WriteWindow <= 0 {
		c.WriteWindow = DefaultWriteWindow
	}
	if c.EventBuffer < 0 {
		c.EventBuffer = 0
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Properties == (protocol.ConnectionProperties{}) {
		c.Properties = protocol.DefaultProperties()
	}
}
