package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/gateway"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/transport"
)

type Config = gateway.Config
type Hooks = gateway.Hooks
type Backoff = gateway.Backoff
type Action = gateway.Action

type Payload = protocol.Payload
type Opcode = protocol.Opcode
type Presence = protocol.Presence
type Activity = protocol.Activity
type Status = protocol.Status
type Shard = protocol.Shard
type Intents = protocol.Intents
type Hello = protocol.Hello
type Ready = protocol.Ready
type Resumed = protocol.Resumed
type Dispatch = protocol.Dispatch
type InvalidSession = protocol.InvalidSession

type Metrics = metrics.Collector
type MetricsOption = metrics.Option

const (
	IntentGuilds                = protocol.IntentGuilds
	IntentGuildMembers          = protocol.IntentGuildMembers
	IntentGuildModeration       = protocol.IntentGuildModeration
	IntentGuildPresences        = protocol.IntentGuildPresences
	IntentGuildMessages         = protocol.IntentGuildMessages
	IntentGuildMessageReactions = protocol.IntentGuildMessageReactions
	IntentDirectMessages        = protocol.IntentDirectMessages
	IntentMessageContent        = protocol.IntentMessageContent
	IntentsPrivileged           = protocol.IntentsPrivileged
	StatusOnline                = protocol.StatusOnline
	StatusIdle                  = protocol.StatusIdle
	StatusDND                   = protocol.StatusDND
	StatusInvisible             = protocol.StatusInvisible
	ActionResume                = gateway.ActionResume
	ActionReconnect             = gateway.ActionReconnect
	ActionFatal                 = gateway.ActionFatal
	OpHeartbeat                 = protocol.OpHeartbeat
	OpIdentify                  = protocol.OpIdentify
	OpPresenceUpdate            = protocol.OpPresenceUpdate
	OpResume                    = protocol.OpResume
	OpDispatch                  = protocol.OpDispatch
	OpHello                     = protocol.OpHello
	OpHeartbeatAck              = protocol.OpHeartbeatAck
	OpInvalidSession            = protocol.OpInvalidSession
	OpReconnect                 = protocol.OpReconnect
)

// New creates a Gateway from cfg. It does not connect.
//
// Example:
//
//	cfg := ws.DefaultConfig(token, ws.IntentGuilds)
//	cfg.Hooks.OnReady = func(id string) { log.Printf("session %s", id) }
//	gw := ws.New(cfg)
func New(cfg Config) kephasgate.Gateway {
	return gateway.New(cfg)
}

// DefaultConfig returns a Config with the protocol defaults.
func DefaultConfig(token string, intents Intents) Config {
	return gateway.DefaultConfig(token, intents)
}

// NewTransport returns the websocket transport with extra handshake headers
// and a logger.
func NewTransport(header http.Header, logger *slog.Logger) kephasgate.Transport {
	opts := []transport.Option{transport.WithHeader(header)}
	if logger != nil {
		opts = append(opts, transport.WithLogger(logger))
	}
	return transport.New(opts...)
}

// NewMetrics registers the engine metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	return metrics.New(opts...)
}

// Metrics options.
var (
	WithMetricsNamespace = metrics.WithNamespace
	WithMetricsRegistry  = metrics.WithRegistry
	WithMetricsLabels    = metrics.WithConstLabels
)

// ParseIntents converts intent names such as "guild_messages" to a bitmask.
func ParseIntents(names []string) (Intents, error) {
	return protocol.ParseIntents(names)
}

// Classify returns the recovery the gateway would pick for a frame.
func Classify(f kephasgate.Frame) Action {
	return gateway.Classify(f)
}

// GatewayURL appends the version and encoding query to a gateway URL.
func GatewayURL(base string) string {
	if strings.Contains(base, "?") {
		return base + "&" + kephasgate.QueryString
	}
	return base + "?" + kephasgate.QueryString
}

// ZlibCompression enables per-payload zlib compression.
func ZlibCompression() kephasgate.Decompressor {
	return protocol.ZlibDecompressor{Enabled: true}
}
