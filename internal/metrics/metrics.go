// Package metrics exposes Prometheus collectors for the gateway engine.
//
// A nil *Collector is valid and records nothing, so the engine can call it
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "kephasgate").
	Namespace string

	// Subsystem is the metrics subsystem (default: "gateway").
	Subsystem string

	// ConstLabels are added to every metric, e.g. {"shard": "0"}.
	ConstLabels prometheus.Labels

	// Registry is where collectors are registered.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "kephasgate",
		Subsystem: "gateway",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the engine's metrics.
type Collector struct {
	heartbeatsSent   prometheus.Counter
	heartbeatAcks    prometheus.Counter
	heartbeatLatency prometheus.Histogram
	zombies          prometheus.Counter
	events           *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	resumes          *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	fatalCloses      *prometheus.CounterVec
	writes           prometheus.Counter
	rateLimitWaits   prometheus.Counter
	rateLimitWait    prometheus.Histogram
	connected        prometheus.Gauge
}

// New creates and registers the collectors.
func New(opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}

	return &Collector{
		heartbeatsSent: counter("heartbeats_sent_total", "Heartbeats written to the gateway"),
		heartbeatAcks:  counter("heartbeat_acks_total", "Heartbeat acknowledgements received"),
		heartbeatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "heartbeat_latency_seconds",
			Help:        "Time between a heartbeat and its acknowledgement",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		zombies:      counter("zombied_total", "Connections dropped for missing heartbeat acknowledgements"),
		events:       counterVec("events_total", "Decoded inbound payloads by opcode", "op"),
		decodeErrors: counter("decode_errors_total", "Inbound frames dropped because they could not be decoded"),
		resumes:      counterVec("resumes_total", "Session resume attempts by result", "result"),
		reconnects:   counterVec("reconnects_total", "Full reconnect attempts by result", "result"),
		fatalCloses:  counterVec("fatal_closes_total", "Non-recoverable close codes received", "code"),
		writes:       counter("writes_total", "Frames written through the rate budget"),
		rateLimitWaits: counter("rate_limit_waits_total", "Writes that had to wait for the next budget window"),
		rateLimitWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "rate_limit_wait_seconds",
			Help:        "Time writes spent waiting for budget",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{.1, .5, 1, 5, 15, 30, 60},
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connected",
			Help:        "1 while a connection epoch is running",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// HeartbeatSent records a heartbeat write.
func (c *Collector) HeartbeatSent() {
	if c == nil {
		return
	}
	c.heartbeatsSent.Inc()
}

// HeartbeatAcked records an acknowledgement and its latency.
func (c *Collector) HeartbeatAcked(latency time.Duration) {
	if c == nil {
		return
	}
	c.heartbeatAcks.Inc()
	if latency > 0 {
		c.heartbeatLatency.Observe(latency.Seconds())
	}
}

// Zombied records a connection lost to missing acknowledgements.
func (c *Collector) Zombied() {
	if c == nil {
		return
	}
	c.zombies.Inc()
}

// EventReceived records a decoded payload.
func (c *Collector) EventReceived(op string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(op).Inc()
}

// DecodeFailed records a dropped frame.
func (c *Collector) DecodeFailed() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// Resumed records a resume attempt.
func (c *Collector) Resumed(err error) {
	if c == nil {
		return
	}
	c.resumes.WithLabelValues(result(err)).Inc()
}

// Reconnected records a reconnect attempt.
func (c *Collector) Reconnected(err error) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(result(err)).Inc()
}

// FatalClose records a non-recoverable close code.
func (c *Collector) FatalClose(code string) {
	if c == nil {
		return
	}
	c.fatalCloses.WithLabelValues(code).Inc()
}

// Wrote records one admitted write and the time it waited for budget.
func (c *Collector) Wrote(waited time.Duration) {
	if c == nil {
		return
	}
	c.writes.Inc()
	if waited > 0 {
		c.rateLimitWaits.Inc()
		c.rateLimitWait.Observe(waited.Seconds())
	}
}

// SetConnected flips the connected gauge.
func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}
