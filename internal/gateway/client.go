// Package gateway is the connection engine behind kephasgate.Gateway.
//
// A Client runs one epoch at a time. Each epoch owns a heartbeat task and an
// ingestion task; when either of them detects a failure it files a recovery
// request with the client's supervisor instead of tearing its own epoch
// down, so the supervisor can cancel and join both tasks before the next
// epoch dials.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
	"github.com/luciancaetano/kephasgate/internal/transport"
)

const tracerName = "github.com/luciancaetano/kephasgate"

type recoveryRequest struct {
	epoch  *epoch
	action Action
	reason error
}

// Client implements kephasgate.Gateway.
type Client struct {
	cfg          Config
	logger       *slog.Logger
	transport    kephasgate.Transport
	decompressor kephasgate.Decompressor
	budget       *ratelimit.Budget
	identifies   *rate.Limiter
	metrics      *metrics.Collector
	tracer       trace.Tracer

	// ctx ends when the client stops for good.
	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serializes Connect, Resume, Reconnect, Disconnect and
	// supervisor recoveries. epoch is guarded by it.
	lifecycle sync.Mutex
	epoch     *epoch

	session session

	stateMu sync.RWMutex
	state   kephasgate.State

	events     chan *protocol.Payload
	eventsOnce sync.Once

	recoveries    chan recoveryRequest
	superviseOnce sync.Once
}

// New creates a Client. It does not connect.
func New(cfg Config) *Client {
	cfg.applyDefaults()

	logger := cfg.Logger.With("component", "gateway")
	tr := cfg.Transport
	if tr == nil {
		tr = transport.New(transport.WithLogger(logger))
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	limit := rate.Inf
	if cfg.IdentifyInterval > 0 {
		limit = rate.Every(cfg.IdentifyInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:          cfg,
		logger:       logger,
		transport:    tr,
		decompressor: cfg.Decompressor,
		budget:       ratelimit.New(cfg.WriteLimit, cfg.WriteWindow),
		identifies:   rate.NewLimiter(limit, 1),
		metrics:      cfg.Metrics,
		tracer:       tp.Tracer(tracerName),
		ctx:          ctx,
		cancel:       cancel,
		state:        kephasgate.StateDisconnected,
		events:       make(chan *protocol.Payload, cfg.EventBuffer),
		recoveries:   make(chan recoveryRequest),
	}
}

// Connect opens url, waits for Hello, starts the epoch and identifies.
func (c *Client) Connect(ctx context.Context, url string, opts *kephasgate.ConnectOptions) (err error) {
	ctx, span := c.tracer.Start(ctx, "kephasgate.connect",
		trace.WithAttributes(attribute.String("gateway.url", url)))
	defer func() { endSpan(span, err) }()

	if opts == nil {
		opts = &kephasgate.ConnectOptions{}
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.ctx.Err() != nil {
		return kephasgate.ErrClosed
	}
	if c.epoch != nil {
		c.retireEpoch(kephasgate.CloseNormal)
	}

	identify, err := protocol.EncodeIdentify(protocol.Identify{
		Token:          c.cfg.Token,
		Properties:     c.cfg.Properties,
		Compress:       c.decompressor.PayloadCompression(),
		LargeThreshold: c.cfg.LargeThreshold,
		Shard:          opts.Shard,
		Presence:       opts.Presence,
		Intents:        c.cfg.Intents,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrFailedToEncode, err)
	}

	c.session.reset()
	c.session.cache(url, identify, opts.Shard)
	if opts.Shard != nil {
		span.SetAttributes(attribute.String("gateway.shard", opts.Shard.String()))
	}

	c.setState(kephasgate.StateConnecting)
	if err := c.handshake(ctx, url, identify); err != nil {
		c.setState(kephasgate.StateDisconnected)
		return err
	}

	c.superviseOnce.Do(func() { go c.supervise() })
	c.logger.Info("connected", "url", url)
	return nil
}

// handshake dials url, reads Hello, starts an epoch and writes identify.
func (c *Client) handshake(ctx context.Context, url string, identify []byte) error {
	interval, err := c.dialHello(ctx, url)
	if err != nil {
		return err
	}
	ep := c.startEpoch(interval)

	if err := c.sendIdentify(ctx, identify); err != nil {
		c.retireEpoch(kephasgate.CloseNormal)
		return err
	}
	ep.logger.Debug("identify sent")
	c.setState(kephasgate.StateConnected)
	return nil
}

// dialHello opens url and returns the heartbeat interval from Hello. On
// failure no epoch is started and the transport is closed again.
func (c *Client) dialHello(ctx context.Context, url string) (time.Duration, error) {
	if err := c.transport.Connect(ctx, url); err != nil {
		return 0, fmt.Errorf("%s: %w", kephasgate.ErrDialFailed, err)
	}

	readCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	frame := c.transport.Read(readCtx)
	if frame.IsMessage() {
		if p, err := c.decode(frame); err == nil {
			if hello, ok := p.Data.(protocol.Hello); ok {
				interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
				c.session.setHeartbeatInterval(interval)
				return interval, nil
			}
		}
	}

	c.transport.Disconnect(kephasgate.CloseNormal)
	herr := &kephasgate.HandshakeError{Frame: frame, Recovery: Classify(frame).String()}
	c.logger.Warn("handshake failed", "frame", frame.String(), "recovery", herr.Recovery)
	return 0, herr
}

func (c *Client) sendIdentify(ctx context.Context, identify []byte) error {
	if err := c.identifies.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrIdentifyFailed, err)
	}
	if err := c.write(ctx, identify); err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrIdentifyFailed, err)
	}
	return nil
}

// startEpoch launches the heartbeat and ingestion tasks on the open transport.
func (c *Client) startEpoch(interval time.Duration) *epoch {
	logger := c.logger
	if shard := c.session.snapshot().Shard; shard != nil {
		logger = logger.With("shard", shard.String())
	}
	ep := newEpoch(c.ctx, interval, logger)
	c.epoch = ep
	ep.wg.Add(2)
	go c.heartbeat(ep)
	go c.ingest(ep)
	c.metrics.SetConnected(true)
	ep.logger.Debug("epoch started", "heartbeat_interval", interval)
	return ep
}

// retireEpoch cancels the current epoch, closes the transport with code and
// waits for both tasks. Closing the transport is what unblocks a pending read.
func (c *Client) retireEpoch(code int) {
	ep := c.epoch
	if ep != nil {
		ep.cancel()
	}
	if err := c.transport.Disconnect(code); err != nil {
		c.logger.Debug("transport close failed", "error", err)
	}
	if ep == nil {
		return
	}
	ep.wg.Wait()
	c.epoch = nil
	c.metrics.SetConnected(false)
	ep.logger.Debug("epoch retired", "close_code", code)
}

// Disconnect stops the client for good.
func (c *Client) Disconnect(ctx context.Context) error {
	// Cancel first so a recovery in progress gives up the lifecycle lock.
	c.cancel()

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() == kephasgate.StateClosed {
		return nil
	}
	c.retireEpoch(kephasgate.CloseNormal)
	c.setState(kephasgate.StateClosed)
	c.closeEvents()
	c.logger.InfoContext(ctx, "disconnected")
	return nil
}

// Resume continues the cached session, falling back to Reconnect.
func (c *Client) Resume(ctx context.Context, reason error) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.ctx.Err() != nil {
		return kephasgate.ErrClosed
	}
	err := c.resume(ctx, reason)
	if err != nil {
		c.cfg.Hooks.reconnectFailed(err)
	}
	return err
}

func (c *Client) resume(ctx context.Context, reason error) (err error) {
	ctx, span := c.tracer.Start(ctx, "kephasgate.resume")
	defer func() { endSpan(span, err) }()

	c.logger.Info("resuming session", "reason", reason)

	id, url := c.session.resumable()
	if id == "" || url == "" {
		c.logger.Info("no resumable session, reconnecting")
		span.SetAttributes(attribute.Bool("gateway.fallback", true))
		return c.reconnect(ctx)
	}
	span.SetAttributes(attribute.String("gateway.session_id", id))

	c.setState(kephasgate.StateResuming)
	err = c.tryResume(ctx, id, url)
	c.metrics.Resumed(err)
	if err != nil {
		c.logger.Warn("resume failed, reconnecting", "error", err)
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("gateway.fallback", true))
		return c.reconnect(ctx)
	}
	c.setState(kephasgate.StateConnected)
	return nil
}

func (c *Client) tryResume(ctx context.Context, id, url string) error {
	c.retireEpoch(kephasgate.CloseResumable)

	if err := c.transport.Connect(ctx, resumeURL(url)); err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrResumeFailed, err)
	}
	c.startEpoch(c.session.heartbeatInterval())

	payload, err := protocol.EncodeResume(protocol.Resume{
		Token:     c.cfg.Token,
		SessionID: id,
		Seq:       c.session.sequence(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrFailedToEncode, err)
	}
	if err := c.write(ctx, payload); err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrResumeFailed, err)
	}
	return nil
}

// Reconnect discards the session and repeats the handshake.
func (c *Client) Reconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.ctx.Err() != nil {
		return kephasgate.ErrClosed
	}
	err := c.reconnect(ctx)
	if err != nil {
		c.cfg.Hooks.reconnectFailed(err)
	}
	return err
}

func (c *Client) reconnect(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "kephasgate.reconnect")
	defer func() {
		c.metrics.Reconnected(err)
		endSpan(span, err)
	}()

	url, identify := c.session.reconnectTarget()
	if url == "" {
		return fmt.Errorf("%s: %w", kephasgate.ErrReconnectFailed, kephasgate.ErrNotConnected)
	}

	c.setState(kephasgate.StateReconnecting)
	c.retireEpoch(kephasgate.CloseNormal)
	c.session.reset()

	if err := c.handshake(ctx, url, identify); err != nil {
		c.setState(kephasgate.StateDisconnected)
		return fmt.Errorf("%s: %w", kephasgate.ErrReconnectFailed, err)
	}
	c.logger.Info("reconnected", "url", url)
	return nil
}

// requestRecovery hands a failure of ep to the supervisor, once per epoch.
func (c *Client) requestRecovery(ep *epoch, action Action, reason error) {
	ep.recoverOnce.Do(func() {
		select {
		case c.recoveries <- recoveryRequest{epoch: ep, action: action, reason: reason}:
		case <-ep.ctx.Done():
		}
	})
}

// supervise runs recovery requests until the client stops.
func (c *Client) supervise() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.recoveries:
			c.runRecovery(req)
		}
	}
}

func (c *Client) runRecovery(req recoveryRequest) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.ctx.Err() != nil || req.epoch != c.epoch {
		// The epoch was already replaced by a caller.
		return
	}

	if req.action == ActionFatal {
		c.fail(req.reason)
		return
	}

	var err error
	if req.action == ActionResume {
		err = c.resume(c.ctx, req.reason)
	} else {
		err = c.reconnect(c.ctx)
	}

	for attempt := 1; err != nil && attempt < c.cfg.Reconnect.attempts(); attempt++ {
		delay := c.cfg.Reconnect.delay(attempt-1, c.cfg.Rand())
		c.logger.Warn("recovery failed, retrying", "error", err, "attempt", attempt, "delay", delay)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		err = c.reconnect(c.ctx)
	}

	if err != nil && c.ctx.Err() == nil {
		c.logger.Error("recovery gave up", "error", err)
		c.cfg.Hooks.reconnectFailed(err)
	}
}

// fail stops the client after a non-recoverable close code.
func (c *Client) fail(reason error) {
	var closeErr *kephasgate.CloseError
	if errors.As(reason, &closeErr) {
		c.metrics.FatalClose(strconv.Itoa(closeErr.Code))
	}
	c.logger.Error("gateway closed the session for good", "error", reason)

	c.cancel()
	c.retireEpoch(kephasgate.CloseNormal)
	c.setState(kephasgate.StateClosed)
	c.closeEvents()
	c.cfg.Hooks.reconnectFailed(reason)
}

// Write sends payload through the shared rate budget.
func (c *Client) Write(ctx context.Context, payload []byte) error {
	if c.ctx.Err() != nil {
		return kephasgate.ErrClosed
	}
	return c.write(ctx, payload)
}

func (c *Client) write(ctx context.Context, payload []byte) error {
	waited, err := c.budget.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrRateLimitCanceled, err)
	}
	c.metrics.Wrote(waited)
	return c.transport.Write(ctx, payload)
}

// UpdatePresence sends a presence update.
func (c *Client) UpdatePresence(ctx context.Context, presence protocol.Presence) error {
	payload, err := protocol.EncodePresence(presence)
	if err != nil {
		return fmt.Errorf("%s: %w", kephasgate.ErrFailedToEncode, err)
	}
	return c.Write(ctx, payload)
}

// Events returns the decoded payload stream.
func (c *Client) Events() <-chan *protocol.Payload { return c.events }

// State returns the lifecycle state.
func (c *Client) State() kephasgate.State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s kephasgate.State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Session returns a snapshot of the session identity.
func (c *Client) Session() kephasgate.Session { return c.session.snapshot() }

func (c *Client) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ kephasgate.Gateway = (*Client)(nil)
