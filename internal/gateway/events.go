package gateway

import (
	"fmt"
	"time"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// ingest reads frames for ep, tracks session state from them and forwards
// every decoded payload to Events.
func (c *Client) ingest(ep *epoch) {
	defer ep.wg.Done()

	for {
		frame := c.transport.Read(ep.ctx)
		if ep.ctx.Err() != nil {
			return
		}

		if !frame.IsMessage() {
			action := Classify(frame)
			ep.logger.Warn("connection lost", "frame", frame.String(), "action", action.String())
			c.requestRecovery(ep, action, frameError(frame))
			<-ep.ctx.Done()
			return
		}

		p, err := c.decode(frame)
		if err != nil {
			c.metrics.DecodeFailed()
			ep.logger.Warn("dropping frame", "error", err)
			continue
		}
		c.metrics.EventReceived(p.Op.String())
		if p.Seq != nil {
			c.session.setSequence(*p.Seq)
		}

		action, ok := c.handle(ep, p)

		select {
		case c.events <- p:
		case <-ep.ctx.Done():
			return
		}

		if ok {
			c.requestRecovery(ep, action, fmt.Errorf("gateway sent %s", p.Op))
			<-ep.ctx.Done()
			return
		}
	}
}

// decode turns a message frame into a payload, inflating binary frames.
func (c *Client) decode(frame kephasgate.Frame) (*protocol.Payload, error) {
	data := frame.Data
	if frame.Kind == kephasgate.FrameBinary {
		inflated, err := c.decompressor.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kephasgate.ErrDecompress, err)
		}
		data = inflated
	}
	p, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kephasgate.ErrInvalidPayload, err)
	}
	return p, nil
}

// handle applies p to the session and reports whether it asks for recovery.
func (c *Client) handle(ep *epoch, p *protocol.Payload) (Action, bool) {
	switch d := p.Data.(type) {
	case protocol.Ready:
		c.session.ready(d.SessionID, d.ResumeGatewayURL)
		ep.logger.Info("session ready", "session_id", d.SessionID, "resume_url", d.ResumeGatewayURL)
		c.cfg.Hooks.ready(d.SessionID)

	case protocol.Resumed:
		ep.logger.Info("session resumed", "seq", c.session.sequence())

	case protocol.Hello:
		interval := time.Duration(d.HeartbeatInterval) * time.Millisecond
		c.session.setHeartbeatInterval(interval)
		ep.setHeartbeatInterval(interval)
		ep.logger.Debug("heartbeat interval updated", "interval", interval)

	case protocol.HeartbeatAck:
		latency := ep.ack(time.Now())
		c.metrics.HeartbeatAcked(latency)
		c.cfg.Hooks.heartbeatAck(latency)

	case protocol.HeartbeatRequest:
		ep.requestBeat()

	case protocol.InvalidSession:
		ep.logger.Warn("session invalidated", "resumable", d.Resumable)
		c.cfg.Hooks.sessionInvalidated(d.Resumable)
		if d.Resumable {
			return ActionResume, true
		}
		return ActionReconnect, true

	case protocol.ReconnectRequest:
		ep.logger.Info("gateway requested reconnect")
		c.cfg.Hooks.reconnectRequested()
		return ActionReconnect, true

	default:
		ep.logger.Debug("payload received", "op", p.Op.String(), "event", p.Event)
	}
	return 0, false
}
