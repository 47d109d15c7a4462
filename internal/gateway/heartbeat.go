package gateway

import (
	"errors"
	"time"

	"github.com/luciancaetano/kephasgate/internal/protocol"
)

var errZombied = errors.New("heartbeat not acknowledged")

// firstBeatDelay spreads the first heartbeat over [0, 0.95*interval).
func firstBeatDelay(interval time.Duration, r float64) time.Duration {
	return time.Duration(float64(interval) * 0.95 * r)
}

// heartbeat keeps ep alive until it is cancelled or found zombied.
func (c *Client) heartbeat(ep *epoch) {
	defer ep.wg.Done()

	timer := time.NewTimer(firstBeatDelay(ep.heartbeatInterval(), c.cfg.Rand()))
	defer timer.Stop()

	for {
		select {
		case <-ep.ctx.Done():
			return
		case <-ep.beatNow:
			c.beat(ep)
		case <-timer.C:
			if !ep.acked.Load() {
				ep.logger.Warn("heartbeat not acknowledged, dropping connection")
				c.metrics.Zombied()
				c.cfg.Hooks.zombied()
				c.requestRecovery(ep, ActionResume, errZombied)
				return
			}
			c.beat(ep)
			timer.Reset(ep.heartbeatInterval())
		}
	}
}

func (c *Client) beat(ep *epoch) {
	seq := c.session.sequence()
	ep.beatSent(time.Now())
	if err := c.write(ep.ctx, protocol.EncodeHeartbeat(seq)); err != nil {
		if ep.ctx.Err() == nil {
			ep.logger.Warn("heartbeat write failed", "error", err)
		}
		return
	}
	c.metrics.HeartbeatSent()
	ep.logger.Debug("heartbeat sent", "seq", seq)
}
