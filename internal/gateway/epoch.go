package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// epoch is one connection attempt: a cancellation scope and the two tasks
// running under it. An epoch is retired (cancelled, transport closed, tasks
// joined) before the next one starts.
type epoch struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	interval atomic.Int64 // nanoseconds
	beatNow  chan struct{}

	// Liveness: acked is false between a heartbeat and its acknowledgement.
	acked    atomic.Bool
	lastBeat atomic.Int64 // unix nanoseconds

	recoverOnce sync.Once
}

func newEpoch(parent context.Context, interval time.Duration, logger *slog.Logger) *epoch {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	ep := &epoch{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("epoch", id),
		beatNow: make(chan struct{}, 1),
	}
	ep.interval.Store(int64(interval))
	ep.acked.Store(true)
	return ep
}

func (ep *epoch) heartbeatInterval() time.Duration {
	return time.Duration(ep.interval.Load())
}

func (ep *epoch) setHeartbeatInterval(d time.Duration) { ep.interval.Store(int64(d)) }

// requestBeat asks the heartbeat task for an immediate beat.
func (ep *epoch) requestBeat() {
	select {
	case ep.beatNow <- struct{}{}:
	default:
	}
}

func (ep *epoch) beatSent(at time.Time) {
	ep.lastBeat.Store(at.UnixNano())
	ep.acked.Store(false)
}

// ack marks the outstanding beat acknowledged and returns its round trip.
func (ep *epoch) ack(at time.Time) time.Duration {
	ep.acked.Store(true)
	sent := ep.lastBeat.Load()
	if sent == 0 {
		return 0
	}
	return at.Sub(time.Unix(0, sent))
}
