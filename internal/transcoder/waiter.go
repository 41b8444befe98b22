package transcoder

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/chunkrelay/internal/metrics"
	"github.com/jmylchreest/chunkrelay/internal/registry"
)

// ChunkStatus is the outcome of a chunk lookup or wait.
type ChunkStatus int

const (
	// ChunkReady means the chunk exists and the controller is alive.
	ChunkReady ChunkStatus = iota
	// ChunkPending means the caller should look the chunk up again.
	ChunkPending
	// ChunkClosed means the controller is gone; no more chunks will come.
	ChunkClosed
	// ChunkTimedOut means the chunk did not appear within the wait timeout.
	ChunkTimedOut
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkReady:
		return "ready"
	case ChunkPending:
		return "pending"
	case ChunkClosed:
		return "closed"
	case ChunkTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Wait blocks until the chunk is announced, the wait times out, the controller
// is killed or ctx is cancelled. chunkID is in registry form (see registry.ChunkID).
// It never reports ChunkReady once the controller has started dying.
func (c *Controller) Wait(ctx context.Context, chunkID, streamID string) (status ChunkStatus) {
	defer func() { metrics.ChunkWaits.WithLabelValues(status.String()).Inc() }()

	if !c.transcoding.Load() {
		return ChunkClosed
	}

	sub, err := c.reg.Subscribe(ctx, registry.SessionEvent(c.sessionID))
	if err != nil {
		c.logger.Warn("subscribing to chunk events failed", slog.String("error", err.Error()))
		return ChunkClosed
	}
	defer sub.Close()

	// The chunk may have landed between the caller's lookup and the subscription.
	if _, ok, err := c.reg.Get(ctx, registry.ChunkKey(c.sessionID, streamID, chunkID)); err == nil && ok {
		return c.readyUnlessDead()
	}

	timer := time.NewTimer(c.cfg.ChunkWaitTimeout)
	defer timer.Stop()

	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				return ChunkClosed
			}
			if n.StreamID == streamID && n.ChunkID == chunkID {
				return c.readyUnlessDead()
			}
		case <-timer.C:
			if c.alive.Load() {
				return ChunkTimedOut
			}
			return ChunkClosed
		case <-c.killed:
			return ChunkClosed
		case <-ctx.Done():
			return ChunkClosed
		}
	}
}

func (c *Controller) readyUnlessDead() ChunkStatus {
	if c.alive.Load() {
		return ChunkReady
	}
	return ChunkClosed
}
