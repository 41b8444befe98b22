package transcoder

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/chunkrelay/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishLater(t *testing.T, reg registry.Registry, delay time.Duration, notes ...registry.Notification) {
	t.Helper()
	go func() {
		time.Sleep(delay)
		for _, n := range notes {
			_ = reg.Publish(context.Background(), registry.SessionEvent(testSession), n)
		}
	}()
}

func TestWait_MatchingNotification(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.Transcoder.ChunkWaitTimeout = 2 * time.Second
	c := h.newController(0)

	publishLater(t, h.reg, 20*time.Millisecond,
		registry.Notification{StreamID: "sub", ChunkID: "00003"},
		registry.Notification{StreamID: "0", ChunkID: "00004"},
		registry.Notification{StreamID: "0", ChunkID: "00003"},
	)

	assert.Equal(t, ChunkReady, c.Wait(context.Background(), "00003", "0"))
}

func TestWait_InitChunk(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.Transcoder.ChunkWaitTimeout = 2 * time.Second
	c := h.newController(0)

	publishLater(t, h.reg, 20*time.Millisecond, registry.Notification{StreamID: "0", ChunkID: registry.InitChunkID})

	assert.Equal(t, ChunkReady, c.Wait(context.Background(), registry.ChunkID(-1), "0"))
}

func TestWait_TimesOut(t *testing.T) {
	h := newHarness(t, "")
	c := h.newController(0)

	publishLater(t, h.reg, 10*time.Millisecond, registry.Notification{StreamID: "0", ChunkID: "00009"})

	start := time.Now()
	assert.Equal(t, ChunkTimedOut, c.Wait(context.Background(), "00001", "0"))
	assert.GreaterOrEqual(t, time.Since(start), h.cfg.Transcoder.ChunkWaitTimeout)
}

func TestWait_KillResolvesClosedBeforeTimer(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.Transcoder.ChunkWaitTimeout = 10 * time.Second
	c := h.newController(0)

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Kill(context.Background(), false)
	}()

	start := time.Now()
	assert.Equal(t, ChunkClosed, c.Wait(context.Background(), "00001", "0"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWait_ContextCancelled(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.Transcoder.ChunkWaitTimeout = 10 * time.Second
	c := h.newController(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.Equal(t, ChunkClosed, c.Wait(ctx, "00001", "0"))
}

func TestWait_NotTranscoding(t *testing.T) {
	h := newHarness(t, "")
	c := h.newController(0)
	c.transcoding.Store(false)

	assert.Equal(t, ChunkClosed, c.Wait(context.Background(), "00001", "0"))
}

func TestWait_ChunkAlreadyRecorded(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.Transcoder.ChunkWaitTimeout = 10 * time.Second
	c := h.newController(0)
	require.NoError(t, h.reg.Set(context.Background(), registry.ChunkKey(testSession, "0", "00002"), "1"))

	assert.Equal(t, ChunkReady, c.Wait(context.Background(), "00002", "0"))
}

func TestWait_ConcurrentChunks(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.Transcoder.ChunkWaitTimeout = 2 * time.Second
	c := h.newController(0)

	results := make(chan ChunkStatus, 2)
	for _, id := range []string{"00001", "00002"} {
		go func() { results <- c.Wait(context.Background(), id, "0") }()
	}

	publishLater(t, h.reg, 50*time.Millisecond,
		registry.Notification{StreamID: "0", ChunkID: "00002"},
		registry.Notification{StreamID: "0", ChunkID: "00001"},
	)

	assert.Equal(t, ChunkReady, <-results)
	assert.Equal(t, ChunkReady, <-results)
}

func TestChunkStatus_String(t *testing.T) {
	assert.Equal(t, "ready", ChunkReady.String())
	assert.Equal(t, "pending", ChunkPending.String())
	assert.Equal(t, "closed", ChunkClosed.String())
	assert.Equal(t, "timed_out", ChunkTimedOut.String())
	assert.Equal(t, "unknown", ChunkStatus(42).String())
}
