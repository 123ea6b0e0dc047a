package transport

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/time/rate"
)

// maxBatchBytes caps one emitted message at 32,000 bytes, leaving margin
// under the server's 32,768-byte per-message maximum.
const maxBatchBytes = 32000

// DefaultBatchInterval is the default sender wake interval.
const DefaultBatchInterval = 10 * time.Millisecond

// Batcher holds an ordered queue of encoded paint frames for one
// connection and drains it on a timer or an explicit wake signal,
// emitting whole frames up to maxBatchBytes per message.
type Batcher struct {
	mu      sync.Mutex
	frames  *queue.Queue
	signal  chan struct{}
	limiter *rate.Limiter

	intervalMu sync.RWMutex
	interval   time.Duration
}

// NewBatcher creates a Batcher waking every interval (or sooner, on
// Wake), rate-limited to one drain per interval.
func NewBatcher(interval time.Duration) *Batcher {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &Batcher{
		frames:   queue.New(),
		signal:   make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Enqueue appends an already-encoded frame and wakes the sender loop.
func (b *Batcher) Enqueue(frame []byte) {
	b.mu.Lock()
	b.frames.Add(frame)
	b.mu.Unlock()
	b.Wake()
}

// Wake signals the sender loop to drain without waiting for the next
// timer tick.
func (b *Batcher) Wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Len reports the number of frames currently queued.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames.Length()
}

// SetInterval replaces the wake interval and updates the limiter to
// match. Nothing in this module calls it, so a running Batcher keeps the
// interval it was created with.
func (b *Batcher) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	b.intervalMu.Lock()
	b.interval = interval
	b.intervalMu.Unlock()
	b.limiter.SetLimit(rate.Every(interval))
}

func (b *Batcher) currentInterval() time.Duration {
	b.intervalMu.RLock()
	defer b.intervalMu.RUnlock()
	return b.interval
}

// drain removes frames from the queue, concatenating them into one
// message, stopping before the running total would exceed
// maxBatchBytes. Partial frames are never split across messages.
func (b *Batcher) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []byte
	for b.frames.Length() > 0 {
		next, ok := b.frames.Peek().([]byte)
		if !ok {
			b.frames.Remove()
			continue
		}
		if len(out)+len(next) > maxBatchBytes {
			break
		}
		out = append(out, next...)
		b.frames.Remove()
	}
	return out
}

// Discard empties the queue without sending, used when a connection
// closes (undelivered frames are regenerated from the still-divergent
// target, not retried verbatim).
func (b *Batcher) Discard() {
	b.mu.Lock()
	b.frames = queue.New()
	b.mu.Unlock()
}

// Run drives the sender loop until ctx is cancelled, calling send for
// each non-empty batch. It wakes on Enqueue/Wake or on the current
// interval timer, whichever comes first, and yields between successive
// sends so an interleaved receive-loop pong is never starved.
func (b *Batcher) Run(ctx context.Context, send func([]byte) error) error {
	timer := time.NewTimer(b.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.signal:
		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.currentInterval())

		if b.Len() == 0 {
			continue
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		batch := b.drain()
		if len(batch) == 0 {
			continue
		}
		if err := send(batch); err != nil {
			return err
		}
		runtime.Gosched()
	}
}
