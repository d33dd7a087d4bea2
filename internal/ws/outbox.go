package ws

import (
	"sync"

	"github.com/00quasr/sokudo-sub000/pkg/metrics"
)

type outFrame struct {
	data     []byte
	critical bool // terminal/finish/ranking frames, never dropped
}

// outbox is a bounded per-connection send queue. A slow consumer fills
// it; on overflow the oldest non-critical frame is dropped so the room's
// fan-out never blocks. Critical frames are always retained, growing the
// queue past cap if every queued frame is critical.
type outbox struct {
	mu      sync.Mutex
	frames  []outFrame
	cap     int
	ready   chan struct{} // 1-buffered wakeup for the write loop
	closed  bool
	dropped int
}

func newOutbox(capacity int) *outbox {
	return &outbox{cap: capacity, ready: make(chan struct{}, 1)}
}

// push enqueues a frame, applying the overflow drop policy.
// Returns false if the outbox is closed.
func (o *outbox) push(f outFrame) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.frames) >= o.cap {
		for i, q := range o.frames {
			if !q.critical {
				o.frames = append(o.frames[:i], o.frames[i+1:]...)
				o.dropped++
				metrics.FramesDropped.Inc()
				break
			}
		}
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest frame, or returns false when empty.
func (o *outbox) pop() (outFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return outFrame{}, false
	}
	f := o.frames[0]
	o.frames = o.frames[1:]
	return f, true
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.mu.Unlock()
}

func (o *outbox) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames) == 0
}

func (o *outbox) droppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
