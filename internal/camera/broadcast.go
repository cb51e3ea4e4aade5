package camera

import (
	"context"
	"sync"
)

// frameBroadcast is the single-slot latest-value channel described in the
// design notes: one writer publishes Frame handles, any number of readers
// observe "changed" events and always see the newest value. A reader that
// is slower than the writer never sees stale intermediate frames — it
// simply skips them, which is the latest-wins semantics the capture
// contract requires.
type frameBroadcast struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  *Frame
	seq    uint64
	closed bool
}

func newFrameBroadcast() *frameBroadcast {
	b := &frameBroadcast{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// publish stores f as the latest value and wakes all subscribers. The
// previously published frame's reference (held by the broadcast slot
// itself) is released; a subscriber that already retained its own
// reference via Next is unaffected.
func (b *frameBroadcast) publish(f *Frame) {
	b.mu.Lock()
	prev := b.value
	b.value = f
	b.seq++
	b.mu.Unlock()
	b.cond.Broadcast()
	if prev != nil {
		prev.Release()
	}
}

// close terminates the sequence for every current and future subscriber.
func (b *frameBroadcast) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	prev := b.value
	b.value = nil
	b.mu.Unlock()
	b.cond.Broadcast()
	if prev != nil {
		prev.Release()
	}
}

func (b *frameBroadcast) subscribe() *broadcastSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &broadcastSubscription{slot: b, lastSeq: b.seq}
}

// broadcastSubscription implements FrameSequence over a frameBroadcast.
type broadcastSubscription struct {
	slot    *frameBroadcast
	lastSeq uint64
}

func (s *broadcastSubscription) Next(ctx context.Context) (*Frame, bool) {
	b := s.slot

	// sync.Cond has no context-aware wait; a done watcher wakes the cond
	// once if the caller cancels while we're parked.
	if ctx != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				b.cond.Broadcast()
			case <-stop:
			}
		}()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.seq == s.lastSeq && !b.closed {
		if ctx != nil && ctx.Err() != nil {
			return nil, false
		}
		b.cond.Wait()
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, false
	}
	if b.closed && b.seq == s.lastSeq {
		return nil, false
	}
	s.lastSeq = b.seq
	f := b.value
	if f == nil {
		return nil, false
	}
	return f.Retain(), true
}
