package transport

import (
	"sync"
	"time"
)

// Batcher collects locally gathered ICE candidates and sends them in
// batches. It starts held: nothing goes out until Release, which callers
// invoke once the offer or answer is on the wire so the remote side has a
// session to apply them to.
type Batcher struct {
	delay time.Duration
	send  func([]Candidate)

	mu      sync.Mutex
	pending []Candidate
	timer   *time.Timer
	held    bool
	stopped bool
}

func NewBatcher(delay time.Duration, send func([]Candidate)) *Batcher {
	return &Batcher{delay: delay, send: send, held: true}
}

// Add queues c. A nil candidate marks the end of gathering and flushes.
func (b *Batcher) Add(c *Candidate) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if c != nil {
		b.pending = append(b.pending, *c)
	}
	if b.held {
		b.mu.Unlock()
		return
	}
	if c == nil || b.delay <= 0 {
		b.mu.Unlock()
		b.flush()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.flush)
	}
	b.mu.Unlock()
}

// Release lets queued and future candidates go out.
func (b *Batcher) Release() {
	b.mu.Lock()
	if !b.held || b.stopped {
		b.mu.Unlock()
		return
	}
	b.held = false
	n := len(b.pending)
	b.mu.Unlock()
	if n > 0 {
		go b.flush()
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if b.stopped || len(b.pending) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.send(batch)
}

// Stop drops anything pending. Later Adds are ignored.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
}
