package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu      sync.Mutex
	batches [][]Candidate
}

func (s *sink) send(b []Candidate) {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
}

func (s *sink) get() [][]Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Candidate(nil), s.batches...)
}

func cand(s string) *Candidate { return &Candidate{Candidate: s} }

func TestBatcherHoldsUntilRelease(t *testing.T) {
	var s sink
	b := NewBatcher(0, s.send)
	b.Add(cand("a"))
	b.Add(cand("b"))
	assert.Empty(t, s.get())

	b.Release()
	require.Eventually(t, func() bool { return len(s.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Candidate{{Candidate: "a"}, {Candidate: "b"}}, s.get()[0])

	b.Add(cand("c"))
	assert.Len(t, s.get(), 2)
}

func TestBatcherCoalesces(t *testing.T) {
	var s sink
	b := NewBatcher(20*time.Millisecond, s.send)
	b.Release()
	b.Add(cand("a"))
	b.Add(cand("b"))
	b.Add(cand("c"))

	require.Eventually(t, func() bool { return len(s.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.get()[0], 3)
}

func TestBatcherEndOfCandidatesFlushes(t *testing.T) {
	var s sink
	b := NewBatcher(time.Hour, s.send)
	b.Release()
	b.Add(cand("a"))
	b.Add(nil)
	require.Len(t, s.get(), 1)
	assert.Len(t, s.get()[0], 1)
}

func TestBatcherStopDrops(t *testing.T) {
	var s sink
	b := NewBatcher(0, s.send)
	b.Add(cand("a"))
	b.Stop()
	b.Release()
	b.Add(cand("b"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.get())
}
