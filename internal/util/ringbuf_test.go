package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Cap())
}

func TestRingBufferTail(t *testing.T) {
	r := NewRingBuffer[string](4)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Tail(1))
	assert.Equal(t, []string{"a", "b"}, r.Tail(10))
	assert.Empty(t, r.Tail(0))

	for _, s := range []string{"c", "d", "e"} {
		r.Push(s)
	}
	assert.Equal(t, []string{"d", "e"}, r.Tail(2))
	assert.Equal(t, []string{"b", "c", "d", "e"}, r.Tail(-1))
}
