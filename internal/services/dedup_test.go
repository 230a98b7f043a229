package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenIDSet_NovelThenDuplicate(t *testing.T) {
	s := NewSeenIDSet(10)

	assert.False(t, s.Seen("t-1"))
	assert.True(t, s.Seen("t-1"))
	assert.Equal(t, 1, s.Count())
}

func TestSeenIDSet_FIFOEviction(t *testing.T) {
	s := NewSeenIDSet(5)

	for i := 0; i < 10; i++ {
		assert.False(t, s.Seen(fmt.Sprintf("%d", i)))
	}

	assert.Equal(t, 5, s.Count())

	// Only the last five inserted survive.
	for i := 0; i < 5; i++ {
		assert.False(t, s.Seen(fmt.Sprintf("re-%d", i))) // churn does not resurrect old ids
	}
	s.Clear()

	for i := 0; i < 6; i++ {
		s.Seen(fmt.Sprintf("%d", i))
	}
	assert.Equal(t, 5, s.Count())
	assert.False(t, s.Seen("0")) // oldest evicted, reads as novel again
	assert.True(t, s.Seen("2"))  // newer entries still present
}

func TestSeenIDSet_EvictionIsStrictFIFO(t *testing.T) {
	s := NewSeenIDSet(3)

	s.Seen("a")
	s.Seen("b")
	s.Seen("c")

	// Re-seeing "a" must NOT move it to the back of the queue.
	assert.True(t, s.Seen("a"))

	s.Seen("d") // evicts "a", the oldest insertion
	assert.Equal(t, 3, s.Count())
	assert.False(t, s.Seen("a")) // novel again -> evicts "b"
	assert.True(t, s.Seen("c"))
	assert.True(t, s.Seen("d"))
}

func TestSeenIDSet_Clear(t *testing.T) {
	s := NewSeenIDSet(5)
	s.Seen("x")
	s.Seen("y")

	s.Clear()
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.Seen("x"))
}

func TestSeenIDSet_DefaultCapacity(t *testing.T) {
	s := NewSeenIDSet(0)

	for i := 0; i <= DefaultSeenIDCapacity; i++ {
		s.Seen(fmt.Sprintf("%d", i))
	}
	assert.Equal(t, DefaultSeenIDCapacity, s.Count())
	assert.False(t, s.Seen("0"))
}
