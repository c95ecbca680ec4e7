package lowertransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceAllocatorMonotonic(t *testing.T) {
	s := NewSequenceAllocator(0)
	for i := uint32(0); i < 5; i++ {
		assert.Equal(t, i, s.Next())
	}
	assert.Equal(t, uint32(5), s.Peek())
}

func TestSequenceAllocatorWraps(t *testing.T) {
	s := NewSequenceAllocator(seqMask)
	assert.Equal(t, uint32(seqMask), s.Next())
	assert.Equal(t, uint32(0), s.Peek(), "must wrap at the 24-bit boundary")
}

func TestSequenceAllocatorSetRestoresPersistedValue(t *testing.T) {
	s := NewSequenceAllocator(0)
	s.Set(0x00FFFF)
	assert.Equal(t, uint32(0x00FFFF), s.Next())
}
