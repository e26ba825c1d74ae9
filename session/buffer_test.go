package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBufferSwapAndAdvance(t *testing.T) {
	var b sendBuffer

	n := b.append([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, b.mainLen())

	b.swapIfFlushEmpty()
	require.Equal(t, []byte("hello"), b.pending())

	b.advance(2)
	assert.Equal(t, []byte("llo"), b.pending())
	assert.Equal(t, 3, b.remaining())

	b.advance(3)
	assert.Equal(t, 0, b.remaining())
	assert.Empty(t, b.pending())
}

func TestSendBufferSwapIfFlushEmptyNoopWhenFlushNonEmpty(t *testing.T) {
	var b sendBuffer
	b.append([]byte("first"))
	b.swapIfFlushEmpty()
	require.Equal(t, []byte("first"), b.pending())

	b.append([]byte("second"))
	// flush still has "first" pending, so the swap must not happen yet.
	b.swapIfFlushEmpty()
	assert.Equal(t, []byte("first"), b.pending())

	b.advance(5)
	b.swapIfFlushEmpty()
	assert.Equal(t, []byte("second"), b.pending())
}

func TestSendBufferClear(t *testing.T) {
	var b sendBuffer
	b.append([]byte("data"))
	b.swapIfFlushEmpty()
	b.clear()
	assert.Equal(t, 0, b.mainLen())
	assert.Empty(t, b.pending())
}

func TestRecvBufferStartsAtChunkPlusOne(t *testing.T) {
	r := newRecvBuffer()
	assert.Len(t, r.bytes(), chunk+1)
}

func TestRecvBufferDoublesOnlyWhenFull(t *testing.T) {
	r := newRecvBuffer()
	initial := len(r.bytes())

	r.growIfFull(initial - 1)
	assert.Len(t, r.bytes(), initial)

	r.growIfFull(initial)
	assert.Len(t, r.bytes(), initial*2)
}
