package buf

import (
	"testing"

	"github.com/joeycumines/go-mqttpipe/mqtterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_WriteReadRoundTrip(t *testing.T) {
	b := Allocate(16)
	require.NoError(t, b.WriteByte(0x7F))
	require.NoError(t, b.WriteU16BE(0x1234))
	require.NoError(t, b.WriteBytes([]byte("hi")))

	v, err := b.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), v)

	u, err := b.ReadU16BE()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u)

	dst := make([]byte, 2)
	require.NoError(t, b.ReadBytesInto(dst))
	assert.Equal(t, []byte("hi"), dst)

	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBuffer_UnderflowOverflow(t *testing.T) {
	b := Allocate(1)
	_, err := b.ReadByte()
	assert.ErrorIs(t, err, mqtterr.ErrUnderflow)

	require.NoError(t, b.WriteByte(1))
	err = b.WriteByte(2)
	assert.ErrorIs(t, err, mqtterr.ErrOverflow)
}

func TestBuffer_ReadSliceIsZeroCopyAndRetains(t *testing.T) {
	b := Allocate(4)
	require.NoError(t, b.WriteBytes([]byte{1, 2, 3, 4}))

	before := b.RefCount()
	slice, err := b.ReadSlice(2)
	require.NoError(t, err)
	assert.Equal(t, before+1, b.RefCount())
	assert.Equal(t, []byte{1, 2}, slice.Bytes())

	// Both views share one reference count.
	assert.Equal(t, b.RefCount(), slice.RefCount())

	assert.False(t, slice.Release())
	assert.True(t, b.Release())
}

func TestBuffer_DuplicateIndependentCursors(t *testing.T) {
	b := Allocate(4)
	require.NoError(t, b.WriteBytes([]byte{9, 9}))
	dup := b.Duplicate()

	_, err := dup.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, 1, dup.ReaderIndex())
	assert.Equal(t, 0, b.ReaderIndex(), "duplicate's cursor must not affect the original")

	assert.False(t, dup.Release())
	assert.True(t, b.Release())
}

func TestBuffer_CopyIsIndependentStorage(t *testing.T) {
	b := Allocate(4)
	require.NoError(t, b.WriteBytes([]byte{1, 2, 3}))
	cp := b.Copy()

	assert.Equal(t, int64(1), cp.RefCount())
	assert.True(t, b.Release())
	// original release must not affect the copy's independent storage.
	assert.Equal(t, []byte{1, 2, 3}, cp.Bytes())
	assert.True(t, cp.Release())
}

func TestBuffer_ReleaseTransitionsOnceAndPanicsAfter(t *testing.T) {
	b := Allocate(1)
	assert.True(t, b.Release())

	assert.Panics(t, func() {
		_ = b.ReadableBytes()
	})
}

func TestBuffer_RetainNMatchesMultipleReleases(t *testing.T) {
	b := Allocate(1)
	b.RetainN(2)
	assert.Equal(t, int64(3), b.RefCount())
	assert.False(t, b.Release())
	assert.False(t, b.Release())
	assert.True(t, b.Release())
}

func TestHolder_ReplaceDoesNotReleasePrevious(t *testing.T) {
	original := Allocate(1)
	h := NewHolder(original)

	replacement := Allocate(1)
	h2 := h.Replace(replacement)

	assert.Equal(t, replacement, h2.Payload())
	assert.Equal(t, int64(1), original.RefCount(), "Replace must not touch the old payload's refcount")
	assert.True(t, original.Release())
	assert.True(t, replacement.Release())
}
