package relptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleLayout(t *testing.T) {
	h, err := NewHandle(7, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, Handle(7|0x1234<<16), h)
	assert.Equal(t, uint16(7), h.ID())
	assert.Equal(t, uint64(0x1234), h.Offset())
	assert.False(t, h.IsNull())
	assert.Equal(t, "relptr(7:0x1234)", h.String())
}

func TestHandleBounds(t *testing.T) {
	h, err := NewHandle(MaxID-1, MaxOffset-1)
	require.NoError(t, err)
	assert.False(t, h.IsNull())
	assert.Equal(t, MaxOffset-1, h.Offset())

	_, err = NewHandle(0, MaxOffset)
	assert.ErrorIs(t, err, ErrOffsetExceedsEncodableRange)
	_, err = NewHandle(0, 1<<50)
	assert.ErrorIs(t, err, ErrOffsetExceedsEncodableRange)
	_, err = NewHandle(MaxID, 0)
	assert.ErrorIs(t, err, ErrInvalidSegmentID)
}

func TestNullHandle(t *testing.T) {
	assert.True(t, NullHandle.IsNull())
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), uint64(NullHandle))
	assert.Equal(t, "relptr(null)", NullHandle.String())
	zero, err := NewHandle(0, 0)
	require.NoError(t, err)
	assert.False(t, zero.IsNull())
}
