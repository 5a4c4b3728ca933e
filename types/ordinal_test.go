package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitstreamIDFromFrameIndexMasksTo30Bits(t *testing.T) {
	t.Parallel()

	require.Equal(t, BitstreamID(0), BitstreamIDFromFrameIndex(0))
	require.Equal(t, BitstreamID(1<<30-1), BitstreamIDFromFrameIndex(1<<30-1))
	// a frame index past 2^30 aliases back into the same id space; this is
	// a documented, accepted hazard, not a bug.
	require.Equal(t, BitstreamID(0), BitstreamIDFromFrameIndex(1<<30))
}

func TestOrdinalLess(t *testing.T) {
	t.Parallel()

	a := Ordinal{FrameIndex: 1, Timestamp: 1}
	b := Ordinal{FrameIndex: 2, Timestamp: 2}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))

	// mixed ordering (one field advances, the other doesn't) is not "less".
	mixed := Ordinal{FrameIndex: 2, Timestamp: 1}
	require.False(t, a.Less(mixed))
}
