package types

// FrameFlags mirrors the small flag set a work item (or its worklet output)
// can carry.
type FrameFlags uint32

const (
	FlagNone FrameFlags = 0

	// FlagEndOfStream marks the EOS work that terminates a drain cycle.
	FlagEndOfStream FrameFlags = 1 << 0

	// FlagCodecConfig marks Codec-Specific Data (SPS/PPS, ...), which
	// typically produces no output frame.
	FlagCodecConfig FrameFlags = 1 << 1

	// FlagDropFrame marks a worklet whose output must not be delivered:
	// either the decode was aborted by a flush, or the frame was
	// detected as a no-show (decoded but not displayed) frame.
	FlagDropFrame FrameFlags = 1 << 2
)

func (f FrameFlags) Has(bit FrameFlags) bool {
	return f&bit != 0
}
