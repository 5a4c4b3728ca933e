package types

// Ordinal is the monotonic pair carried by every work item: frame_index is
// the submission sequence number, timestamp is the presentation time.
// Both must be compared together for no-show-frame detection.
type Ordinal struct {
	FrameIndex uint64
	Timestamp  uint64
}

// Less reports whether o occurred strictly before other, by both fields.
func (o Ordinal) Less(other Ordinal) bool {
	return o.Timestamp < other.Timestamp && o.FrameIndex < other.FrameIndex
}

// BitstreamID is a 30-bit correlation token derived from a frame index,
// threaded through the device's buffer timestamp "seconds" field.
//
// Collisions past 2^30 frames are an accepted, documented hazard: the mapping would alias and the last writer wins on lookup.
type BitstreamID int32

const bitstreamIDMask = 0x3FFFFFFF // 30 bits

// BitstreamIDFromFrameIndex masks frame_index down to the low 30 bits,
// avoiding (undefined) signed-integer wraparound.
func BitstreamIDFromFrameIndex(frameIndex uint64) BitstreamID {
	return BitstreamID(frameIndex & bitstreamIDMask)
}
