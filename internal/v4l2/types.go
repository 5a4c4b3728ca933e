//go:build linux

package v4l2

import "unsafe"

// Wire-compatible struct layouts, field offsets noted the way
// other_examples/smazurov-videonode__videodev2_64bit.go documents them, for
// a reader cross-checking against the kernel header without a C compiler
// on hand.

// capability has size 104 bytes.
type capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// pixFormat is v4l2_pix_format, 48 bytes, embedded in format's fmt union.
type pixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrOrHsv   uint32
	quantization uint32
	xferFunc     uint32
}

// format is v4l2_format. The real struct's fmt member is a union sized to
// the largest variant (struct v4l2_format is 208 bytes on amd64); we only
// ever populate the pix variant, so we reserve the union's tail as padding
// rather than modeling every branch.
type format struct {
	typ uint32
	_   [4]byte // alignment padding before the union on 64-bit
	pix pixFormat
	_   [208 - 8 - 48]byte
}

// requestBuffers is v4l2_requestbuffers.
type requestBuffers struct {
	count    uint32
	typ      uint32
	memory   uint32
	reserved [2]uint32
}

// timeval mirrors struct timeval inside v4l2_buffer.
type timeval struct {
	sec  int64
	usec int64
}

// buf is v4l2_buffer. The `m` union holds either an mmap offset or, for
// MemoryDMABuf, the imported file descriptor — `fd` below is read/written
// through the same bytes as `offset`/`userptr` would occupy.
type buf struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp timeval
	_         [16]byte // timecode (not used by this core)
	sequence  uint32
	memory    uint32
	fd        int32   // m.fd when memory == MemoryDMABuf
	_         [4]byte // rest of the 8-byte m union on 64-bit
	length    uint32
	reserved2 uint32
	requestFd int32
}

// eventSubscription is v4l2_event_subscription.
type eventSubscription struct {
	typ      uint32
	id       uint32
	flags    uint32
	reserved [5]uint32
}

// srcChangeEvent is the src_change member of v4l2_event's union, reporting
// what changed (we only check the resolution bit).
type srcChangeEvent struct {
	changes uint32
}

// event is v4l2_event. `u` is the union; for EventSourceChange it is a
// srcChangeEvent at offset 0.
type event struct {
	typ       uint32
	_         [4]byte
	u         [64]byte
	pending   uint32
	sequence  uint32
	timestamp [16]byte
	id        uint32
	reserved  [8]uint32
	_         [4]byte // tail padding to the kernel's 8-byte-aligned 136 bytes
}

func (e *event) srcChangeChanges() uint32 {
	return *(*uint32)(unsafe.Pointer(&e.u[0]))
}

// decoderCmd is v4l2_decoder_cmd.
type decoderCmd struct {
	cmd   uint32
	flags uint32
	raw   [64]byte
}

// control is v4l2_control (single-value get/set).
type control struct {
	id    uint32
	value int32
}

// rect is v4l2_rect.
type rect struct {
	left, top     int32
	width, height uint32
}

// selection is v4l2_selection.
type selection struct {
	typ      uint32
	target   uint32
	flags    uint32
	r        rect
	reserved [9]uint32
}

// crop is v4l2_crop, the pre-selection-API fallback.
type crop struct {
	typ uint32
	c   rect
}
