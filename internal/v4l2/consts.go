//go:build linux

package v4l2

// Ioctl request codes, lifted from the kernel's videodev2.h layout. These
// are the same encoded values other_examples/smazurov-videonode__*.go and
// other_examples/AlexxIT-go2rtc__device.go hardcode rather than deriving
// from _IOWR macros (Go has no preprocessor to run those through), so we
// follow suit.
const (
	vidiocQuerycap         = 0x80685600
	vidiocEnumFmt          = 0xc0405602
	vidiocGFmt             = 0xc0d05604
	vidiocSFmt             = 0xc0d05605
	vidiocReqbufs          = 0xc0145608
	vidiocQuerybuf         = 0xc0585609
	vidiocQbuf             = 0xc058560f
	vidiocDqbuf            = 0xc0585611
	vidiocStreamon         = 0x40045612
	vidiocStreamoff        = 0x40045613
	vidiocGCtrl            = 0xc008561b
	vidiocSCtrl            = 0xc008561c
	vidiocGSelection       = 0xc040565e
	vidiocGCrop            = 0xc014563b
	vidiocSubscribeEvent   = 0x4020565a
	vidiocUnsubscribeEvent = 0x4020565b
	vidiocDqevent          = 0x80885659
	vidiocTryDecoderCmd    = 0xc0485661
	vidiocDecoderCmd       = 0xc0485660
	vidiocExpbuf           = 0xc0405610
)

// Buffer/stream types (v4l2_buf_type). The decoder device is opened M2M:
// compressed bitstream goes to the OUTPUT queue, decoded frames come back
// on the CAPTURE queue.
const (
	BufTypeVideoOutput  = 2
	BufTypeVideoCapture = 1
)

// Memory types (v4l2_memory). This core always imports client-owned
// buffers, never driver-allocated mmap buffers, so DMABUF is the only
// memory type used end to end.
const (
	MemoryMMAP   = 1
	MemoryDMABuf = 4
)

// Field order; decoders don't interlace.
const FieldNone = 1

// Pixel formats (FourCC, little-endian byte order packed into uint32).
const (
	PixFmtH264 = 0x34363248 // "H264"
	PixFmtVP8  = 0x30385056 // "VP80"
	PixFmtVP9  = 0x30395056 // "VP90"
	PixFmtHEVC = 0x43564548 // "HEVC"

	// Flexible-420 output fourccs this core will negotiate CAPTURE format
	// against, tried in priority order.
	PixFmtYU12 = 0x32315559 // "YU12"
	PixFmtYV12 = 0x32315659 // "YV12"
	PixFmtYM12 = 0x32314d59 // "YM12"
	PixFmtYM21 = 0x31324d59 // "YM21"
	PixFmtNV12 = 0x3231564E // "NV12"
	PixFmtNV21 = 0x3132564E // "NV21"
	PixFmtNM12 = 0x32314D4E // "NM12"
	PixFmtNM21 = 0x31324D4E // "NM21"
)

// SupportedOutputFourccs is the flexible-420 pixel format search order
// the decoder hands to Device.TrySetCaptureFormat, mirroring
// kSupportedOutputFourccs.
var SupportedOutputFourccs = []uint32{
	PixFmtYU12, PixFmtYV12, PixFmtYM12, PixFmtYM21,
	PixFmtNV12, PixFmtNV21, PixFmtNM12, PixFmtNM21,
}

// Event types (v4l2_event_type).
const (
	EventSourceChange = 5
	EventEOS          = 2
)

// V4L2_EVENT_SRC_CH_RESOLUTION, the one bit this core cares about in a
// source-change event's changes bitmask.
const EventSrcChResolution = 1 << 0

// Control IDs.
const CtrlMinBuffersForCapture = 0x00980927 // V4L2_CID_MIN_BUFFERS_FOR_CAPTURE

// Decoder command ids (v4l2_decoder_cmd.cmd).
const (
	DecCmdStart = 0
	DecCmdStop  = 1
)

// Flags value sent with V4L2_DEC_CMD_STOP. It is 0, so the kernel's
// V4L2_DEC_CMD_STOP_IMMEDIATELY bit is left clear and the driver flushes
// pending output instead of discarding it; this core always wants a
// flush-to-EOS drain, never a discard.
const DecCmdStopFlagImmediately = 0

// Selection targets used to recover the post-resolution-change visible
// rectangle (VIDIOC_G_SELECTION with V4L2_SEL_TGT_COMPOSE, falling back to
// VIDIOC_G_CROP on drivers that predate the selection API).
const SelTgtCompose = 0x0100
