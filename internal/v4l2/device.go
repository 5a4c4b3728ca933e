//go:build linux

package v4l2

import (
	"bytes"
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xaionaro-go/v4l2codec2/logger"
)

// Device is a thin, blocking wrapper around one V4L2 M2M decoder node's
// file descriptor. It does not sequence calls itself — the decoder package
// above it owns that — it only turns Go values into the right ioctl calls
// and back, the same division of labor other_examples/AlexxIT-go2rtc's
// Device keeps between itself and its caller.
type Device struct {
	fd int
}

// Open opens a V4L2 M2M decoder device node (e.g. /dev/video-dec0) and
// issues VIDIOC_QUERYCAP, logging the driver and card names. It does not
// check the reported capability bits, so a node without M2M or streaming
// support is not rejected here.
func Open(ctx context.Context, path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	d := &Device{fd: fd}

	var cap capability
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&cap)); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("VIDIOC_QUERYCAP on %s: %w", path, err)
	}
	logger.Debugf(ctx, "opened v4l2 decoder device %s (%s / %s)", path, str(cap.driver[:]), str(cap.card[:]))

	return d, nil
}

func (d *Device) Close() error {
	return unix.Close(d.fd)
}

func (d *Device) FD() int {
	return d.fd
}

// SetOutputFormat negotiates the compressed (OUTPUT queue) format: pixel
// format from the codec, and a coded-size hint the driver may adjust.
func (d *Device) SetOutputFormat(ctx context.Context, pixFmt uint32, width, height uint32) error {
	f := format{
		typ: BufTypeVideoOutput,
		pix: pixFormat{
			width:       width,
			height:      height,
			pixelformat: pixFmt,
			field:       FieldNone,
		},
	}
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("VIDIOC_S_FMT(OUTPUT): %w", err)
	}
	logger.Tracef(ctx, "set output format: %dx%d fourcc=%#x", f.pix.width, f.pix.height, f.pix.pixelformat)
	return nil
}

// NegotiateCaptureFormat asks the driver for its preferred CAPTURE format
// (VIDIOC_G_FMT) after a resolution-change event, then may pin a specific
// supported fourcc (VIDIOC_S_FMT) if the caller wants one other than the
// driver's default.
func (d *Device) NegotiateCaptureFormat(ctx context.Context, preferFourcc uint32) (width, height, fourcc uint32, err error) {
	f := format{typ: BufTypeVideoCapture}
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return 0, 0, 0, fmt.Errorf("VIDIOC_G_FMT(CAPTURE): %w", err)
	}

	if preferFourcc != 0 && preferFourcc != f.pix.pixelformat {
		f.pix.pixelformat = preferFourcc
		if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
			return 0, 0, 0, fmt.Errorf("VIDIOC_S_FMT(CAPTURE, fourcc=%#x): %w", preferFourcc, err)
		}
	}

	logger.Debugf(ctx, "negotiated capture format: %dx%d fourcc=%#x", f.pix.width, f.pix.height, f.pix.pixelformat)
	return f.pix.width, f.pix.height, f.pix.pixelformat, nil
}

// TrySetCaptureFormat walks candidates in order and VIDIOC_S_FMTs the
// CAPTURE queue to the coded size with the first one the driver accepts.
func (d *Device) TrySetCaptureFormat(ctx context.Context, candidates []uint32, width, height uint32) (fourcc uint32, err error) {
	for _, pixFmt := range candidates {
		f := format{
			typ: BufTypeVideoCapture,
			pix: pixFormat{
				width:       width,
				height:      height,
				pixelformat: pixFmt,
				field:       FieldNone,
			},
		}
		if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
			logger.Tracef(ctx, "capture format %#x rejected: %v", pixFmt, err)
			continue
		}
		return pixFmt, nil
	}
	return 0, fmt.Errorf("no supported capture pixel format accepted by the driver")
}

// MinBuffersForCapture reads V4L2_CID_MIN_BUFFERS_FOR_CAPTURE, the driver's
// lower bound on how many CAPTURE buffers it needs beyond what this core
// computes from smoothness/rendering-depth/extra-margin.
func (d *Device) MinBuffersForCapture() (int, error) {
	c := control{id: CtrlMinBuffersForCapture}
	if err := ioctl(d.fd, vidiocGCtrl, unsafe.Pointer(&c)); err != nil {
		return 0, fmt.Errorf("VIDIOC_G_CTRL(MIN_BUFFERS_FOR_CAPTURE): %w", err)
	}
	return int(c.value), nil
}

// RequestBuffers issues VIDIOC_REQBUFS for the given queue with
// MemoryDMABuf, returning the number of buffer slots the driver actually
// allocated (which may be more than requested, never fewer on success).
func (d *Device) RequestBuffers(bufType uint32, count int) (int, error) {
	rb := requestBuffers{
		count:  uint32(count),
		typ:    bufType,
		memory: MemoryDMABuf,
	}
	if err := ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&rb)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS(type=%d, count=%d): %w", bufType, count, err)
	}
	return int(rb.count), nil
}

// QueueInputBuffer imports one compressed-data fd onto the OUTPUT queue,
// stamping the bitstream id into the timestamp's seconds field so DQBUF
// can read the same id back off the matching CAPTURE buffer.
func (d *Device) QueueInputBuffer(index uint32, fd int, bytesUsed uint32, bitstreamID int32) error {
	b := buf{
		index:     index,
		typ:       BufTypeVideoOutput,
		memory:    MemoryDMABuf,
		bytesused: bytesUsed,
		fd:        int32(fd),
		timestamp: timeval{sec: int64(bitstreamID)},
	}
	if err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF(OUTPUT, index=%d): %w", index, err)
	}
	return nil
}

// QueueOutputBuffer hands an empty decoded-frame buffer back to the
// CAPTURE queue for the driver to fill.
func (d *Device) QueueOutputBuffer(index uint32, fd int) error {
	b := buf{
		index:  index,
		typ:    BufTypeVideoCapture,
		memory: MemoryDMABuf,
		fd:     int32(fd),
	}
	if err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF(CAPTURE, index=%d): %w", index, err)
	}
	return nil
}

// DequeuedBuffer is what DQBUF hands back: which slot, how much valid data,
// and the bitstream id carried through the timestamp (read back on both
// the OUTPUT and the CAPTURE queue).
type DequeuedBuffer struct {
	Index       uint32
	BytesUsed   uint32
	BitstreamID int32
	Last        bool
	Error       bool
}

func (d *Device) DequeueBuffer(bufType uint32) (DequeuedBuffer, error) {
	b := buf{typ: bufType, memory: MemoryDMABuf}
	if err := ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(&b)); err != nil {
		return DequeuedBuffer{}, err // caller checks for EAGAIN
	}
	return DequeuedBuffer{
		Index:       b.index,
		BytesUsed:   b.bytesused,
		BitstreamID: int32(b.timestamp.sec),
		Last:        b.flags&bufFlagLast != 0,
		Error:       b.flags&bufFlagError != 0,
	}, nil
}

const (
	bufFlagLast  = 1 << 20 // V4L2_BUF_FLAG_LAST
	bufFlagError = 1 << 6  // V4L2_BUF_FLAG_ERROR
)

func (d *Device) StreamOn(bufType uint32) error {
	t := uint32(bufType)
	if err := ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON(%d): %w", bufType, err)
	}
	return nil
}

func (d *Device) StreamOff(bufType uint32) error {
	t := uint32(bufType)
	if err := ioctl(d.fd, vidiocStreamoff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF(%d): %w", bufType, err)
	}
	return nil
}

// SupportsDecoderCmdStop probes VIDIOC_TRY_DECODER_CMD(STOP) without
// actually issuing it, the same capability check V4L2Decoder::start
// performs before committing to a device that cannot flush.
func (d *Device) SupportsDecoderCmdStop() bool {
	cmd := decoderCmd{cmd: DecCmdStop}
	return ioctl(d.fd, vidiocTryDecoderCmd, unsafe.Pointer(&cmd)) == nil
}

// SubscribeSourceChangeAndEOS subscribes to the two event types the
// Decoder's device-service loop waits on.
func (d *Device) SubscribeSourceChangeAndEOS() error {
	for _, typ := range []uint32{EventSourceChange, EventEOS} {
		sub := eventSubscription{typ: typ}
		if err := ioctl(d.fd, vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
			return fmt.Errorf("VIDIOC_SUBSCRIBE_EVENT(%d): %w", typ, err)
		}
	}
	return nil
}

// DequeueEvent is non-blocking; callers poll the fd (or select on it via
// the poll-driven service loop) before calling this.
func (d *Device) DequeueEvent() (typ uint32, resolutionChanged bool, err error) {
	var ev event
	if err := ioctl(d.fd, vidiocDqevent, unsafe.Pointer(&ev)); err != nil {
		return 0, false, err
	}
	resolutionChanged = ev.typ == EventSourceChange && ev.srcChangeChanges()&EventSrcChResolution != 0
	return ev.typ, resolutionChanged, nil
}

// SendDecoderCmdStop issues VIDIOC_DECODER_CMD(STOP), asking the driver to
// flush pending CAPTURE output and mark the last buffer LAST, per the
// drain protocol.
func (d *Device) SendDecoderCmdStop() error {
	cmd := decoderCmd{cmd: DecCmdStop, flags: DecCmdStopFlagImmediately}
	if err := ioctl(d.fd, vidiocDecoderCmd, unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("VIDIOC_DECODER_CMD(STOP): %w", err)
	}
	return nil
}

// SendDecoderCmdStart issues VIDIOC_DECODER_CMD(START), resuming decode
// after a completed drain.
func (d *Device) SendDecoderCmdStart() error {
	cmd := decoderCmd{cmd: DecCmdStart}
	if err := ioctl(d.fd, vidiocDecoderCmd, unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("VIDIOC_DECODER_CMD(START): %w", err)
	}
	return nil
}

// VisibleRect recovers the post-resolution-change visible rectangle,
// preferring VIDIOC_G_SELECTION and falling back to the older VIDIOC_G_CROP
// on drivers that predate the selection API.
func (d *Device) VisibleRect(ctx context.Context) (left, top int32, width, height uint32, err error) {
	sel := selection{typ: BufTypeVideoCapture, target: SelTgtCompose}
	if err := ioctl(d.fd, vidiocGSelection, unsafe.Pointer(&sel)); err == nil {
		return sel.r.left, sel.r.top, sel.r.width, sel.r.height, nil
	}

	logger.Tracef(ctx, "VIDIOC_G_SELECTION unsupported, falling back to VIDIOC_G_CROP")
	c := crop{typ: BufTypeVideoCapture}
	if err := ioctl(d.fd, vidiocGCrop, unsafe.Pointer(&c)); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("VIDIOC_G_CROP: %w", err)
	}
	return c.c.left, c.c.top, c.c.width, c.c.height, nil
}

func str(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
