//go:build linux

package v4l2

import "context"

// DeviceAPI is the subset of *Device the decoder package depends on. It
// exists so decoder tests can substitute a fake device rather than opening
// a real /dev/video node, the same seam
// other_examples/AlexxIT-go2rtc__device.go's caller would need to fake out
// a kernel to unit test against.
type DeviceAPI interface {
	Close() error
	FD() int
	SetOutputFormat(ctx context.Context, pixFmt uint32, width, height uint32) error
	NegotiateCaptureFormat(ctx context.Context, preferFourcc uint32) (width, height, fourcc uint32, err error)
	TrySetCaptureFormat(ctx context.Context, candidates []uint32, width, height uint32) (fourcc uint32, err error)
	MinBuffersForCapture() (int, error)
	SupportsDecoderCmdStop() bool
	RequestBuffers(bufType uint32, count int) (int, error)
	QueueInputBuffer(index uint32, fd int, bytesUsed uint32, bitstreamID int32) error
	QueueOutputBuffer(index uint32, fd int) error
	DequeueBuffer(bufType uint32) (DequeuedBuffer, error)
	StreamOn(bufType uint32) error
	StreamOff(bufType uint32) error
	SubscribeSourceChangeAndEOS() error
	DequeueEvent() (typ uint32, resolutionChanged bool, err error)
	SendDecoderCmdStop() error
	SendDecoderCmdStart() error
	VisibleRect(ctx context.Context) (left, top int32, width, height uint32, err error)
}

var _ DeviceAPI = (*Device)(nil)
