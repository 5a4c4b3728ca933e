// Command v4l2decode-demo drives the component/decoder state machine
// against a simulated V4L2 device and frame pool, printing every reported
// work item. Demonstration scaffolding only: a real deployment wires
// component.Params.Device to an actual /dev/video* node, which is out of
// scope for this core.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt"
	beltlogger "github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/xaionaro-go/v4l2codec2/component"
	"github.com/xaionaro-go/v4l2codec2/framepool"
	"github.com/xaionaro-go/v4l2codec2/internal/v4l2"
	"github.com/xaionaro-go/v4l2codec2/status"
	"github.com/xaionaro-go/v4l2codec2/types"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "drives the decode core against a simulated device and prints every reported work item.\n")
		pflag.PrintDefaults()
	}
	codecName := pflag.String("codec", "h264", "codec to simulate: h264, vp8, vp9, hevc")
	numFrames := pflag.Int("frames", 5, "number of synthetic access units to feed after the initial CSD")
	loggerLevel := beltlogger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "log level")
	pflag.Parse()

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := beltlogger.CtxWithLogger(context.Background(), l)
	beltlogger.Default = func() beltlogger.Logger { return l }
	defer belt.Flush(ctx)

	codec, err := parseCodec(*codecName)
	if err != nil {
		l.Fatal(err)
	}

	dev, err := newSimDevice()
	if err != nil {
		l.Fatal(err)
	}
	defer dev.Close()
	pool := framepool.New()

	listener := newPrintingListener()

	comp, err := component.New(ctx, component.Config{MaxConcurrentInstances: -1}, component.Params{
		Name:            "video_decoder",
		Codec:           codec,
		InputBufferSize: 4096,
		Device:          dev,
		Pool:            pool,
	})
	if err != nil {
		l.Fatal(err)
	}
	if err := comp.SetListener(ctx, listener, true); err != nil {
		l.Fatal(err)
	}
	if err := comp.Start(ctx); err != nil {
		l.Fatal(err)
	}

	if err := comp.Queue(ctx, syntheticStream(*numFrames)); err != nil {
		l.Fatal(err)
	}
	if err := comp.Drain(ctx, component.DrainComponentWithEOS); err != nil {
		l.Fatal(err)
	}

	if !listener.waitForEOS(10 * time.Second) {
		l.Error("timed out waiting for end-of-stream")
	}
	if err := comp.Stop(ctx); err != nil {
		l.Error(err)
	}
	if err := comp.Release(ctx); err != nil {
		l.Error(err)
	}
}

func parseCodec(name string) (types.Codec, error) {
	switch name {
	case "h264":
		return types.CodecH264, nil
	case "vp8":
		return types.CodecVP8, nil
	case "vp9":
		return types.CodecVP9, nil
	case "hevc":
		return types.CodecHEVC, nil
	default:
		return types.CodecUnknown, fmt.Errorf("unknown codec %q", name)
	}
}

// syntheticStream builds one CSD work followed by n input frames and
// returns it ready to Queue; the bytes carried are placeholders, not a
// real bitstream, since the simulated device never actually parses them.
func syntheticStream(n int) []*types.Work {
	works := make([]*types.Work, 0, n+1)
	works = append(works, &types.Work{
		Ordinal:     types.Ordinal{FrameIndex: 0, Timestamp: 0},
		Flags:       types.FlagCodecConfig,
		InputBuffer: &types.InputBuffer{Bytes: []byte{0, 0, 0, 1, 0x67}, Size: 5},
	})
	for i := 1; i <= n; i++ {
		idx := uint64(i)
		works = append(works, &types.Work{
			Ordinal:     types.Ordinal{FrameIndex: idx, Timestamp: idx * 33_333},
			InputBuffer: &types.InputBuffer{Bytes: []byte{0, 0, 0, 1, 0x65, byte(i)}, Size: 6},
		})
	}
	return works
}

// printingListener implements types.Listener, printing each reported work
// item and closing a channel once the EOS work arrives.
type printingListener struct {
	mu  sync.Mutex
	eos chan struct{}
}

func newPrintingListener() *printingListener {
	return &printingListener{eos: make(chan struct{})}
}

func (l *printingListener) OnWorkDone(ctx context.Context, done []*types.Work) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range done {
		fmt.Printf(
			"work frame=%d result=%s flags=%#x has-output=%v\n",
			w.Ordinal.FrameIndex, w.Result, w.Worklet.Flags, w.Worklet.OutputBuffer != nil,
		)
		if w.IsEOS() {
			close(l.eos)
		}
	}
}

func (l *printingListener) OnError(ctx context.Context, code status.Code) {
	fmt.Fprintf(os.Stderr, "component error: %s\n", code)
}

func (l *printingListener) waitForEOS(timeout time.Duration) bool {
	select {
	case <-l.eos:
		return true
	case <-time.After(timeout):
		return false
	}
}

var _ types.Listener = (*printingListener)(nil)

// simDevice is a self-contained simulation of a V4L2 M2M decoder device. It
// satisfies v4l2.DeviceAPI and, instead of talking to a kernel driver, pairs
// every queued compressed buffer with a queued output slot after a short
// simulated processing delay. serviceLoop's unix.Poll needs a genuinely
// pollable fd, and it tells a resolution-change event (POLLPRI) apart from
// ordinary dequeue readiness (POLLIN) the same way the kernel's v4l2
// subsystem does on a real device node: a loopback TCP connection gives us
// both signals for free — a plain write sets POLLIN, and a one-byte
// out-of-band send (TCP's urgent-pointer mechanism) sets POLLPRI — so the
// decoder's real background service loop runs against this device exactly
// as it would against hardware, including the source-change/reallocate path.
type simDevice struct {
	mu sync.Mutex

	peer, self *net.TCPConn
	fd         int

	codedWidth, codedHeight uint32
	minBuffers              int
	// startupEventSent guards the one-time source-change notification
	// against firing again on a later StreamOn(OUTPUT) (e.g. after Flush
	// re-streams). eventPending is the event DequeueEvent actually consumes.
	startupEventSent bool
	eventPending     bool

	// decodeFIFO holds bitstream ids whose input buffer has been queued and
	// is awaiting pairing with a free output slot to produce a frame.
	decodeFIFO []int32
	// freeSlots holds output slots the decoder has handed back for filling.
	freeSlots []uint32

	consumedInputs []v4l2.DequeuedBuffer
	readyOutputs   []v4l2.DequeuedBuffer

	drainPending bool
}

func newSimDevice() (*simDevice, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	type dialResult struct {
		conn *net.TCPConn
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			dialed <- dialResult{err: err}
			return
		}
		dialed <- dialResult{conn: c.(*net.TCPConn)}
	}()

	accepted, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	r := <-dialed
	if r.err != nil {
		accepted.Close()
		return nil, r.err
	}

	self := accepted.(*net.TCPConn)
	peer := r.conn

	rc, err := self.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	if err := rc.Control(func(fdPtr uintptr) { fd = int(fdPtr) }); err != nil {
		return nil, err
	}

	return &simDevice{
		self: self, peer: peer, fd: fd,
		codedWidth: 1920, codedHeight: 1080,
		minBuffers: 4,
	}, nil
}

func (d *simDevice) wakeReadable() {
	_, _ = d.peer.Write([]byte{1})
}

func (d *simDevice) wakeEvent() {
	_, _ = d.peer.Write([]byte{1}) // plain data too, so POLLIN also fires
	rc, err := d.peer.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Control(func(fdPtr uintptr) {
		_ = unix.Sendto(int(fdPtr), []byte{1}, unix.MSG_OOB, nil)
	})
}

func (d *simDevice) Close() error {
	_ = d.peer.Close()
	return d.self.Close()
}

func (d *simDevice) FD() int { return d.fd }

func (d *simDevice) SetOutputFormat(ctx context.Context, pixFmt uint32, width, height uint32) error {
	return nil
}

func (d *simDevice) NegotiateCaptureFormat(ctx context.Context, preferFourcc uint32) (uint32, uint32, uint32, error) {
	return d.codedWidth, d.codedHeight, v4l2.PixFmtNV12, nil
}

func (d *simDevice) TrySetCaptureFormat(ctx context.Context, candidates []uint32, width, height uint32) (uint32, error) {
	return v4l2.PixFmtNV12, nil
}

func (d *simDevice) MinBuffersForCapture() (int, error) { return d.minBuffers, nil }
func (d *simDevice) SupportsDecoderCmdStop() bool       { return true }

func (d *simDevice) RequestBuffers(bufType uint32, count int) (int, error) {
	return count, nil
}

func (d *simDevice) QueueInputBuffer(index uint32, fd int, bytesUsed uint32, bitstreamID int32) error {
	go func() {
		time.Sleep(2 * time.Millisecond)
		d.mu.Lock()
		d.consumedInputs = append(d.consumedInputs, v4l2.DequeuedBuffer{Index: index, BitstreamID: bitstreamID})
		// bitstreamID 0 is reserved for syntheticStream's leading CSD unit,
		// which (like a real SPS/PPS-only access unit) carries no picture
		// data and so never produces a CAPTURE-side frame of its own.
		if bitstreamID != 0 {
			d.decodeFIFO = append(d.decodeFIFO, bitstreamID)
		}
		d.tryProduceLocked()
		d.mu.Unlock()
		d.wakeReadable()
	}()
	return nil
}

func (d *simDevice) QueueOutputBuffer(index uint32, fd int) error {
	d.mu.Lock()
	d.freeSlots = append(d.freeSlots, index)
	d.tryProduceLocked()
	d.mu.Unlock()
	return nil
}

// tryProduceLocked pairs queued decode demand with free output slots,
// scheduling each pairing's frame delivery after a short delay. Called with
// d.mu held.
func (d *simDevice) tryProduceLocked() {
	for len(d.decodeFIFO) > 0 && len(d.freeSlots) > 0 {
		id := d.decodeFIFO[0]
		slot := d.freeSlots[0]
		d.decodeFIFO = d.decodeFIFO[1:]
		d.freeSlots = d.freeSlots[1:]
		go func(id int32, slot uint32) {
			time.Sleep(2 * time.Millisecond)
			d.mu.Lock()
			d.readyOutputs = append(d.readyOutputs, v4l2.DequeuedBuffer{Index: slot, BytesUsed: 1, BitstreamID: id})
			d.mu.Unlock()
			d.wakeReadable()
		}(id, slot)
	}
	if d.drainPending && len(d.decodeFIFO) == 0 && len(d.freeSlots) > 0 {
		slot := d.freeSlots[0]
		d.freeSlots = d.freeSlots[1:]
		d.drainPending = false
		go func(slot uint32) {
			time.Sleep(2 * time.Millisecond)
			d.mu.Lock()
			d.readyOutputs = append(d.readyOutputs, v4l2.DequeuedBuffer{Index: slot, BytesUsed: 0, Last: true})
			d.mu.Unlock()
			d.wakeReadable()
		}(slot)
	}
}

func (d *simDevice) DequeueBuffer(bufType uint32) (v4l2.DequeuedBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bufType == v4l2.BufTypeVideoOutput {
		if len(d.consumedInputs) == 0 {
			return v4l2.DequeuedBuffer{}, unix.EAGAIN
		}
		b := d.consumedInputs[0]
		d.consumedInputs = d.consumedInputs[1:]
		return b, nil
	}
	if len(d.readyOutputs) == 0 {
		return v4l2.DequeuedBuffer{}, unix.EAGAIN
	}
	b := d.readyOutputs[0]
	d.readyOutputs = d.readyOutputs[1:]
	return b, nil
}

func (d *simDevice) StreamOn(bufType uint32) error {
	if bufType == v4l2.BufTypeVideoOutput {
		d.mu.Lock()
		alreadySent := d.startupEventSent
		d.startupEventSent = true
		d.mu.Unlock()
		if !alreadySent {
			go func() {
				time.Sleep(5 * time.Millisecond)
				d.mu.Lock()
				d.eventPending = true
				d.mu.Unlock()
				d.wakeEvent()
			}()
		}
	}
	return nil
}

func (d *simDevice) StreamOff(bufType uint32) error { return nil }

func (d *simDevice) SubscribeSourceChangeAndEOS() error { return nil }

func (d *simDevice) DequeueEvent() (uint32, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eventPending {
		d.eventPending = false
		return v4l2.EventSourceChange, true, nil
	}
	return 0, false, unix.EAGAIN
}

func (d *simDevice) SendDecoderCmdStop() error {
	d.mu.Lock()
	d.drainPending = true
	d.tryProduceLocked()
	d.mu.Unlock()
	return nil
}

func (d *simDevice) SendDecoderCmdStart() error { return nil }

func (d *simDevice) VisibleRect(ctx context.Context) (int32, int32, uint32, uint32, error) {
	return 0, 0, d.codedWidth, d.codedHeight, nil
}

var _ v4l2.DeviceAPI = (*simDevice)(nil)
