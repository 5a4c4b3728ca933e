package decoder

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/xaionaro-go/v4l2codec2/dmabuf"
	"github.com/xaionaro-go/v4l2codec2/framepool"
	"github.com/xaionaro-go/v4l2codec2/internal/v4l2"
	"github.com/xaionaro-go/v4l2codec2/types"
)

// fakeDevice is a whitebox-testable stand-in for a real V4L2 node: enough
// state to drive the decoder's queue bookkeeping and callback ordering
// without a kernel underneath it.
type fakeDevice struct {
	mu sync.Mutex

	outputQueuedIDs []int32 // bitstream ids queued (FIFO), one DQBUF pops the front
	captureQueue    []v4l2.DequeuedBuffer
	minBuffers      int
	streamOnCapture bool
	decoderCmds     []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{minBuffers: 4}
}

func (f *fakeDevice) Close() error { return nil }
func (f *fakeDevice) FD() int      { return -1 }
func (f *fakeDevice) SetOutputFormat(ctx context.Context, pixFmt uint32, width, height uint32) error {
	return nil
}
func (f *fakeDevice) NegotiateCaptureFormat(ctx context.Context, preferFourcc uint32) (uint32, uint32, uint32, error) {
	return 1920, 1080, v4l2.PixFmtNV12, nil
}
func (f *fakeDevice) TrySetCaptureFormat(ctx context.Context, candidates []uint32, width, height uint32) (uint32, error) {
	return v4l2.PixFmtNV12, nil
}
func (f *fakeDevice) MinBuffersForCapture() (int, error)                   { return f.minBuffers, nil }
func (f *fakeDevice) SupportsDecoderCmdStop() bool                         { return true }
func (f *fakeDevice) RequestBuffers(bufType uint32, count int) (int, error) { return count, nil }

func (f *fakeDevice) QueueInputBuffer(index uint32, fd int, bytesUsed uint32, bitstreamID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputQueuedIDs = append(f.outputQueuedIDs, bitstreamID)
	return nil
}

func (f *fakeDevice) QueueOutputBuffer(index uint32, fd int) error { return nil }

func (f *fakeDevice) DequeueBuffer(bufType uint32) (v4l2.DequeuedBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bufType == v4l2.BufTypeVideoOutput {
		if len(f.outputQueuedIDs) == 0 {
			return v4l2.DequeuedBuffer{}, unix.EAGAIN
		}
		id := f.outputQueuedIDs[0]
		f.outputQueuedIDs = f.outputQueuedIDs[1:]
		return v4l2.DequeuedBuffer{Index: 0, BitstreamID: id}, nil
	}
	if len(f.captureQueue) == 0 {
		return v4l2.DequeuedBuffer{}, unix.EAGAIN
	}
	b := f.captureQueue[0]
	f.captureQueue = f.captureQueue[1:]
	return b, nil
}

func (f *fakeDevice) StreamOn(bufType uint32) error {
	if bufType == v4l2.BufTypeVideoCapture {
		f.streamOnCapture = true
	}
	return nil
}
func (f *fakeDevice) StreamOff(bufType uint32) error {
	if bufType == v4l2.BufTypeVideoCapture {
		f.streamOnCapture = false
	}
	return nil
}
func (f *fakeDevice) SubscribeSourceChangeAndEOS() error { return nil }
func (f *fakeDevice) DequeueEvent() (uint32, bool, error) {
	return 0, false, unix.EAGAIN
}
func (f *fakeDevice) SendDecoderCmdStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decoderCmds = append(f.decoderCmds, "stop")
	return nil
}
func (f *fakeDevice) SendDecoderCmdStart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decoderCmds = append(f.decoderCmds, "start")
	return nil
}
func (f *fakeDevice) VisibleRect(ctx context.Context) (int32, int32, uint32, uint32, error) {
	return 0, 0, 1920, 1080, nil
}

var _ v4l2.DeviceAPI = (*fakeDevice)(nil)

// fakePool hands back a fixed-size frame synchronously; the decoder tests
// don't need the real framepool.Pool's reuse/async behavior, just a
// deterministic Allocator to satisfy the nil check in tryFetchVideoFrameLocked.
type fakePool struct {
	nextFD int
}

func (p *fakePool) Request(ctx context.Context, width, height int, done func(*framepool.Frame, error)) {
	p.nextFD++
	done(&framepool.Frame{DMABuf: dmabuf.Handle{FDs: []int{p.nextFD}}, Width: width, Height: height}, nil)
}

var _ framepool.Allocator = (*fakePool)(nil)

// stallingPool hands control of when Request's callback fires to the test,
// so re-entrant tryFetchVideoFrameLocked calls can be exercised while a
// request is still outstanding.
type stallingPool struct {
	mu      sync.Mutex
	nextFD  int
	pending []func()
}

func (p *stallingPool) Request(ctx context.Context, width, height int, done func(*framepool.Frame, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextFD++
	fd := p.nextFD
	p.pending = append(p.pending, func() {
		done(&framepool.Frame{DMABuf: dmabuf.Handle{FDs: []int{fd}}, Width: width, Height: height}, nil)
	})
}

// resolve runs the oldest still-outstanding Request's callback.
func (p *stallingPool) resolve() {
	p.mu.Lock()
	cb := p.pending[0]
	p.pending = p.pending[1:]
	p.mu.Unlock()
	cb()
}

func (p *stallingPool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

var _ framepool.Allocator = (*stallingPool)(nil)

func newTestDecoder(t *testing.T, dev v4l2.DeviceAPI, pool framepool.Allocator) *Decoder {
	t.Helper()
	d := &Decoder{
		codec:               types.CodecH264,
		dev:                 dev,
		pool:                pool,
		outputCb:            func(ctx context.Context, frame DecodedFrame) {},
		errorCb:             func(ctx context.Context) {},
		minNumOutputBuffers: 4,
		inputQueue:          newSlotQueue(numInputBuffers),
		outputQueue:         newSlotQueue(0),
		pendingDecodeCbs:    make(map[int32]DecodeCB),
		frameAtDevice:       make(map[uint32]*framepool.Frame),
		blockIDToV4L2ID:     make(map[*framepool.Frame]uint32),
		state:               StateIdle,
	}
	return d
}

func TestDecodeThenInputDequeueFiresCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := newFakeDevice()
	d := newTestDecoder(t, dev, &fakePool{})

	var status types.DecodeStatus
	done := make(chan struct{})
	d.Decode(ctx, &types.InputBuffer{Size: 10}, 42, func(s types.DecodeStatus) {
		status = s
		close(done)
	})
	require.Equal(t, StateDecoding, d.state)
	require.Len(t, dev.outputQueuedIDs, 1)
	require.Equal(t, int32(42), dev.outputQueuedIDs[0])

	d.locker.Do(ctx, func() {
		d.serviceDeviceTaskLocked(ctx, false)
	})
	<-done
	require.Equal(t, types.DecodeOK, status)
	_, stillPending := d.pendingDecodeCbs[42]
	require.False(t, stillPending)
}

func TestDrainWaitsForInputQueueToEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := newFakeDevice()
	d := newTestDecoder(t, dev, &fakePool{})

	d.Decode(ctx, &types.InputBuffer{Size: 1}, 1, func(types.DecodeStatus) {})

	var drainStatus types.DecodeStatus
	drainDone := make(chan struct{})
	d.Drain(ctx, func(s types.DecodeStatus) {
		drainStatus = s
		close(drainDone)
	})

	// drain must not send STOP yet: the input buffer is still in flight.
	require.Empty(t, dev.decoderCmds)
	require.Equal(t, StateDecoding, d.state)

	// dequeue the input buffer; now the drain should proceed to STOP.
	d.locker.Do(ctx, func() {
		d.serviceDeviceTaskLocked(ctx, false)
	})
	require.Equal(t, []string{"stop"}, dev.decoderCmds)
	require.Equal(t, StateDraining, d.state)

	// simulate the driver delivering the LAST capture buffer.
	d.outputQueue.reset(1)
	d.outputQueue.take(0)
	d.frameAtDevice[0] = &framepool.Frame{DMABuf: dmabuf.Handle{FDs: []int{99}}}
	dev.captureQueue = append(dev.captureQueue, v4l2.DequeuedBuffer{Index: 0, Last: true})

	d.locker.Do(ctx, func() {
		d.serviceDeviceTaskLocked(ctx, false)
	})
	<-drainDone
	require.Equal(t, types.DecodeOK, drainStatus)
	require.Equal(t, StateIdle, d.state)
	require.Equal(t, []string{"stop", "start"}, dev.decoderCmds)
}

func TestFlushAbortsPendingWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := newFakeDevice()
	d := newTestDecoder(t, dev, nil)

	var got1, got2 types.DecodeStatus
	d.Decode(ctx, &types.InputBuffer{Size: 1}, 1, func(s types.DecodeStatus) { got1 = s })
	d.Decode(ctx, &types.InputBuffer{Size: 1}, 2, func(s types.DecodeStatus) { got2 = s })
	require.Len(t, dev.outputQueuedIDs, 2)

	var drainGot types.DecodeStatus
	// both input buffers are still in flight (never dequeued), so this
	// drain request sits behind them rather than reaching the device.
	d.Drain(ctx, func(s types.DecodeStatus) { drainGot = s })
	require.Empty(t, dev.decoderCmds)

	d.Flush(ctx)
	require.Equal(t, types.DecodeAborted, got1)
	require.Equal(t, types.DecodeAborted, got2)
	require.Equal(t, types.DecodeAborted, drainGot)
	require.Empty(t, d.pendingDecodeCbs)
	require.Empty(t, d.decodeRequests)
	require.Equal(t, StateIdle, d.state)
}

func TestNumOutputBuffersAddsExtraMargin(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	dev.minBuffers = 6
	d := newTestDecoder(t, dev, &fakePool{})

	n, err := d.numOutputBuffersLocked()
	require.NoError(t, err)
	require.Equal(t, 6+numExtraOutputBuffers, n)
}

func TestDequeueResolutionChangeEventSwallowsEAGAIN(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := newFakeDevice()
	d := newTestDecoder(t, dev, &fakePool{})

	changed, err := d.dequeueResolutionChangeEventLocked(ctx)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestTryFetchVideoFrameSuppressesReentrantPoolRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := newFakeDevice()
	pool := &stallingPool{}
	d := newTestDecoder(t, dev, pool)
	d.outputQueue.reset(2)

	d.locker.Do(ctx, func() {
		d.tryFetchVideoFrameLocked(ctx)
		d.tryFetchVideoFrameLocked(ctx)
	})
	require.Equal(t, 1, pool.outstanding(), "a second request must not be posted while one is already outstanding")

	pool.resolve()
	require.Len(t, d.frameAtDevice, 1)
	// completing the outstanding request frees up poolRequestInFlight, and
	// the second free slot should now get its own request posted.
	require.Equal(t, 1, pool.outstanding())
}

func TestChangeResolutionLockedReallocatesBuffersAndFetchesFrame(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dev := newFakeDevice()
	dev.minBuffers = 4
	pool := &stallingPool{}
	d := newTestDecoder(t, dev, pool)

	// stale bookkeeping from a previous resolution must be discarded.
	d.frameAtDevice[7] = &framepool.Frame{}
	d.blockIDToV4L2ID[&framepool.Frame{}] = 7

	d.locker.Do(ctx, func() {
		require.NoError(t, d.changeResolutionLocked(ctx))
	})

	require.True(t, dev.streamOnCapture)
	require.Equal(t, dev.minBuffers+numExtraOutputBuffers, d.outputQueue.allocatedCount())
	require.Empty(t, d.frameAtDevice)
	require.Empty(t, d.blockIDToV4L2ID)
	require.Equal(t, 1, pool.outstanding(), "resolution change should kick off a frame pool request for the newly free output slots")

	pool.resolve()
	require.Len(t, d.frameAtDevice, 1)
}
