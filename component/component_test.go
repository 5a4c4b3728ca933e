package component

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/v4l2codec2/decoder"
	"github.com/xaionaro-go/v4l2codec2/dmabuf"
	"github.com/xaionaro-go/v4l2codec2/framepool"
	"github.com/xaionaro-go/v4l2codec2/status"
	"github.com/xaionaro-go/v4l2codec2/types"
)

// fakeDecoder is a whitebox-testable stand-in for *decoder.Decoder: it
// records what it is asked to do and lets the test fire callbacks whenever
// it chooses, so Component's own algorithms can be exercised deterministically
// without a real device's background poll loop in the picture.
type fakeDecoder struct {
	mu sync.Mutex

	decodes []fakeDecodeCall
	drainCb decoder.DecodeCB
	flushes int
	closed  bool
}

type fakeDecodeCall struct {
	buffer      *types.InputBuffer
	bitstreamID int32
	cb          decoder.DecodeCB
}

func (d *fakeDecoder) Decode(ctx context.Context, buffer *types.InputBuffer, bitstreamID int32, cb decoder.DecodeCB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decodes = append(d.decodes, fakeDecodeCall{buffer: buffer, bitstreamID: bitstreamID, cb: cb})
}

func (d *fakeDecoder) Drain(ctx context.Context, cb decoder.DecodeCB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drainCb = cb
}

func (d *fakeDecoder) Flush(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
	for _, dc := range d.decodes {
		dc.cb(types.DecodeAborted)
	}
	d.decodes = nil
	if d.drainCb != nil {
		d.drainCb(types.DecodeAborted)
		d.drainCb = nil
	}
}

func (d *fakeDecoder) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var _ decoderHandle = (*fakeDecoder)(nil)

// fakeListener records every batch of finished work and every error
// notification it receives, in arrival order.
type fakeListener struct {
	mu     sync.Mutex
	done   [][]*types.Work
	errors []status.Code

	// signal fires once per OnWorkDone/OnError call, letting a test wait
	// for a callback that was dispatched asynchronously (observability.Go)
	// instead of racing a synchronous assertion against it.
	signal chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{signal: make(chan struct{}, 64)}
}

func (l *fakeListener) OnWorkDone(ctx context.Context, done []*types.Work) {
	l.mu.Lock()
	l.done = append(l.done, done)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *fakeListener) OnError(ctx context.Context, code status.Code) {
	l.mu.Lock()
	l.errors = append(l.errors, code)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *fakeListener) allDone() []*types.Work {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []*types.Work
	for _, batch := range l.done {
		all = append(all, batch...)
	}
	return all
}

func (l *fakeListener) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

var _ types.Listener = (*fakeListener)(nil)

// newTestComponent whitebox-constructs a *Component wired to a fakeDecoder,
// bypassing New/Start so tests don't need a real device or the instance cap.
func newTestComponent(codec types.Codec) (*Component, *fakeDecoder, *fakeListener) {
	dec := &fakeDecoder{}
	listener := newFakeListener()
	c := &Component{
		params:         Params{Name: "decoder", Codec: codec},
		worksAtDecoder: make(map[types.BitstreamID]*types.Work),
		dec:            dec,
		listener:       listener,
	}
	c.state.Store(int32(StateRunning))
	c.bgCtx = context.Background()
	return c, dec, listener
}

func inputWork(frameIndex uint64) *types.Work {
	return &types.Work{
		Ordinal:     types.Ordinal{FrameIndex: frameIndex, Timestamp: frameIndex},
		InputBuffer: &types.InputBuffer{Bytes: []byte{0xAA}, Size: 1},
	}
}

func eosWork(frameIndex uint64) *types.Work {
	return &types.Work{
		Ordinal: types.Ordinal{FrameIndex: frameIndex, Timestamp: frameIndex},
		Flags:   types.FlagEndOfStream,
	}
}

func runLocked(ctx context.Context, c *Component, f func()) {
	c.locker.Do(ctx, f)
}

func TestQueueDecodeThenOutputReportsWorkInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, dec, listener := newTestComponent(types.CodecH264)

	w1, w2 := inputWork(1), inputWork(2)
	runLocked(ctx, c, func() { c.queueTaskLocked(ctx, []*types.Work{w1, w2}) })
	require.Len(t, dec.decodes, 2)

	// Frame 2 finishes decoding and produces output before frame 1 does.
	// Works are reported in output-arrival order, so frame 2 is reported
	// at once without waiting for frame 1.
	runLocked(ctx, c, func() { c.onDecodeDoneLocked(ctx, w2.BitstreamID(), types.DecodeOK) })
	runLocked(ctx, c, func() {
		c.onOutputFrameReadyLocked(ctx, decoder.DecodedFrame{
			Frame:       &framepool.Frame{DMABuf: dmabuf.Handle{FDs: []int{1}}, Width: 1920, Height: 1080},
			BitstreamID: int32(w2.BitstreamID()),
		})
	})
	done := listener.allDone()
	require.Len(t, done, 1)
	require.Equal(t, w2, done[0])

	runLocked(ctx, c, func() { c.onDecodeDoneLocked(ctx, w1.BitstreamID(), types.DecodeOK) })
	runLocked(ctx, c, func() {
		c.onOutputFrameReadyLocked(ctx, decoder.DecodedFrame{
			Frame:       &framepool.Frame{DMABuf: dmabuf.Handle{FDs: []int{2}}, Width: 1920, Height: 1080},
			BitstreamID: int32(w1.BitstreamID()),
		})
	})

	done = listener.allDone()
	require.Len(t, done, 2)
	require.Equal(t, w2, done[0])
	require.Equal(t, w1, done[1])
	require.Equal(t, status.OK, done[0].Result)
	require.Equal(t, status.OK, done[1].Result)
	require.Empty(t, c.worksAtDecoder)
}

func TestDrainReportsEOSAfterDrainCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, dec, listener := newTestComponent(types.CodecVP8)

	w := inputWork(1)
	eos := eosWork(2)
	runLocked(ctx, c, func() { c.queueTaskLocked(ctx, []*types.Work{w, eos}) })
	require.True(t, c.isDraining)
	require.NotNil(t, dec.drainCb)

	runLocked(ctx, c, func() { c.onDecodeDoneLocked(ctx, w.BitstreamID(), types.DecodeOK) })
	runLocked(ctx, c, func() {
		c.onOutputFrameReadyLocked(ctx, decoder.DecodedFrame{
			Frame:       &framepool.Frame{DMABuf: dmabuf.Handle{FDs: []int{1}}},
			BitstreamID: int32(w.BitstreamID()),
		})
	})
	require.Len(t, listener.allDone(), 1)

	// drainCb is the real c.onDrainDoneCB adapter, which re-dispatches onto
	// c.locker via observability.Go; drain stale signals and wait for the
	// fresh one instead of racing the async dispatch.
	for drained := true; drained; {
		select {
		case <-listener.signal:
		default:
			drained = false
		}
	}
	dec.drainCb(types.DecodeOK)
	<-listener.signal
	done := listener.allDone()
	require.Len(t, done, 2)
	require.Equal(t, eos, done[1])
	require.True(t, done[1].Flags.Has(types.FlagEndOfStream))
	require.False(t, c.isDraining)
}

func TestFlushAbandonsOutstandingWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, dec, listener := newTestComponent(types.CodecH264)

	w1, w2 := inputWork(1), inputWork(2)
	runLocked(ctx, c, func() { c.queueTaskLocked(ctx, []*types.Work{w1, w2}) })

	runLocked(ctx, c, func() { c.flushTaskLocked(ctx) })

	require.Equal(t, 1, dec.flushes)
	done := listener.allDone()
	require.Len(t, done, 2)
	require.Equal(t, status.NotFound, done[0].Result)
	require.Equal(t, status.NotFound, done[1].Result)
	require.Empty(t, c.worksAtDecoder)
	require.Empty(t, c.pendingWorks)
	require.False(t, c.isDraining)
}

func TestNoShowFrameIsDroppedNotEmitted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, listener := newTestComponent(types.CodecVP9)

	w1, w2 := inputWork(1), inputWork(2)
	runLocked(ctx, c, func() { c.queueTaskLocked(ctx, []*types.Work{w1, w2}) })
	runLocked(ctx, c, func() { c.onDecodeDoneLocked(ctx, w1.BitstreamID(), types.DecodeOK) })
	runLocked(ctx, c, func() { c.onDecodeDoneLocked(ctx, w2.BitstreamID(), types.DecodeOK) })

	// Only the second work's frame ever arrives: the first was a no-show.
	runLocked(ctx, c, func() {
		c.onOutputFrameReadyLocked(ctx, decoder.DecodedFrame{
			Frame:       &framepool.Frame{DMABuf: dmabuf.Handle{FDs: []int{1}}},
			BitstreamID: int32(w2.BitstreamID()),
		})
	})

	done := listener.allDone()
	require.Len(t, done, 2)
	require.Same(t, w1, done[0])
	require.Nil(t, done[0].Worklet.OutputBuffer)
	require.False(t, done[0].Worklet.Flags.Has(types.FlagDropFrame), "DropFrame must be cleared before emission")
	require.Same(t, w2, done[1])
	require.NotNil(t, done[1].Worklet.OutputBuffer)
}

func TestMalformedEmptyNonEOSWorkReportsCorruptedAndError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, listener := newTestComponent(types.CodecH264)

	w := &types.Work{Ordinal: types.Ordinal{FrameIndex: 1, Timestamp: 1}}
	runLocked(ctx, c, func() { c.queueTaskLocked(ctx, []*types.Work{w}) })

	done := listener.allDone()
	require.Len(t, done, 1)
	require.Equal(t, status.Corrupted, done[0].Result)
	require.Equal(t, 1, listener.errorCount())
	require.Equal(t, StateError, c.State())
}

func TestUnknownBitstreamIDOutputReportsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, listener := newTestComponent(types.CodecH264)

	runLocked(ctx, c, func() {
		c.onOutputFrameReadyLocked(ctx, decoder.DecodedFrame{
			Frame:       &framepool.Frame{},
			BitstreamID: 999,
		})
	})
	require.Equal(t, 1, listener.errorCount())
	require.Equal(t, StateError, c.State())
}
