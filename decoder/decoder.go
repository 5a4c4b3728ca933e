// Package decoder implements the device-interface side of the decode
// pipeline: a single-sequenced state machine that owns one V4L2 M2M decoder
// device, feeding it compressed access units and handing decoded frames
// back to its caller (the component package).
//
// Translated from a SequencedTaskRunner-posted-closures idiom to a Go
// xsync.Mutex-guarded state machine: every exported method takes the same
// lock a background device-servicing goroutine takes, so "runs on the
// decoder task sequence" becomes "holds d.locker", the same translation
// used elsewhere in this tree for a non-reentrant codec context
// (xsync.DoR1(xsync.WithNoLogging(ctx, true), &d.locker, ...)).
package decoder

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/v4l2codec2/framepool"
	"github.com/xaionaro-go/v4l2codec2/helpers/closuresignaler"
	"github.com/xaionaro-go/v4l2codec2/internal/assert"
	"github.com/xaionaro-go/v4l2codec2/internal/v4l2"
	"github.com/xaionaro-go/v4l2codec2/logger"
	"github.com/xaionaro-go/v4l2codec2/status"
	"github.com/xaionaro-go/v4l2codec2/types"
)

const (
	// numInputBuffers is how many OUTPUT-queue (compressed bitstream)
	// buffer slots the device allocates up front.
	numInputBuffers = 16
	// numExtraOutputBuffers pads whatever the driver reports it needs via
	// V4L2_CID_MIN_BUFFERS_FOR_CAPTURE, for pipelining headroom.
	numExtraOutputBuffers = 4
)

// DecodedFrame is what the Decoder hands its caller once a CAPTURE buffer
// with actual content comes back: a VideoFrame-shaped value with bitstream
// id and visible rect already stamped on it.
type DecodedFrame struct {
	Frame       *framepool.Frame
	BitstreamID int32
	VisRect     types.Rect
}

// DecodeCB reports the per-request or per-drain outcome.
type DecodeCB func(types.DecodeStatus)

// OutputCB delivers one decoded frame.
type OutputCB func(ctx context.Context, frame DecodedFrame)

// ErrorCB reports a fatal device error; the Decoder is unusable afterward.
type ErrorCB func(ctx context.Context)

type decodeRequest struct {
	buffer      *types.InputBuffer // nil signals a drain request
	bitstreamID int32
	cb          DecodeCB
}

// Decoder is the device-interface state machine. The zero value is not
// usable; construct with Create.
type Decoder struct {
	codec types.Codec
	dev   v4l2.DeviceAPI
	pool  framepool.Allocator

	outputCb OutputCB
	errorCb  ErrorCB

	minNumOutputBuffers int

	locker xsync.Mutex

	state State

	inputQueue  *slotQueue
	outputQueue *slotQueue

	decodeRequests   []decodeRequest
	pendingDecodeCbs map[int32]DecodeCB
	drainCb          DecodeCB

	frameAtDevice   map[uint32]*framepool.Frame
	blockIDToV4L2ID map[*framepool.Frame]uint32
	// poolRequestInFlight guards against posting a second frame pool
	// Request before the outstanding one's callback has run — the pool
	// itself only services one request at a time, and a premature second
	// call would just bounce back as an error.
	poolRequestInFlight bool

	codedWidth, codedHeight uint32
	visibleRect             types.Rect

	closer *closuresignaler.ClosureSignaler
}

// Create opens and configures a V4L2 decoder device for codec, then starts
// its background event-servicing loop. It mirrors V4L2Decoder::Create +
// start + setupInputFormat.
func Create(
	ctx context.Context,
	codec types.Codec,
	inputBufferSize int,
	minNumOutputBuffers int,
	dev v4l2.DeviceAPI,
	pool framepool.Allocator,
	outputCb OutputCB,
	errorCb ErrorCB,
) (*Decoder, error) {
	d := &Decoder{
		codec:               codec,
		dev:                 dev,
		pool:                pool,
		outputCb:            outputCb,
		errorCb:             errorCb,
		minNumOutputBuffers: minNumOutputBuffers,
		pendingDecodeCbs:    make(map[int32]DecodeCB),
		frameAtDevice:       make(map[uint32]*framepool.Frame),
		blockIDToV4L2ID:     make(map[*framepool.Frame]uint32),
		closer:              closuresignaler.New(),
	}

	if !dev.SupportsDecoderCmdStop() {
		return nil, status.New(status.BadState, "device does not support flushing (VIDIOC_TRY_DECODER_CMD/STOP)")
	}
	if err := dev.SubscribeSourceChangeAndEOS(); err != nil {
		return nil, status.New(status.BadState, "subscribing to device events: %v", err)
	}

	pixFmt, err := codecToV4L2PixFmt(codec)
	if err != nil {
		return nil, status.New(status.BadValue, "%v", err)
	}
	if err := dev.SetOutputFormat(ctx, pixFmt, 0, 0); err != nil {
		return nil, status.New(status.BadState, "setting up input format: %v", err)
	}
	allocated, err := dev.RequestBuffers(v4l2.BufTypeVideoOutput, numInputBuffers)
	if err != nil || allocated == 0 {
		return nil, status.New(status.BadState, "allocating input buffers: %v", err)
	}
	d.inputQueue = newSlotQueue(allocated)
	if err := dev.StreamOn(v4l2.BufTypeVideoOutput); err != nil {
		return nil, status.New(status.BadState, "streaming on input queue: %v", err)
	}
	d.outputQueue = newSlotQueue(0)

	d.setState(ctx, StateIdle)

	observability.Go(ctx, func(ctx context.Context) {
		d.serviceLoop(ctx)
	})

	return d, nil
}

func codecToV4L2PixFmt(codec types.Codec) (uint32, error) {
	switch codec {
	case types.CodecH264:
		return v4l2.PixFmtH264, nil
	case types.CodecVP8:
		return v4l2.PixFmtVP8, nil
	case types.CodecVP9:
		return v4l2.PixFmtVP9, nil
	case types.CodecHEVC:
		return v4l2.PixFmtHEVC, nil
	default:
		return 0, fmt.Errorf("unsupported codec %v", codec)
	}
}

// Close tears the device down: stream off both queues and close the fd.
// Buffers are not explicitly deallocated with REQBUFS(0) first.
func (d *Decoder) Close(ctx context.Context) error {
	d.closer.Close(ctx)
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &d.locker, func() error {
		_ = d.dev.StreamOff(v4l2.BufTypeVideoCapture)
		_ = d.dev.StreamOff(v4l2.BufTypeVideoOutput)
		return d.dev.Close()
	})
}

// Decode submits one compressed access unit for decode. cb fires once the
// device has dequeued (consumed) the corresponding input buffer.
func (d *Decoder) Decode(ctx context.Context, buffer *types.InputBuffer, bitstreamID int32, cb DecodeCB) {
	d.locker.Do(ctx, func() {
		if d.state == StateError {
			logger.Errorf(ctx, "decode ignored: device in error state")
			observability.Go(ctx, func(ctx context.Context) { cb(types.DecodeError) })
			return
		}
		if d.state == StateIdle {
			d.setState(ctx, StateDecoding)
		}
		d.decodeRequests = append(d.decodeRequests, decodeRequest{buffer: buffer, bitstreamID: bitstreamID, cb: cb})
		d.pumpDecodeRequestLocked(ctx)
	})
}

// Drain flushes pending decode requests to completion and asks the device
// to mark its last output buffer LAST.
func (d *Decoder) Drain(ctx context.Context, cb DecodeCB) {
	d.locker.Do(ctx, func() {
		switch d.state {
		case StateIdle:
			observability.Go(ctx, func(ctx context.Context) { cb(types.DecodeOK) })
		case StateDecoding:
			d.decodeRequests = append(d.decodeRequests, decodeRequest{buffer: nil, cb: cb})
			d.pumpDecodeRequestLocked(ctx)
		default:
			logger.Errorf(ctx, "drain ignored: wrong state %v", d.state)
			observability.Go(ctx, func(ctx context.Context) { cb(types.DecodeError) })
		}
	})
}

// Flush aborts all pending work and resets both queues; every outstanding
// decode/drain callback fires Aborted, never silently dropped. In the Idle
// or Error state Flush does nothing.
func (d *Decoder) Flush(ctx context.Context) {
	d.locker.Do(ctx, func() {
		if d.state == StateIdle || d.state == StateError {
			return
		}

		for id, cb := range d.pendingDecodeCbs {
			cb(types.DecodeAborted)
			delete(d.pendingDecodeCbs, id)
		}
		for _, req := range d.decodeRequests {
			if req.cb != nil {
				req.cb(types.DecodeAborted)
			}
		}
		d.decodeRequests = nil
		if d.drainCb != nil {
			d.drainCb(types.DecodeAborted)
			d.drainCb = nil
		}

		wasOutputStreaming := d.outputQueue.allocatedCount() > 0
		_ = d.dev.StreamOff(v4l2.BufTypeVideoCapture)
		d.frameAtDevice = make(map[uint32]*framepool.Frame)
		_ = d.dev.StreamOff(v4l2.BufTypeVideoOutput)

		if err := d.dev.StreamOn(v4l2.BufTypeVideoOutput); err != nil {
			d.onErrorLocked(ctx)
			return
		}
		if wasOutputStreaming {
			if err := d.dev.StreamOn(v4l2.BufTypeVideoCapture); err != nil {
				d.onErrorLocked(ctx)
				return
			}
		}
		d.inputQueue.reset(d.inputQueue.allocatedCount())

		if d.pool != nil {
			d.tryFetchVideoFrameLocked(ctx)
		}

		d.setState(ctx, StateIdle)
	})
}

func (d *Decoder) setState(ctx context.Context, newState State) {
	if d.state == newState {
		return
	}
	if d.state == StateError {
		return
	}
	if newState == StateDraining && d.state != StateDecoding {
		newState = StateError
	}
	logger.Debugf(ctx, "decoder state %v -> %v", d.state, newState)
	d.state = newState
}

func (d *Decoder) onErrorLocked(ctx context.Context) {
	assert.True(ctx, d.errorCb != nil)
	d.setState(ctx, StateError)
	observability.Go(ctx, func(ctx context.Context) { d.errorCb(ctx) })
}
