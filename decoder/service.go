package decoder

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xaionaro-go/v4l2codec2/framepool"
	"github.com/xaionaro-go/v4l2codec2/internal/assert"
	"github.com/xaionaro-go/v4l2codec2/internal/v4l2"
	"github.com/xaionaro-go/v4l2codec2/logger"
	"github.com/xaionaro-go/v4l2codec2/types"
)

// serviceLoop polls the device fd for readability (new dequeueable buffers
// or a pending event) and drains it on every wakeup, replacing an
// epoll-driven startPolling/serviceDeviceTask callback pair with a single
// blocking loop.
func (d *Decoder) serviceLoop(ctx context.Context) {
	fd := d.dev.FD()
	pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI}}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closer.CloseChan():
			return
		default:
		}

		n, err := unix.Poll(pollFds, 200 /* ms */)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Errorf(ctx, "poll on decoder device failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		hasEvent := pollFds[0].Revents&unix.POLLPRI != 0
		d.locker.Do(ctx, func() {
			d.serviceDeviceTaskLocked(ctx, hasEvent)
		})
	}
}

// serviceDeviceTaskLocked drains both queues and reacts to a pending
// resolution-change event, mirroring V4L2Decoder::serviceDeviceTask.
func (d *Decoder) serviceDeviceTaskLocked(ctx context.Context, event bool) {
	if d.state == StateError {
		return
	}

	inputDequeued := false
	for d.inputQueue.queuedCount() > 0 {
		dq, err := d.dev.DequeueBuffer(v4l2.BufTypeVideoOutput)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			logger.Errorf(ctx, "dequeue from input queue failed: %v", err)
			d.onErrorLocked(ctx)
			return
		}
		d.inputQueue.release(dq.Index)
		inputDequeued = true

		cb, ok := d.pendingDecodeCbs[dq.BitstreamID]
		if !ok {
			logger.Warnf(ctx, "decode callback for bitstream id %d already abandoned", dq.BitstreamID)
			continue
		}
		delete(d.pendingDecodeCbs, dq.BitstreamID)
		cb(types.DecodeOK)
	}

	outputDequeued := false
	for d.outputQueue.queuedCount() > 0 {
		dq, err := d.dev.DequeueBuffer(v4l2.BufTypeVideoCapture)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			logger.Errorf(ctx, "dequeue from output queue failed: %v", err)
			d.onErrorLocked(ctx)
			return
		}
		d.outputQueue.release(dq.Index)
		outputDequeued = true

		frame, ok := d.frameAtDevice[dq.Index]
		assert.True(ctx, ok, "output slot dequeued but no frame was tracked for it", dq.Index)
		delete(d.frameAtDevice, dq.Index)

		if dq.BytesUsed > 0 {
			d.outputCb(ctx, DecodedFrame{Frame: frame, BitstreamID: dq.BitstreamID, VisRect: d.visibleRect})
		} else {
			// An empty buffer carries no frame; recycle it straight back to
			// the driver instead of handing it to the caller, to keep EOS
			// notification reliable.
			if err := d.dev.QueueOutputBuffer(dq.Index, frame.DMABuf.FDs[0]); err != nil {
				logger.Errorf(ctx, "recycling empty output buffer failed: %v", err)
				d.onErrorLocked(ctx)
				return
			}
			d.outputQueue.take(dq.Index)
			d.frameAtDevice[dq.Index] = frame
		}

		if d.drainCb != nil && dq.Last {
			logger.Debugf(ctx, "drain complete: last output buffer dequeued")
			_ = d.dev.SendDecoderCmdStart()
			d.drainCb(types.DecodeOK)
			d.drainCb = nil
			d.setState(ctx, StateIdle)
		}
	}

	if event {
		if resChanged, err := d.dequeueResolutionChangeEventLocked(ctx); err != nil {
			d.onErrorLocked(ctx)
			return
		} else if resChanged {
			if err := d.changeResolutionLocked(ctx); err != nil {
				logger.Errorf(ctx, "resolution change failed: %v", err)
				d.onErrorLocked(ctx)
				return
			}
		}
	}

	if inputDequeued {
		d.pumpDecodeRequestLocked(ctx)
	}
	if outputDequeued {
		d.tryFetchVideoFrameLocked(ctx)
	}
}

// pumpDecodeRequestLocked feeds queued decode/drain requests to the OUTPUT
// queue as input slots free up, pausing whenever none are free or a drain
// needs to wait for all in-flight input buffers to be dequeued first.
func (d *Decoder) pumpDecodeRequestLocked(ctx context.Context) {
	if d.state != StateDecoding {
		return
	}

	for len(d.decodeRequests) > 0 {
		req := d.decodeRequests[0]

		if req.buffer == nil { // drain request
			if d.inputQueue.queuedCount() > 0 {
				return // wait for all input buffers to be dequeued first
			}
			d.decodeRequests = d.decodeRequests[1:]
			if err := d.dev.SendDecoderCmdStop(); err != nil {
				logger.Errorf(ctx, "VIDIOC_DECODER_CMD(STOP) failed: %v", err)
				req.cb(types.DecodeError)
				d.onErrorLocked(ctx)
				return
			}
			d.drainCb = req.cb
			d.setState(ctx, StateDraining)
			return
		}

		slot, ok := d.inputQueue.takeAny()
		if !ok {
			return // no free input buffer; resume once one is dequeued
		}
		d.decodeRequests = d.decodeRequests[1:]

		fd := 0
		if len(req.buffer.DMABuf.FDs) > 0 {
			fd = req.buffer.DMABuf.FDs[0]
		}
		if err := d.dev.QueueInputBuffer(slot, fd, uint32(req.buffer.Size), req.bitstreamID); err != nil {
			logger.Errorf(ctx, "QBUF to input queue failed (bitstreamId=%d): %v", req.bitstreamID, err)
			d.inputQueue.release(slot)
			req.cb(types.DecodeError)
			d.onErrorLocked(ctx)
			return
		}
		d.pendingDecodeCbs[req.bitstreamID] = req.cb
	}
}

func (d *Decoder) dequeueResolutionChangeEventLocked(ctx context.Context) (bool, error) {
	for {
		typ, resChanged, err := d.dev.DequeueEvent()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return false, nil
			}
			return false, err
		}
		if typ == v4l2.EventSourceChange && resChanged {
			return true, nil
		}
	}
}

// changeResolutionLocked re-negotiates the CAPTURE format and buffer pool
// after a source-change event, mirroring V4L2Decoder::changeResolution.
func (d *Decoder) changeResolutionLocked(ctx context.Context) error {
	numOutputBuffers, err := d.numOutputBuffersLocked()
	if err != nil {
		return err
	}
	if numOutputBuffers < d.minNumOutputBuffers {
		numOutputBuffers = d.minNumOutputBuffers
	}

	width, height, _, err := d.dev.NegotiateCaptureFormat(ctx, 0)
	if err != nil {
		return err
	}
	if _, err := d.dev.TrySetCaptureFormat(ctx, v4l2.SupportedOutputFourccs, width, height); err != nil {
		return err
	}

	adjWidth, adjHeight, _, err := d.dev.NegotiateCaptureFormat(ctx, 0)
	if err != nil {
		return err
	}
	if adjWidth == 0 || adjHeight == 0 {
		return errors.New("driver reported empty coded size after resolution change")
	}
	d.codedWidth, d.codedHeight = adjWidth, adjHeight

	left, top, w, h, err := d.dev.VisibleRect(ctx)
	if err != nil {
		d.visibleRect = types.Rect{Right: int(adjWidth), Bottom: int(adjHeight)}
	} else {
		rect := types.Rect{Left: int(left), Top: int(top), Right: int(left) + int(w), Bottom: int(top) + int(h)}
		if rect.IsEmpty() || !rect.ContainedIn(int(adjWidth), int(adjHeight)) {
			rect = types.Rect{Right: int(adjWidth), Bottom: int(adjHeight)}
		}
		d.visibleRect = rect
	}

	logger.Infof(ctx, "resolution change: need %d output buffers, coded size %dx%d, visible rect %+v",
		numOutputBuffers, d.codedWidth, d.codedHeight, d.visibleRect)

	_ = d.dev.StreamOff(v4l2.BufTypeVideoCapture)
	d.frameAtDevice = make(map[uint32]*framepool.Frame)
	d.blockIDToV4L2ID = make(map[*framepool.Frame]uint32)

	allocated, err := d.dev.RequestBuffers(v4l2.BufTypeVideoCapture, numOutputBuffers)
	if err != nil || allocated == 0 {
		return errors.New("failed to allocate output buffers")
	}
	d.outputQueue.reset(allocated)
	if err := d.dev.StreamOn(v4l2.BufTypeVideoCapture); err != nil {
		return err
	}

	d.tryFetchVideoFrameLocked(ctx)
	return nil
}

// numOutputBuffersLocked asks the driver for its minimum plus this core's
// pipelining margin, mirroring V4L2Decoder::getNumOutputBuffers.
func (d *Decoder) numOutputBuffersLocked() (int, error) {
	min, err := d.dev.MinBuffersForCapture()
	if err != nil {
		return 0, err
	}
	return min + numExtraOutputBuffers, nil
}

// tryFetchVideoFrameLocked asks the frame pool for a new output block
// whenever the output queue has a free slot, mirroring
// V4L2Decoder::tryFetchVideoFrame.
func (d *Decoder) tryFetchVideoFrameLocked(ctx context.Context) {
	if d.pool == nil {
		logger.Errorf(ctx, "tryFetchVideoFrame called with no frame pool configured")
		d.onErrorLocked(ctx)
		return
	}
	if d.outputQueue.freeCount() == 0 {
		return
	}
	if d.poolRequestInFlight {
		return
	}

	d.poolRequestInFlight = true
	d.pool.Request(ctx, int(d.codedWidth), int(d.codedHeight), func(frame *framepool.Frame, err error) {
		d.locker.Do(ctx, func() {
			d.poolRequestInFlight = false
			d.onVideoFrameReadyLocked(ctx, frame, err)
		})
	})
}

// onVideoFrameReadyLocked assigns a pool-provided frame to a V4L2 output
// slot — reusing the same slot on repeat sight of the same frame, the
// blockId-to-V4L2-id stability a block-id-to-buffer-slot map enforces —
// and queues it to the driver.
func (d *Decoder) onVideoFrameReadyLocked(ctx context.Context, frame *framepool.Frame, err error) {
	if err != nil || frame == nil {
		logger.Errorf(ctx, "frame pool allocation failed: %v", err)
		d.onErrorLocked(ctx)
		return
	}

	var slot uint32
	if existing, ok := d.blockIDToV4L2ID[frame]; ok {
		ok := d.outputQueue.take(existing)
		assert.True(ctx, ok, "v4l2 output slot for a known frame is not free", existing)
		slot = existing
	} else if len(d.blockIDToV4L2ID) < d.outputQueue.allocatedCount() {
		s, ok := d.outputQueue.takeAny()
		assert.True(ctx, ok, "no free output slot despite room under allocatedCount")
		d.blockIDToV4L2ID[frame] = s
		slot = s
	} else {
		logger.Errorf(ctx, "frame pool handed out more distinct blocks than allocated V4L2 buffers")
		d.onErrorLocked(ctx)
		return
	}

	_, already := d.frameAtDevice[slot]
	assert.True(ctx, !already, "v4l2 output slot already has a frame enqueued", slot)
	if len(frame.DMABuf.FDs) == 0 {
		logger.Errorf(ctx, "pool frame has no backing fd")
		d.onErrorLocked(ctx)
		return
	}
	if err := d.dev.QueueOutputBuffer(slot, frame.DMABuf.FDs[0]); err != nil {
		logger.Errorf(ctx, "QBUF to output queue failed (slot=%d): %v", slot, err)
		d.onErrorLocked(ctx)
		return
	}
	d.frameAtDevice[slot] = frame

	d.tryFetchVideoFrameLocked(ctx)
}
