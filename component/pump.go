package component

import (
	"context"
	"sort"

	"github.com/xaionaro-go/observability"

	"github.com/xaionaro-go/v4l2codec2/decoder"
	"github.com/xaionaro-go/v4l2codec2/internal/assert"
	"github.com/xaionaro-go/v4l2codec2/nalcolor"
	"github.com/xaionaro-go/v4l2codec2/status"
	"github.com/xaionaro-go/v4l2codec2/types"
	"github.com/xaionaro-go/typing"
)

// queueTaskLocked validates and admits works, then drives the pump.
// Work's own shape already rules out "more than one worklet" / "more than
// one input buffer" malformations: a *types.Work carries exactly one of
// each by construction, so the only runtime-checkable malformation left is
// an empty input buffer on a work that is neither EOS nor CSD.
func (c *Component) queueTaskLocked(ctx context.Context, works []*types.Work) {
	for _, w := range works {
		if w.IsEmpty() && !w.IsEOS() && !w.IsCodecConfig() {
			w.Result = status.Corrupted
			c.reportWorkLocked(ctx, w)
			c.reportErrorLocked(ctx, status.Corrupted)
			continue
		}
		w.Normalize()
		if w.Ordinal.FrameIndex > c.lastFrameIndex {
			c.lastFrameIndex = w.Ordinal.FrameIndex
		}
		c.pendingWorks = append(c.pendingWorks, w)
	}
	c.pumpPendingLocked(ctx)
}

// pumpPendingLocked feeds pendingWorks into the Decoder for as long as the
// Component is Running and not draining. A
// bare EOS work stops the pump immediately: draining excludes any further
// admission until report_eos resumes it.
func (c *Component) pumpPendingLocked(ctx context.Context) {
	for c.State() == StateRunning && !c.isDraining && len(c.pendingWorks) > 0 {
		w := c.pendingWorks[0]
		c.pendingWorks = c.pendingWorks[1:]

		id := w.BitstreamID()
		c.worksAtDecoder[id] = w

		switch {
		case !w.IsEmpty():
			if w.IsCodecConfig() && c.params.Codec == types.CodecH264 && !c.isSecure {
				if aspects, ok := nalcolor.FindColorAspects(w.InputBuffer.Bytes); ok {
					c.currentColorAspects = typing.Opt(aspects)
					c.pendingChangeFrom = typing.Opt(w.Ordinal.FrameIndex)
				}
			}
			bitstreamID := int32(id)
			c.dec.Decode(c.bgCtx, w.InputBuffer, bitstreamID, c.onDecodeDoneCB(id))
		case w.IsEOS():
			c.isDraining = true
			c.dec.Drain(c.bgCtx, c.onDrainDoneCB())
		case w.IsCodecConfig():
			c.outputOrder = append(c.outputOrder, id)
			c.pumpReportLocked(ctx)
		default:
			assert.True(ctx, false, "empty work that is neither EOS nor CSD reached pumpPendingLocked")
		}
	}
}

// onDecodeDoneCB adapts a single decode request's outcome into a locked
// callback re-dispatched onto the Component's own sequence (see
// component.go's package doc for why this hop is required).
func (c *Component) onDecodeDoneCB(id types.BitstreamID) decoder.DecodeCB {
	return func(ds types.DecodeStatus) {
		observability.Go(c.bgCtx, func(ctx context.Context) {
			c.locker.Do(ctx, func() {
				c.onDecodeDoneLocked(ctx, id, ds)
			})
		})
	}
}

// onDrainDoneCB adapts the drain request's outcome the same way.
func (c *Component) onDrainDoneCB() decoder.DecodeCB {
	return func(ds types.DecodeStatus) {
		observability.Go(c.bgCtx, func(ctx context.Context) {
			c.locker.Do(ctx, func() {
				switch ds {
				case types.DecodeOK:
					c.reportEOSLocked(ctx)
				case types.DecodeAborted:
					// flushTaskLocked already abandoned every work; nothing
					// left to do here.
				case types.DecodeError:
					c.reportErrorLocked(ctx, status.Corrupted)
				}
			})
		})
	}
}

// onDecodeDoneLocked implements on_decode_done.
func (c *Component) onDecodeDoneLocked(ctx context.Context, id types.BitstreamID, ds types.DecodeStatus) {
	w, ok := c.worksAtDecoder[id]
	if !ok {
		// The work was already abandoned by a flush; the Decoder's
		// callback racing that abandonment is expected, not an error.
		return
	}

	switch ds {
	case types.DecodeOK:
		w.InputBuffer.Release()
		w.InputBuffer = nil
		if w.IsCodecConfig() {
			c.outputOrder = append(c.outputOrder, id)
		}
		c.pumpReportLocked(ctx)
	case types.DecodeAborted:
		w.InputBuffer.Release()
		w.InputBuffer = nil
		w.Worklet.Flags |= types.FlagDropFrame
		w.Result = status.Aborted
		c.outputOrder = append(c.outputOrder, id)
		c.pumpReportLocked(ctx)
	case types.DecodeError:
		c.reportErrorLocked(ctx, status.Corrupted)
	}
}

// onOutputFrameReadyLocked implements on_output_frame_ready.
func (c *Component) onOutputFrameReadyLocked(ctx context.Context, frame decoder.DecodedFrame) {
	id := types.BitstreamID(frame.BitstreamID)
	w, ok := c.worksAtDecoder[id]
	if !ok {
		c.reportErrorLocked(ctx, status.Corrupted)
		return
	}

	w.Worklet.OutputBuffer = &types.OutputFrame{
		DMABuf:  frame.Frame.DMABuf,
		Width:   frame.Frame.Width,
		Height:  frame.Frame.Height,
		VisRect: frame.VisRect,
	}
	if c.pendingChangeFrom.IsSet() && w.Ordinal.FrameIndex >= c.pendingChangeFrom.Get() {
		c.pendingChangeFrom = typing.Optional[uint64]{}
	}
	if c.currentColorAspects.IsSet() {
		w.Worklet.ColorAspects = typing.Opt(c.currentColorAspects.Get())
	}

	if c.params.Codec.IsNoShowFrameCodec() {
		c.detectNoShowFrameWorksLocked(ctx, w.Ordinal)
	}

	c.outputOrder = append(c.outputOrder, id)
	c.pumpReportLocked(ctx)
}

// detectNoShowFrameWorksLocked implements the no-show-frame sweep: every
// work still waiting on output that predates currOrdinal and
// is not itself EOS/CSD/already-dropped is marked DropFrame and queued for
// reporting, in ordinal order so reporting stays display-ordered.
func (c *Component) detectNoShowFrameWorksLocked(ctx context.Context, currOrdinal types.Ordinal) {
	var dropped []types.BitstreamID
	for id, w := range c.worksAtDecoder {
		if w.IsNoShowFrame(currOrdinal) {
			w.Worklet.Flags |= types.FlagDropFrame
			dropped = append(dropped, id)
		}
	}
	if len(dropped) == 0 {
		return
	}
	sort.Slice(dropped, func(i, j int) bool {
		return c.worksAtDecoder[dropped[i]].Ordinal.FrameIndex < c.worksAtDecoder[dropped[j]].Ordinal.FrameIndex
	})
	c.outputOrder = append(c.outputOrder, dropped...)
	c.pumpReportLocked(ctx)
}

// pumpReportLocked implements pump_report/report_if_finished:
// drain outputOrder FIFO, stopping at the first work that is not yet done.
func (c *Component) pumpReportLocked(ctx context.Context) {
	for len(c.outputOrder) > 0 {
		id := c.outputOrder[0]
		w, ok := c.worksAtDecoder[id]
		if !ok {
			// Already reported (e.g. abandoned by a flush racing this
			// pump); drop the stale entry and keep going.
			c.outputOrder = c.outputOrder[1:]
			continue
		}
		if !w.IsDone() {
			return
		}
		c.outputOrder = c.outputOrder[1:]
		delete(c.worksAtDecoder, id)
		if w.Result == 0 {
			w.Result = status.OK
		}
		c.reportWorkLocked(ctx, w)
	}
}

// reportEOSLocked implements report_eos: the sole surviving
// work in worksAtDecoder once the Decoder confirms drain completion is the
// EOS work, reported on its own, after which pumping resumes.
func (c *Component) reportEOSLocked(ctx context.Context) {
	var eosID types.BitstreamID
	var eosWork *types.Work
	for id, w := range c.worksAtDecoder {
		if w.IsEOS() {
			eosID, eosWork = id, w
			break
		}
	}
	if eosWork == nil {
		assert.True(ctx, false, "drain completed with no EOS work pending")
		return
	}
	delete(c.worksAtDecoder, eosID)

	if len(c.worksAtDecoder) > 0 {
		c.reportAbandonedWorksLocked(ctx, status.NotFound)
	}

	eosWork.Worklet.Flags = types.FlagEndOfStream
	eosWork.Result = status.OK
	c.isDraining = false
	c.reportWorkLocked(ctx, eosWork)
	c.pumpPendingLocked(ctx)
}

// reportWorkLocked emits a single finished work to the listener. Listener
// callbacks run synchronously on the sequence, since every
// caller of this method already holds c.locker.
func (c *Component) reportWorkLocked(ctx context.Context, w *types.Work) {
	w.Worklet.Flags &^= types.FlagDropFrame
	if c.listener != nil {
		c.listener.OnWorkDone(ctx, []*types.Work{w})
	}
}

// flushTaskLocked implements flush_task: synchronously flush
// the Decoder, then abandon every outstanding work with NotFound.
func (c *Component) flushTaskLocked(ctx context.Context) {
	if c.dec != nil {
		c.dec.Flush(ctx)
	}
	c.reportAbandonedWorksLocked(ctx, status.NotFound)
	c.isDraining = false
}

// reportAbandonedWorksLocked reports every pending and in-flight work with
// code in a single batch, so a flush emits all abandoned work to the
// listener together.
func (c *Component) reportAbandonedWorksLocked(ctx context.Context, code status.Code) {
	var abandoned []*types.Work
	for _, w := range c.pendingWorks {
		w.InputBuffer.Release()
		w.InputBuffer = nil
		w.Result = code
		abandoned = append(abandoned, w)
	}
	c.pendingWorks = nil

	for id, w := range c.worksAtDecoder {
		w.InputBuffer.Release()
		w.InputBuffer = nil
		w.Result = code
		abandoned = append(abandoned, w)
		delete(c.worksAtDecoder, id)
	}
	c.outputOrder = nil

	if len(abandoned) == 0 {
		return
	}
	sort.Slice(abandoned, func(i, j int) bool {
		return abandoned[i].Ordinal.FrameIndex < abandoned[j].Ordinal.FrameIndex
	})
	if c.listener != nil {
		c.listener.OnWorkDone(ctx, abandoned)
	}
}

// reportErrorLocked implements the error path: transition to
// Error once, and notify the listener every time (idempotent transition,
// so duplicate device error events are tolerated rather than rejected).
func (c *Component) reportErrorLocked(ctx context.Context, code status.Code) {
	c.state.Store(int32(StateError))
	if c.listener != nil {
		c.listener.OnError(ctx, code)
	}
}

// outputCB adapts the Decoder's OutputCB into a locked callback.
func (c *Component) outputCB(ctx context.Context, frame decoder.DecodedFrame) {
	observability.Go(ctx, func(ctx context.Context) {
		c.locker.Do(c.bgCtx, func() {
			c.onOutputFrameReadyLocked(ctx, frame)
		})
	})
}

// errorCB adapts the Decoder's ErrorCB into a locked callback.
func (c *Component) errorCB(ctx context.Context) {
	observability.Go(ctx, func(ctx context.Context) {
		c.locker.Do(c.bgCtx, func() {
			c.reportErrorLocked(ctx, status.Corrupted)
		})
	})
}
