package types

import (
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/v4l2codec2/dmabuf"
	"github.com/xaionaro-go/v4l2codec2/status"
)

// InputBuffer is the linear compressed-bytes buffer a work item carries in.
// A work item with no compressed payload (bare EOS or empty CSD) is
// represented by a nil *InputBuffer, the same value a released input
// buffer leaves behind, so IsDone treats the two alike.
type InputBuffer struct {
	Bytes  []byte
	Offset int
	Size   int
	DMABuf dmabuf.Handle
}

// Release drops the buffer's ownership of its backing DMA-buf handle. A
// work item's input buffer is released exactly once, before the work is
// reported.
func (b *InputBuffer) Release() {
	if b == nil {
		return
	}
	b.DMABuf.Close()
	b.Bytes = nil
}

// OutputFrame is the minimal view the Component needs of a decoded frame:
// enough to wrap it as the worklet's output buffer and stamp it with the
// aspects known at the time it arrived.
type OutputFrame struct {
	DMABuf  dmabuf.Handle
	Width   int
	Height  int
	VisRect Rect
}

// Rect is a visible-rectangle within a coded-size frame, left/top inclusive, right/bottom exclusive.
type Rect struct {
	Left, Top, Right, Bottom int
}

func (r Rect) IsEmpty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

func (r Rect) ContainedIn(codedWidth, codedHeight int) bool {
	return r.Left >= 0 && r.Top >= 0 && r.Right <= codedWidth && r.Bottom <= codedHeight
}

// Worklet describes one expected output slot of a work item. data
// model allows "zero or one output buffer, optional attached info"; we model
// the optional output buffer as a nilable pointer and the optional color
// aspects as typing.Optional, matching the style the corpus uses for
// genuinely-absent-until-queried values.
type Worklet struct {
	Flags        FrameFlags
	Ordinal      Ordinal
	OutputBuffer *OutputFrame
	ColorAspects typing.Optional[ColorAspects]
}

// Work is a single unit of client submission.
type Work struct {
	Ordinal     Ordinal
	Flags       FrameFlags
	InputBuffer *InputBuffer // nil once released, or if the work never carried one
	Worklet     Worklet

	// Result is the per-work outcome stamped on just before it is reported
	// to the listener. Its zero
	// value is status.Code's unset placeholder, never status.OK, so a work
	// reported without an explicit Result assignment is never mistaken for
	// a successful one.
	Result status.Code

	// bitstreamID caches BitstreamIDFromFrameIndex(Ordinal.FrameIndex) so
	// every caller derives the same correlation token consistently.
	bitstreamID BitstreamID
	hasID       bool
}

// BitstreamID returns (and memoizes) this work's correlation token.
func (w *Work) BitstreamID() BitstreamID {
	if !w.hasID {
		w.bitstreamID = BitstreamIDFromFrameIndex(w.Ordinal.FrameIndex)
		w.hasID = true
	}
	return w.bitstreamID
}

func (w *Work) IsEOS() bool        { return w.Flags.Has(FlagEndOfStream) }
func (w *Work) IsCodecConfig() bool { return w.Flags.Has(FlagCodecConfig) }

// IsEmpty reports whether this work carries no compressed payload.
func (w *Work) IsEmpty() bool {
	return w.InputBuffer == nil
}

// Normalize resets the worklet's output the way queueTask does: clear flags/buffer, copy the input ordinal across, so the
// done-check (isWorkDone) has a uniform shape to inspect regardless of
// whether the caller supplied an input buffer.
func (w *Work) Normalize() {
	w.Worklet.Flags = FlagNone
	w.Worklet.OutputBuffer = nil
	w.Worklet.Ordinal = w.Ordinal
}

// IsDone reports whether this work is finished: released input, and
// either an output buffer arrived, or the work is CSD, or it was marked
// DropFrame (aborted / no-show).
func (w *Work) IsDone() bool {
	inputReleased := w.InputBuffer == nil
	ignoreOutput := w.IsCodecConfig() || w.Worklet.Flags.Has(FlagDropFrame)
	return inputReleased && (w.Worklet.OutputBuffer != nil || ignoreOutput)
}

// IsNoShowFrame implements isNoShowFrameWork: w predates currOrdinal, has no
// output yet, and is not itself EOS/CSD/already-dropped.
func (w *Work) IsNoShowFrame(currOrdinal Ordinal) bool {
	special := w.IsEOS() || w.IsCodecConfig() || w.Worklet.Flags.Has(FlagDropFrame)
	return w.Ordinal.Less(currOrdinal) && w.Worklet.OutputBuffer == nil && !special
}
