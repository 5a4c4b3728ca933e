// Package component implements the work-item coordinator side of the
// decode pipeline: a state machine over client-submitted work items that
// owns a decoder.Decoder, reconstructs output in display order, and
// reports finished work to a client types.Listener.
//
// Translated the same way the decoder package translates its device task
// sequence: a single decoder task sequence becomes an xsync.Mutex-guarded
// method set (c.locker), the same pattern used elsewhere in this tree for
// a non-reentrant codec context. Unlike the Decoder's synchronous inline callbacks,
// Component's callbacks from the Decoder are re-dispatched onto the
// Component's own sequence via observability.Go before touching any
// Component field — the Decoder's callback may fire while the Decoder's
// own lock is held, and a Component task may itself call back into the
// Decoder, so the two sequences are kept strictly decoupled to avoid a
// same-goroutine re-lock.
package component

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/v4l2codec2/decoder"
	"github.com/xaionaro-go/v4l2codec2/framepool"
	"github.com/xaionaro-go/v4l2codec2/internal/v4l2"
	"github.com/xaionaro-go/v4l2codec2/logger"
	"github.com/xaionaro-go/v4l2codec2/status"
	"github.com/xaionaro-go/v4l2codec2/types"
	"github.com/xaionaro-go/typing"
)

// Params are the construction-time parameters for a single Component
// instance.
type Params struct {
	Name            string
	Codec           types.Codec
	InputBufferSize int
	BlockPoolID     int
	Device          v4l2.DeviceAPI
	Pool            framepool.Allocator
}

// decoderHandle is the slice of *decoder.Decoder the Component actually
// calls. Depending on the interface rather than the concrete type keeps the
// Decoder's real background device-polling loop out of the Component's own
// unit tests, which drive decode/output completion synchronously instead.
type decoderHandle interface {
	Decode(ctx context.Context, buffer *types.InputBuffer, bitstreamID int32, cb decoder.DecodeCB)
	Drain(ctx context.Context, cb decoder.DecodeCB)
	Flush(ctx context.Context)
	Close(ctx context.Context) error
}

var _ decoderHandle = (*decoder.Decoder)(nil)

// Component is the work-item coordinator. The zero value is not usable;
// construct with New.
type Component struct {
	iface  Interface
	cfg    Config
	params Params

	// startStopMu serializes Start/Stop/Reset/Release against each
	// other, independent of the
	// sequence lock below.
	startStopMu sync.Mutex

	// state is read lock-free from arbitrary caller threads; all writes happen
	// under startStopMu or c.locker.
	state atomic.Int32

	released atomic.Bool

	// locker is the decoder task sequence: every method suffixed
	// "Locked" runs under it.
	locker xsync.Mutex

	listener types.Listener

	dec decoderHandle
	// bgCtx outlives any single public-method call; it is what
	// decoder callbacks and their re-dispatch onto c.locker run under,
	// detached from a caller's cancellation the way pipeline.go detaches
	// its children's context from Serve's caller.
	bgCtx       context.Context
	bgCtxCancel context.CancelFunc

	isDraining     bool
	pendingWorks   []*types.Work
	worksAtDecoder map[types.BitstreamID]*types.Work
	outputOrder    []types.BitstreamID

	isSecure             bool
	currentColorAspects  typing.Optional[types.ColorAspects]
	pendingChangeFrom    typing.Optional[uint64]
	lastFrameIndex       uint64
}

// New constructs a Component, checking the per-process instance cap.
// The Component starts in StateStopped; call Start to bring its Decoder up.
func New(ctx context.Context, cfg Config, params Params) (*Component, error) {
	if !acquireInstanceSlot(cfg) {
		return nil, status.New(status.BadState, "max concurrent component instances (%d) reached", cfg.MaxConcurrentInstances)
	}

	isSecure := strings.Contains(params.Name, ".secure")
	c := &Component{
		cfg:            cfg,
		params:         params,
		isSecure:       isSecure,
		worksAtDecoder: make(map[types.BitstreamID]*types.Work),
		iface: Interface{
			Name:            params.Name,
			Codec:           params.Codec,
			OutputDelay:     outputDelayByCodec[params.Codec],
			InputBufferSize: params.InputBufferSize,
			BlockPoolID:     params.BlockPoolID,
			IsSecure:        isSecure,
		},
	}
	c.state.Store(int32(StateStopped))
	logger.Debugf(ctx, "component %q created (codec=%v secure=%v)", params.Name, params.Codec, isSecure)
	return c, nil
}

// State returns the Component's current state. Safe to call from any
// goroutine without joining the sequence.
func (c *Component) State() State {
	return State(c.state.Load())
}

// Start brings the Component from Stopped to Running: opens the Decoder
// and, for non-secure H.264 instances, seeds a definite (if unspecified) default
// color aspects value. Synchronous.
func (c *Component) Start(ctx context.Context) error {
	c.startStopMu.Lock()
	defer c.startStopMu.Unlock()

	if c.released.Load() {
		return status.New(status.BadState, "component released")
	}
	if State(c.state.Load()) != StateStopped {
		return status.New(status.BadState, "start: component is %v, not Stopped", State(c.state.Load()))
	}

	bgCtx, cancel := context.WithCancel(xcontext.DetachDone(ctx))
	// Bind bgCtx before Create so the background service loop it starts
	// internally can never observe a callback racing an unset c.bgCtx.
	c.bgCtx, c.bgCtxCancel = bgCtx, cancel

	dec, err := decoder.Create(
		bgCtx,
		c.params.Codec,
		c.params.InputBufferSize,
		minOutputBuffers(c.params.Codec),
		c.params.Device,
		c.params.Pool,
		c.outputCB,
		c.errorCB,
	)
	if err != nil {
		cancel()
		return status.New(status.BadState, "starting decoder: %v", err)
	}

	c.dec = dec
	c.pendingWorks = nil
	c.worksAtDecoder = make(map[types.BitstreamID]*types.Work)
	c.outputOrder = nil
	c.isDraining = false
	c.lastFrameIndex = 0
	c.pendingChangeFrom = typing.Optional[uint64]{}
	if !c.isSecure && c.params.Codec == types.CodecH264 {
		c.currentColorAspects = typing.Opt(types.ColorAspects{})
	} else {
		c.currentColorAspects = typing.Optional[types.ColorAspects]{}
	}

	c.state.Store(int32(StateRunning))
	logger.Infof(ctx, "component %q started", c.params.Name)
	return nil
}

// Stop tears the Decoder down after flushing every outstanding work
// (reported with NotFound). Reset is an alias. Legal to
// call when already Stopped (returns BadState, no corruption).
func (c *Component) Stop(ctx context.Context) error {
	c.startStopMu.Lock()
	defer c.startStopMu.Unlock()
	return c.stopLocked(ctx)
}

// Reset is an alias for Stop.
func (c *Component) Reset(ctx context.Context) error {
	return c.Stop(ctx)
}

func (c *Component) stopLocked(ctx context.Context) error {
	if c.released.Load() {
		return status.New(status.BadState, "component released")
	}
	st := State(c.state.Load())
	if st != StateRunning && st != StateError {
		return status.New(status.BadState, "stop: component is %v", st)
	}

	c.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		c.flushTaskLocked(ctx)
	})
	if err := c.dec.Close(ctx); err != nil {
		logger.Errorf(ctx, "closing decoder during stop: %v", err)
	}
	if c.bgCtxCancel != nil {
		c.bgCtxCancel()
	}
	c.dec = nil
	c.state.Store(int32(StateStopped))
	logger.Infof(ctx, "component %q stopped", c.params.Name)
	return nil
}

// Release tears the Component down permanently, freeing its instance slot.
// Idempotent: a second Release is a harmless BadState.
func (c *Component) Release(ctx context.Context) error {
	c.startStopMu.Lock()
	defer c.startStopMu.Unlock()

	if c.released.Swap(true) {
		return status.New(status.BadState, "component already released")
	}

	st := State(c.state.Load())
	if st == StateRunning || st == StateError {
		_ = c.stopLocked(ctx)
	}
	c.state.Store(int32(StateReleased))
	releaseInstanceSlot()
	logger.Infof(ctx, "component %q released", c.params.Name)
	return nil
}

// SetListener installs the client's result listener. While Running,
// mayBlock must be true or Blocking is returned.
func (c *Component) SetListener(ctx context.Context, listener types.Listener, mayBlock bool) error {
	if State(c.state.Load()) == StateRunning && !mayBlock {
		return status.New(status.Blocking, "setListener requires may_block while running")
	}
	c.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		c.listener = listener
	})
	return nil
}

// Queue validates the current state and posts items to the sequence
// asynchronously.
func (c *Component) Queue(ctx context.Context, works []*types.Work) error {
	if State(c.state.Load()) != StateRunning {
		return status.New(status.BadState, "queue: component is %v", State(c.state.Load()))
	}
	bgCtx := c.bgCtx
	observability.Go(ctx, func(ctx context.Context) {
		c.locker.Do(bgCtx, func() {
			c.queueTaskLocked(bgCtx, works)
		})
	})
	return nil
}

// Drain implements drain(mode). CHAIN is unsupported;
// COMPONENT_NO_EOS is a documented no-op; COMPONENT_WITH_EOS synthesizes a
// bare EOS work item and feeds it through the normal submission pipeline,
// so it is reported exactly like a client-supplied EOS work.
func (c *Component) Drain(ctx context.Context, mode DrainMode) error {
	switch mode {
	case DrainChain:
		return status.New(status.Omitted, "chained drain is not supported")
	case DrainComponentNoEOS:
		return nil
	case DrainComponentWithEOS:
		if State(c.state.Load()) != StateRunning {
			return status.New(status.BadState, "drain: component is %v", State(c.state.Load()))
		}
		bgCtx := c.bgCtx
		observability.Go(ctx, func(ctx context.Context) {
			c.locker.Do(bgCtx, func() {
				idx := c.lastFrameIndex + 1
				eos := &types.Work{Ordinal: types.Ordinal{FrameIndex: idx, Timestamp: idx}, Flags: types.FlagEndOfStream}
				c.queueTaskLocked(bgCtx, []*types.Work{eos})
			})
		})
		return nil
	default:
		return status.New(status.Omitted, "unknown drain mode %v", mode)
	}
}

// Flush implements flush(mode, out_flushed). Only
// FlushComponent is supported; abandoned works are reported via the
// listener, so out_flushed is not modeled.
func (c *Component) Flush(ctx context.Context, mode FlushMode) error {
	if mode != FlushComponent {
		return status.New(status.Omitted, "flush mode %v is not supported", mode)
	}
	if State(c.state.Load()) != StateRunning {
		return status.New(status.BadState, "flush: component is %v", State(c.state.Load()))
	}
	bgCtx := c.bgCtx
	observability.Go(ctx, func(ctx context.Context) {
		c.locker.Do(xsync.WithNoLogging(bgCtx, true), func() {
			c.flushTaskLocked(bgCtx)
		})
	})
	return nil
}

// Announce is not supported.
func (c *Component) Announce(ctx context.Context) error {
	return status.New(status.Omitted, "announce is not supported")
}
