// Package framepool provides the async output-frame allocator the Decoder
// asks for new CAPTURE-side buffers through. Allocation is modeled as
// request/response with a completion callback rather than a blocking call,
// because the real allocator (a graphics-buffer/DMA-buf exporter) can need
// to round-trip to another process; the Decoder must keep servicing other
// device events while a request is outstanding.
//
// A generic sync.Pool wrapper handing back an already-available *T
// synchronously doesn't fit a resource that may not exist yet — frame pool
// growth can require allocating new backing memory — so this package is a
// from-scratch async Request/callback allocator instead, using the same
// observability.Go-dispatched async bookkeeping pattern used elsewhere in
// this tree for off-sequence work.
package framepool

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/v4l2codec2/dmabuf"
	"github.com/xaionaro-go/v4l2codec2/logger"
)

// Frame is one pool-owned output buffer.
type Frame struct {
	DMABuf dmabuf.Handle
	Width  int
	Height int

	pool *Pool
}

// Release returns the frame to its owning pool for reuse. It is safe to
// call at most once per frame. Neither the decoder nor the component
// package calls it; a frame returns to the pool only when its holder calls
// Release explicitly.
func (f *Frame) Release() {
	if f == nil || f.pool == nil {
		return
	}
	f.pool.release(f)
}

// Allocator is the narrow seam the Decoder depends on, so tests can supply
// a synchronous fake without a real buffer exporter; the frame pool is
// treated as an external dependency.
type Allocator interface {
	// Request asks for a frame of the given dimensions. done is invoked
	// exactly once, from some goroutine, with either a frame or an error.
	// Only one Request may be outstanding at a time per Allocator, matching
	// the real exporter's single-request-in-flight behavior.
	Request(ctx context.Context, width, height int, done func(*Frame, error))
}

// Pool is the default Allocator: an in-process simulation of an external
// buffer exporter, handing out Frame values backed by simple fd placeholders.
// A real deployment would replace this with a client to the platform's
// actual graphics-buffer allocator; this core treats that allocator as
// external, so Pool exists to make the rest of the tree exercisable
// without one.
type Pool struct {
	mu       sync.Mutex
	free     []*Frame
	nextFD   int
	inFlight bool
}

func New() *Pool {
	return &Pool{nextFD: 1}
}

// Request implements Allocator. It runs the (simulated) allocation on its
// own goroutine via observability.Go, the same non-blocking dispatch
// pattern used elsewhere in this tree to keep bookkeeping off of
// latency-sensitive paths.
func (p *Pool) Request(ctx context.Context, width, height int, done func(*Frame, error)) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		done(nil, fmt.Errorf("framepool: a request is already in flight"))
		return
	}
	p.inFlight = true

	for i, f := range p.free {
		if f.Width == width && f.Height == height {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.inFlight = false
			p.mu.Unlock()
			logger.Tracef(ctx, "framepool: reused frame %dx%d", width, height)
			done(f, nil)
			return
		}
	}
	p.mu.Unlock()

	observability.Go(ctx, func(ctx context.Context) {
		fd := p.allocFD()
		frame := &Frame{
			DMABuf: dmabuf.Handle{FDs: []int{fd}},
			Width:  width,
			Height: height,
			pool:   p,
		}
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
		logger.Tracef(ctx, "framepool: allocated new frame %dx%d fd=%d", width, height, fd)
		done(frame, nil)
	})
}

func (p *Pool) allocFD() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFD
	p.nextFD++
	return fd
}

func (p *Pool) release(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, f)
}
