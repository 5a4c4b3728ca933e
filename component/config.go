package component

import (
	"go.uber.org/atomic"

	"github.com/xaionaro-go/v4l2codec2/types"
)

// Config is constructed once per process and read-only thereafter, matching
// an init-once configuration read.
type Config struct {
	// MaxConcurrentInstances caps how many Components may exist at once in
	// this process (created by New and not yet Released). -1 means unlimited, matching the
	// ro.vendor.v4l2_codec2.decode_concurrent_instances system property.
	MaxConcurrentInstances int32
}

// concurrentInstances is the only process-wide state this package keeps: an
// atomic counter checked against Config.MaxConcurrentInstances on every
// New, released on Release.
var concurrentInstances atomic.Int32

// acquireInstanceSlot atomically checks-and-increments the instance
// counter, mirroring a mutex+atomic-counter creation gate. Returns false
// if the cap is already reached.
func acquireInstanceSlot(cfg Config) bool {
	if cfg.MaxConcurrentInstances < 0 {
		concurrentInstances.Inc()
		return true
	}
	for {
		cur := concurrentInstances.Load()
		if cur >= cfg.MaxConcurrentInstances {
			return false
		}
		if concurrentInstances.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func releaseInstanceSlot() {
	concurrentInstances.Dec()
}

// Per-codec output delay (frames the decoder may hold before the first
// output becomes available, e.g. B-frame reordering for H.264), folded
// into minOutputBuffers alongside fixed smoothness/rendering margins.
const (
	smoothnessFactor                = 4
	renderingDepth                  = 3
	extraNumOutputBuffersForDecoder = 2
)

var outputDelayByCodec = map[types.Codec]int{
	types.CodecH264: 16,
	types.CodecHEVC: 16,
	types.CodecVP8:  0,
	types.CodecVP9:  0,
}

// minOutputBuffers computes the minimum number of output buffers the
// interface should advertise for codec: a fixed smoothness/rendering/decoder
// margin plus however many frames the codec may hold back for reordering.
func minOutputBuffers(codec types.Codec) int {
	return smoothnessFactor + renderingDepth + extraNumOutputBuffersForDecoder + outputDelayByCodec[codec]
}
