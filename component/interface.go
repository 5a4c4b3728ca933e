package component

import "github.com/xaionaro-go/v4l2codec2/types"

// Interface is the static, queryable description of a Component instance:
// parameters, supported codecs, output delay, input buffer size, block
// pool id, queryable color aspects.
type Interface struct {
	Name            string
	Codec           types.Codec
	OutputDelay     int
	InputBufferSize int
	BlockPoolID     int
	IsSecure        bool
}

// SupportedCodecs lists every compressed format this core's Decoder can
// drive the device interface for.
func SupportedCodecs() []types.Codec {
	return []types.Codec{types.CodecH264, types.CodecVP8, types.CodecVP9, types.CodecHEVC}
}

// Interface returns the Component's static interface object. Safe to call
// in any state, including after Release.
func (c *Component) Interface() Interface {
	return c.iface
}
