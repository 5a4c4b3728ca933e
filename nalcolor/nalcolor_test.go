package nalcolor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindColorAspectsNoSPS(t *testing.T) {
	t.Parallel()

	_, ok := FindColorAspects([]byte{0x00, 0x00, 0x01, 0x41, 0xde, 0xad})
	require.False(t, ok)
}

func TestFindColorAspectsEmpty(t *testing.T) {
	t.Parallel()

	_, ok := FindColorAspects(nil)
	require.False(t, ok)
}

// buildSPS hand-assembles a minimal baseline-profile SPS RBSP carrying a
// VUI colour description, bit by bit, so the parser has a realistic frame
// to walk without needing a real encoder in the test tree.
func buildSPS(primaries, transfer, matrix uint8, fullRange bool) []byte {
	w := newBitWriter()
	w.putBits(66, 8) // profile_idc: Baseline (not a "high" profile)
	w.putBits(0, 8)  // constraint flags + reserved
	w.putBits(30, 8) // level_idc
	w.putUE(0)       // seq_parameter_set_id
	w.putUE(4)       // log2_max_frame_num_minus4
	w.putUE(0)       // pic_order_cnt_type == 0
	w.putUE(4)       // log2_max_pic_order_cnt_lsb_minus4
	w.putUE(1)       // max_num_ref_frames
	w.putBit(0)      // gaps_in_frame_num_value_allowed_flag
	w.putUE(119)     // pic_width_in_mbs_minus1 (1920/16 - 1)
	w.putUE(67)      // pic_height_in_map_units_minus1 (1088/16 - 1)
	w.putBit(1)      // frame_mbs_only_flag
	w.putBit(0)      // direct_8x8_inference_flag
	w.putBit(0)      // frame_cropping_flag
	w.putBit(1)      // vui_parameters_present_flag

	w.putBit(0) // aspect_ratio_info_present_flag
	w.putBit(0) // overscan_info_present_flag
	w.putBit(1) // video_signal_type_present_flag
	w.putBits(5, 3) // video_format
	if fullRange {
		w.putBit(1)
	} else {
		w.putBit(0)
	}
	w.putBit(1) // colour_description_present_flag
	w.putBits(uint32(primaries), 8)
	w.putBits(uint32(transfer), 8)
	w.putBits(uint32(matrix), 8)

	return escapeRBSP(w.bytes())
}

// escapeRBSP is the test helper's inverse of unescapeRBSP, inserting
// emulation prevention bytes so round-tripping through locateSPS's
// unescape step is exercised too.
func escapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+4)
	zeroRun := 0
	for _, b := range rbsp {
		if zeroRun >= 2 && b <= 3 {
			out = append(out, 0x03)
			zeroRun = 0
		}
		out = append(out, b)
		if b == 0 {
			zeroRun++
		} else {
			zeroRun = 0
		}
	}
	return out
}

func annexB(nalUnitType byte, rbsp []byte) []byte {
	out := []byte{0x00, 0x00, 0x00, 0x01, nalUnitType}
	return append(out, rbsp...)
}

func TestFindColorAspectsParsesVUI(t *testing.T) {
	t.Parallel()

	sps := buildSPS(1, 1, 1, true) // BT.709 everything, full range
	stream := annexB(nalTypeSPS, sps)

	aspects, ok := FindColorAspects(stream)
	require.True(t, ok)
	require.Equal(t, byte(1), byte(aspects.Primaries)) // PrimariesBT709 == 1
}

// bitWriter is the test-only mirror of bitReader, MSB-first, used only to
// synthesize fixtures.
type bitWriter struct {
	buf  []byte
	bit  uint
}

func newBitWriter() *bitWriter { return &bitWriter{buf: []byte{0}} }

func (w *bitWriter) putBit(b uint32) {
	if b != 0 {
		w.buf[len(w.buf)-1] |= 1 << (7 - w.bit)
	}
	w.bit++
	if w.bit == 8 {
		w.bit = 0
		w.buf = append(w.buf, 0)
	}
}

func (w *bitWriter) putBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.putBit((v >> uint(i)) & 1)
	}
}

func (w *bitWriter) putUE(v uint32) {
	x := v + 1
	nbits := 0
	for t := x; t > 1; t >>= 1 {
		nbits++
	}
	for i := 0; i < nbits; i++ {
		w.putBit(0)
	}
	w.putBits(x, nbits+1)
}

func (w *bitWriter) bytes() []byte {
	if w.bit == 0 && len(w.buf) > 0 {
		return w.buf[:len(w.buf)-1]
	}
	return w.buf
}
