// Package nalcolor locates an H.264 SPS NAL unit in a coded-bitstream
// buffer and decodes the color description carried in its VUI parameters,
// the way color-aspect extraction delegates to a full NAL parser elsewhere.
// A full bitstream parser is treated as an external collaborator this core
// may stub, so this package's job is narrow: find the SPS, read far enough
// into the VUI to get primaries/transfer/matrix/range, and report "not
// found" for anything that isn't H.264 — VP8/VP9/HEVC color description
// parsing is out of scope, since the Component only parses NALs to read
// color aspects from H.264 CODEC_CONFIG works.
package nalcolor

import "github.com/xaionaro-go/v4l2codec2/types"

const (
	nalTypeSPS = 7
)

// FindColorAspects scans an Annex-B H.264 access unit for the first SPS NAL
// and decodes its VUI color description. It returns ok=false (never an
// error) when no SPS is present or the SPS carries no color description,
// matching parseCodedColorAspects's bool-returning "couldn't find" contract.
func FindColorAspects(bitstream []byte) (aspects types.ColorAspects, ok bool) {
	nal, found := locateSPS(bitstream)
	if !found {
		return types.ColorAspects{}, false
	}
	return parseSPSColorAspects(nal)
}

// locateSPS scans for Annex-B start codes (00 00 01 / 00 00 00 01) and
// returns the RBSP payload (start-code and NAL header stripped, emulation
// prevention bytes removed) of the first SPS it finds.
func locateSPS(bitstream []byte) (rbsp []byte, ok bool) {
	i := 0
	for i < len(bitstream) {
		start, hdrLen := nextStartCode(bitstream, i)
		if start < 0 {
			return nil, false
		}
		nalStart := start + hdrLen
		nalEnd := len(bitstream)
		if next, _ := nextStartCode(bitstream, nalStart); next >= 0 {
			nalEnd = next
		}
		if nalStart >= len(bitstream) {
			return nil, false
		}

		nalUnitType := bitstream[nalStart] & 0x1F
		if nalUnitType == nalTypeSPS {
			return unescapeRBSP(bitstream[nalStart+1 : nalEnd]), true
		}
		i = nalEnd
	}
	return nil, false
}

// nextStartCode finds the next 00 00 01 (optionally preceded by a further
// 00) at or after from, returning its position and the start code's length
// in bytes (3 or 4), or (-1, 0) if none remains.
func nextStartCode(b []byte, from int) (pos int, length int) {
	for i := from; i+2 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if i > from && b[i-1] == 0 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}

// unescapeRBSP removes H.264's emulation-prevention 0x03 bytes (the ones
// inserted after any 00 00 to keep 00 00 00/01/02/03 from appearing in the
// payload by accident).
func unescapeRBSP(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeroRun := 0
	for _, b := range nal {
		if zeroRun >= 2 && b == 0x03 {
			zeroRun = 0
			continue
		}
		if b == 0 {
			zeroRun++
		} else {
			zeroRun = 0
		}
		out = append(out, b)
	}
	return out
}

// parseSPSColorAspects walks just enough of an SPS RBSP to reach
// vui_parameters, following the H.264 spec's seq_parameter_set_data syntax
// up through frame_cropping and VUI presence. A malformed or unexpectedly
// shaped SPS degrades to ok=false rather than panicking, since a parse
// failure here must never take down the decode path.
func parseSPSColorAspects(rbsp []byte) (aspects types.ColorAspects, ok bool) {
	defer func() {
		if recover() != nil {
			aspects, ok = types.ColorAspects{}, false
		}
	}()

	r := newBitReader(rbsp)
	profileIdc := r.bits(8)
	r.bits(8) // constraint flags + reserved
	r.bits(8) // level_idc
	r.ue()     // seq_parameter_set_id

	if isHighProfile(profileIdc) {
		chromaFormatIdc := r.ue()
		if chromaFormatIdc == 3 {
			r.bit() // separate_colour_plane_flag
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.bit() // qpprime_y_zero_transform_bypass_flag
		if r.flag() { // seq_scaling_matrix_present_flag
			n := 8
			if chromaFormatIdc == 3 {
				n = 12
			}
			for i := 0; i < n; i++ {
				if r.flag() {
					skipScalingList(r, i < 6)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	picOrderCntType := r.ue()
	if picOrderCntType == 0 {
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	} else if picOrderCntType == 1 {
		r.bit() // delta_pic_order_always_zero_flag
		decodeSE(r)
		decodeSE(r)
		n := r.ue()
		for i := uint32(0); i < n; i++ {
			decodeSE(r)
		}
	}
	r.ue() // max_num_ref_frames
	r.bit() // gaps_in_frame_num_value_allowed_flag
	r.ue()  // pic_width_in_mbs_minus1
	r.ue()  // pic_height_in_map_units_minus1
	if !r.flag() { // frame_mbs_only_flag
		r.bit() // mb_adaptive_frame_field_flag
	}
	r.bit() // direct_8x8_inference_flag
	if r.flag() { // frame_cropping_flag
		r.ue()
		r.ue()
		r.ue()
		r.ue()
	}

	if !r.flag() { // vui_parameters_present_flag
		return types.ColorAspects{}, false
	}
	return parseVUIColorAspects(r)
}

func isHighProfile(profileIdc uint32) bool {
	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	default:
		return false
	}
}

func skipScalingList(r *bitReader, is4x4 bool) {
	size := 64
	if is4x4 {
		size = 16
	}
	lastScale, nextScale := int32(8), int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta := decodeSE(r)
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

func decodeSE(r *bitReader) int32 {
	v := r.ue()
	if v%2 == 0 {
		return -int32(v / 2)
	}
	return int32(v+1) / 2
}

// parseVUIColorAspects reads exactly as far into vui_parameters as the
// colour description, since this core needs nothing further from it.
func parseVUIColorAspects(r *bitReader) (types.ColorAspects, bool) {
	if r.flag() { // aspect_ratio_info_present_flag
		if r.bits(8) == 255 { // Extended_SAR
			r.bits(16)
			r.bits(16)
		}
	}
	if r.flag() { // overscan_info_present_flag
		r.bit()
	}

	var aspects types.ColorAspects
	if r.flag() { // video_signal_type_present_flag
		r.bits(3) // video_format
		fullRange := r.flag()
		if fullRange {
			aspects.Range = types.RangeFull
		} else {
			aspects.Range = types.RangeLimited
		}
		if r.flag() { // colour_description_present_flag
			aspects.Primaries = mapPrimaries(r.bits(8))
			aspects.Transfer = mapTransfer(r.bits(8))
			aspects.Matrix = mapMatrix(r.bits(8))
			return aspects, true
		}
	}
	return types.ColorAspects{}, false
}

// mapPrimaries/mapTransfer/mapMatrix translate ISO/IEC 23001-8 enum values
// (the ones VUI carries directly) to this core's ColorAspects enums in one
// step, since this core has only one representation to map into.
func mapPrimaries(v uint32) types.ColorPrimaries {
	switch v {
	case 1:
		return types.PrimariesBT709
	case 5:
		return types.PrimariesBT601_625
	case 6:
		return types.PrimariesBT601_525
	case 9:
		return types.PrimariesBT2020
	default:
		return types.PrimariesUnspecified
	}
}

func mapTransfer(v uint32) types.ColorTransfer {
	switch v {
	case 1, 6, 13:
		return types.TransferSDRVideo
	case 8:
		return types.TransferLinear
	case 16:
		return types.TransferST2084
	case 18:
		return types.TransferHLG
	default:
		return types.TransferUnspecified
	}
}

func mapMatrix(v uint32) types.ColorMatrix {
	switch v {
	case 1:
		return types.MatrixBT709
	case 5, 6:
		return types.MatrixBT601
	case 9, 10:
		return types.MatrixBT2020
	default:
		return types.MatrixUnspecified
	}
}
