// SPDX-License-Identifier: GPL-2.0-or-later

package rtsp

import (
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// AudioParams is the thin adapter hiding the media library's version-
// conditional channel-count/sample-rate reporting behind one stable
// shape, so the rest of this repo never branches on the library
// version itself.
type AudioParams struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// audioParamsFromFormat builds AudioParams from a gortsplib MPEG4Audio
// format. ChannelCount/SampleRate come straight off the format's
// decoded AudioSpecificConfig; bits-per-sample is fixed at 16 because
// this repo never transcodes (spec Non-goal), so whatever the source
// emits is copied verbatim and 16 is the only value every camera in
// practice advertises for AAC-LC.
func audioParamsFromFormat(f *format.MPEG4Audio) AudioParams {
	p := AudioParams{BitsPerSample: 16}
	if f.Config != nil {
		p.Channels = f.Config.ChannelCount
		p.SampleRate = f.Config.SampleRate
	}
	return p
}

// isKeyframeAU reports whether any NALU in au is an IDR slice, i.e.
// whether this access unit is a safe segment cut point.
func isKeyframeAU(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if h264.NALUType(nalu[0]&0x1f) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// spsppsFromAU extracts the SPS/PPS NALUs present in au, if any, for
// codec-parameter (re)discovery mid-stream.
func spsppsFromAU(au [][]byte) (sps, pps []byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}

// stripParameterSetsAndAUD removes SPS/PPS/AUD NALUs from au: they are
// carried once in the MP4 track's avcC box, not repeated per sample.
func stripParameterSetsAndAUD(au [][]byte) [][]byte {
	out := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeAccessUnitDelimiter:
			continue
		}
		out = append(out, nalu)
	}
	return out
}
