// SPDX-License-Identifier: GPL-2.0-or-later

package segment

import (
	"bufio"
	"fmt"
	"io"

	"lightnvr/pkg/segment/mp4"
)

// Track IDs, fixed for the lifetime of a file: video is always track
// 1; audio, when present, is always track 2.
const (
	videoTrackID = 1
	audioTrackID = 2
)

// Sample-depends-on flags for ISO/IEC 14496-12 trun sample_flags,
// matching the values every common fmp4 muxer in the wild writes.
const (
	sampleFlagsSync    uint32 = 0x02000000
	sampleFlagsNonSync uint32 = 0x01010000
)

// VideoParams describes the H264 track's codec parameters, taken
// verbatim from the RTSP source (no transcoding).
type VideoParams struct {
	SPS, PPS      []byte
	Width, Height int
	Timescale     int // Hz, 90000 for this repo's video tracks
}

// AudioParams describes the optional MPEG-4 audio track.
type AudioParams struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// Sample is one encoded access unit ready to be muxed.
type Sample struct {
	Data     []byte
	Duration uint32
	Sync     bool // video keyframe; always true for audio
}

// writeInitSegment writes ftyp + an empty-movie moov (mvex/trex
// present, stbl tables empty) once at the start of the file. This is
// the "empty_moov" half of fragmented MP4: every subsequent fragment
// is self-describing via moof/mdat and the trailing file has no full
// moov rewritten at close.
func writeInitSegment(w io.Writer, video VideoParams, audio *AudioParams) error {
	bw := bufio.NewWriter(w)
	out := mp4.NewWriter(bw)

	ftyp := &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', '5'},
		MinorVersion: 512,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', '5'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '6'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
		},
	}
	if _, err := mp4.WriteSingleBox(out, ftyp); err != nil {
		return fmt.Errorf("write ftyp: %w", err)
	}

	nextTrackID := uint32(videoTrackID + 1)
	children := []mp4.Boxes{
		{Box: &mp4.Mvhd{
			Timescale:   1000,
			Rate:        65536,
			Volume:      256,
			Matrix:      [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
			NextTrackID: nextTrackID,
		}},
		videoTrak(video),
	}

	mvexChildren := []mp4.Boxes{
		{Box: &mp4.Trex{TrackID: videoTrackID, DefaultSampleDescriptionIndex: 1}},
	}

	if audio != nil {
		children = append(children, audioTrak(*audio))
		mvexChildren = append(mvexChildren,
			mp4.Boxes{Box: &mp4.Trex{TrackID: audioTrackID, DefaultSampleDescriptionIndex: 1}})
		nextTrackID++
	}

	children = append(children, mp4.Boxes{Box: &mp4.Mvex{}, Children: mvexChildren})

	moov := mp4.Boxes{Box: &mp4.Moov{}, Children: children}
	if err := moov.Marshal(out); err != nil {
		return fmt.Errorf("marshal moov: %w", err)
	}
	if out.TryError != nil {
		return out.TryError
	}
	return bw.Flush()
}

func videoTrak(v VideoParams) mp4.Boxes {
	stsd := mp4.Boxes{
		Box: &mp4.Stsd{EntryCount: 1},
		Children: []mp4.Boxes{
			{
				Box: &mp4.Avc1{
					SampleEntry:     mp4.SampleEntry{DataReferenceIndex: 1},
					Width:           uint16(v.Width),
					Height:          uint16(v.Height),
					Horizresolution: 4718592,
					Vertresolution:  4718592,
					FrameCount:      1,
					Depth:           24,
					PreDefined3:     -1,
				},
				Children: []mp4.Boxes{
					{Box: &mp4.AvcC{
						ConfigurationVersion:       1,
						Profile:                    profileFromSPS(v.SPS),
						ProfileCompatibility:       compatFromSPS(v.SPS),
						Level:                      levelFromSPS(v.SPS),
						LengthSizeMinusOne:         3,
						NumOfSequenceParameterSets: 1,
						SequenceParameterSets:      []mp4.AVCParameterSet{{NALUnit: v.SPS}},
						NumOfPictureParameterSets:  1,
						PictureParameterSets:       []mp4.AVCParameterSet{{NALUnit: v.PPS}},
					}},
				},
			},
		},
	}

	stbl := mp4.Boxes{Box: &mp4.Stbl{}, Children: []mp4.Boxes{
		stsd,
		{Box: &mp4.Stts{}},
		{Box: &mp4.Stsc{}},
		{Box: &mp4.Stsz{}},
		{Box: &mp4.Stco{}},
	}}

	minf := mp4.Boxes{Box: &mp4.Minf{}, Children: []mp4.Boxes{
		{Box: &mp4.Vmhd{}},
		{Box: &mp4.Dinf{}, Children: []mp4.Boxes{
			{Box: &mp4.Dref{EntryCount: 1}, Children: []mp4.Boxes{
				{Box: &mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}},
			}},
		}},
		stbl,
	}}

	mdia := mp4.Boxes{Box: &mp4.Mdia{}, Children: []mp4.Boxes{
		{Box: &mp4.Mdhd{Timescale: uint32(v.Timescale), Language: [3]byte{'u', 'n', 'd'}}},
		{Box: &mp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"}},
		minf,
	}}

	return mp4.Boxes{Box: &mp4.Trak{}, Children: []mp4.Boxes{
		{Box: &mp4.Tkhd{
			FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 3}},
			TrackID: videoTrackID,
			Width:   uint32(v.Width) << 16,
			Height:  uint32(v.Height) << 16,
			Matrix:  [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		}},
		mdia,
	}}
}

func audioTrak(a AudioParams) mp4.Boxes {
	stsd := mp4.Boxes{
		Box: &mp4.Stsd{EntryCount: 1},
		Children: []mp4.Boxes{
			{Box: &mp4.Mp4a{
				SampleEntry:  mp4.SampleEntry{DataReferenceIndex: 1},
				ChannelCount: uint16(a.Channels),
				SampleSize:   uint16(a.BitsPerSample),
				SampleRate:   uint32(a.SampleRate) << 16,
			}},
		},
	}

	stbl := mp4.Boxes{Box: &mp4.Stbl{}, Children: []mp4.Boxes{
		stsd,
		{Box: &mp4.Stts{}},
		{Box: &mp4.Stsc{}},
		{Box: &mp4.Stsz{}},
		{Box: &mp4.Stco{}},
	}}

	minf := mp4.Boxes{Box: &mp4.Minf{}, Children: []mp4.Boxes{
		{Box: &mp4.Smhd{}},
		{Box: &mp4.Dinf{}, Children: []mp4.Boxes{
			{Box: &mp4.Dref{EntryCount: 1}, Children: []mp4.Boxes{
				{Box: &mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}},
			}},
		}},
		stbl,
	}}

	mdia := mp4.Boxes{Box: &mp4.Mdia{}, Children: []mp4.Boxes{
		{Box: &mp4.Mdhd{Timescale: uint32(a.SampleRate), Language: [3]byte{'u', 'n', 'd'}}},
		{Box: &mp4.Hdlr{HandlerType: [4]byte{'s', 'o', 'u', 'n'}, Name: "SoundHandler"}},
		minf,
	}}

	return mp4.Boxes{Box: &mp4.Trak{}, Children: []mp4.Boxes{
		{Box: &mp4.Tkhd{
			FullBox:        mp4.FullBox{Flags: [3]byte{0, 0, 3}},
			TrackID:        audioTrackID,
			AlternateGroup: 1,
			Volume:         256,
			Matrix:         [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		}},
		mdia,
	}}
}

func profileFromSPS(sps []byte) uint8 {
	if len(sps) > 1 {
		return sps[1]
	}
	return 0
}

func compatFromSPS(sps []byte) uint8 {
	if len(sps) > 2 {
		return sps[2]
	}
	return 0
}

func levelFromSPS(sps []byte) uint8 {
	if len(sps) > 3 {
		return sps[3]
	}
	return 0
}

// writeFragment writes one moof/mdat pair covering videoSamples (and,
// if present, audioSamples), starting at byte offset pos in the
// output file. It returns the number of bytes written.
func writeFragment(
	w io.Writer, pos int64, sequence uint32,
	videoBaseTime uint64, videoSamples []Sample,
	audioBaseTime uint64, audioSamples []Sample,
) (int64, error) {
	bw := bufio.NewWriter(w)
	out := mp4.NewWriter(bw)

	trunFlags := uint32(mp4.TrunSampleDurationPresent | mp4.TrunSampleSizePresent | mp4.TrunSampleFlagsPresent)
	tfhdFlags := uint32(mp4.TfhdBaseDataOffsetPresent)

	videoTfhd := &mp4.Tfhd{FullBox: mp4.FullBox{Flags: flagBytes(tfhdFlags)}, TrackID: videoTrackID}
	videoTraf := mp4.Boxes{Box: &mp4.Traf{}, Children: []mp4.Boxes{
		{Box: videoTfhd},
		{Box: &mp4.Tfdt{BaseMediaDecodeTimeV0: uint32(videoBaseTime)}},
		{Box: trunFor(videoSamples, trunFlags)},
	}}

	children := []mp4.Boxes{{Box: &mp4.Mfhd{SequenceNumber: sequence}}, videoTraf}

	var audioTfhd *mp4.Tfhd
	if len(audioSamples) > 0 {
		audioTfhd = &mp4.Tfhd{FullBox: mp4.FullBox{Flags: flagBytes(tfhdFlags)}, TrackID: audioTrackID}
		audioTraf := mp4.Boxes{Box: &mp4.Traf{}, Children: []mp4.Boxes{
			{Box: audioTfhd},
			{Box: &mp4.Tfdt{BaseMediaDecodeTimeV0: uint32(audioBaseTime)}},
			{Box: trunFor(audioSamples, trunFlags)},
		}}
		children = append(children, audioTraf)
	}

	moof := mp4.Boxes{Box: &mp4.Moof{}, Children: children}
	moofSize := moof.Size()

	var videoData, audioData []byte
	for _, s := range videoSamples {
		videoData = append(videoData, s.Data...)
	}
	for _, s := range audioSamples {
		audioData = append(audioData, s.Data...)
	}

	mdatDataOffset := pos + int64(moofSize) + 8
	videoTfhd.BaseDataOffset = uint64(mdatDataOffset)
	if audioTfhd != nil {
		audioTfhd.BaseDataOffset = uint64(mdatDataOffset + int64(len(videoData)))
	}

	if err := moof.Marshal(out); err != nil {
		return 0, fmt.Errorf("marshal moof: %w", err)
	}

	mdat := &mp4.Mdat{Data: append(videoData, audioData...)}
	n, err := mp4.WriteSingleBox(out, mdat)
	if err != nil {
		return 0, fmt.Errorf("marshal mdat: %w", err)
	}
	if out.TryError != nil {
		return 0, out.TryError
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("flush fragment: %w", err)
	}

	return int64(moofSize) + int64(n), nil
}

func flagBytes(flags uint32) [3]byte {
	return [3]byte{byte(flags >> 16), byte(flags >> 8), byte(flags)}
}

func trunFor(samples []Sample, flags uint32) *mp4.Trun {
	trun := &mp4.Trun{
		FullBox:     mp4.FullBox{Flags: flagBytes(flags)},
		SampleCount: uint32(len(samples)),
	}
	for _, s := range samples {
		sampleFlags := sampleFlagsNonSync
		if s.Sync {
			sampleFlags = sampleFlagsSync
		}
		trun.Entries = append(trun.Entries, mp4.TrunEntry{
			SampleDuration: s.Duration,
			SampleSize:     uint32(len(s.Data)),
			SampleFlags:    sampleFlags,
		})
	}
	return trun
}
