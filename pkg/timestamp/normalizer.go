// SPDX-License-Identifier: GPL-2.0-or-later

// Package timestamp rewrites per-track decode/presentation timestamps
// into a monotonic, MP4-safe output stream across consecutive
// segments. It performs no I/O and coerces every input into its
// contract rather than returning errors.
package timestamp

import "lightnvr/pkg/log"

// mp4MaxTimestamp is the largest value a 32-bit MP4 fragment field can
// hold (2^31 - 1).
const mp4MaxTimestamp = 0x7fffffff

// overflowThreshold triggers baseline recovery before a packet would
// actually overflow mp4MaxTimestamp.
const overflowThreshold = 0x7000_0000

// overflowRestart is the value subsequent packets restart at once
// overflow recovery fires.
const overflowRestart = 1000

// maxDuration is the largest packet duration Normalize keeps; longer
// durations are replaced with oneSecondDuration.
const maxDuration = 10_000_000

// oneSecondDuration is the one-second cap in the 90kHz video timebase.
const oneSecondDuration = 90_000

// Packet is one track's view of a single media sample, in the track's
// native timebase units.
type Packet struct {
	DTS      int64
	PTS      int64
	Duration int64 // 0 means "no duration known"
}

// TrackKind distinguishes video and audio tracks for duration
// synthesis when a packet carries no duration.
type TrackKind int

// Track kinds.
const (
	Video TrackKind = iota
	Audio
)

// TrackRate describes how to synthesize a missing packet duration.
type TrackRate struct {
	Kind TrackKind

	FrameRate float64 // video: frames/sec in the track timebase

	SamplesPerPacket int // audio
	SampleRate       int // audio
}

// synthesize returns a duration for a packet that declared none.
func (r TrackRate) synthesize(timebase int64) int64 {
	switch r.Kind {
	case Video:
		if r.FrameRate > 0 {
			return int64(float64(timebase) / r.FrameRate)
		}
	case Audio:
		if r.SampleRate > 0 && r.SamplesPerPacket > 0 {
			return int64(timebase) * int64(r.SamplesPerPacket) / int64(r.SampleRate)
		}
	}
	return 1
}

// track holds the per-track baseline and monotonicity state for the
// current segment.
type track struct {
	rate TrackRate

	baselineSet bool
	baseline    int64 // subtracted from DTS
	ptsBaseline int64 // subtracted from PTS; independent of baseline so
	// B-frame reordering (PTS != DTS on a segment's first packet) survives

	lastDTS int64
	lastSet bool
}

// Normalizer produces output DTS/PTS for one stream's tracks across a
// sequence of segments. Create one with New: the zero value has no
// track map, and Normalize and Track panic on it.
type Normalizer struct {
	logger *log.Logger
	stream string

	segmentIndex int
	tracks       map[string]*track
}

// New returns a Normalizer. logger may be nil to suppress warn events.
func New(logger *log.Logger, stream string) *Normalizer {
	return &Normalizer{
		logger: logger,
		stream: stream,
		tracks: make(map[string]*track),
	}
}

// BeginSegment resets per-track baselines for a new segment without
// discarding the tracks' monotonicity history. segmentIndex is
// 0-based within the current ingest session.
func (n *Normalizer) BeginSegment(segmentIndex int) {
	n.segmentIndex = segmentIndex
	for _, t := range n.tracks {
		t.baselineSet = false
	}
}

// Track sets (creating the track if necessary) the named track's rate
// descriptor, used to synthesize missing durations.
func (n *Normalizer) Track(name string, rate TrackRate) {
	t, ok := n.tracks[name]
	if !ok {
		t = &track{}
		n.tracks[name] = t
	}
	t.rate = rate
}

// Normalize rewrites p in place for the named track, timebase is the
// track's clock rate in Hz (e.g. 90000 for video, the audio sample
// rate for audio).
func (n *Normalizer) Normalize(trackName string, timebase int64, p *Packet) {
	t, ok := n.tracks[trackName]
	if !ok {
		t = &track{}
		n.tracks[trackName] = t
	}

	if p.Duration == 0 {
		p.Duration = t.rate.synthesize(timebase)
	}
	if p.Duration > maxDuration {
		p.Duration = oneSecondDuration
	}

	if !t.baselineSet {
		t.baseline = p.DTS
		t.ptsBaseline = p.PTS
		t.baselineSet = true
	}

	var outDTS, outPTS int64
	if n.segmentIndex == 0 {
		outDTS = clampNonNegative(p.DTS - t.baseline)
		outPTS = clampNonNegative(p.PTS - t.ptsBaseline)
	} else {
		outDTS = (p.DTS - t.baseline) + 1
		outPTS = (p.PTS - t.ptsBaseline) + 1
	}

	if t.lastSet && outDTS <= t.lastDTS {
		lift := t.lastDTS + 1 - outDTS
		outDTS = t.lastDTS + 1
		outPTS += lift
	}

	if outPTS < outDTS {
		outPTS = outDTS
	}

	if outDTS > overflowThreshold {
		n.warnOverflow(trackName)
		t.baseline = p.DTS - overflowRestart
		t.ptsBaseline = p.PTS - overflowRestart
		outDTS = overflowRestart
		outPTS = overflowRestart
		if outPTS < outDTS {
			outPTS = outDTS
		}
	}

	t.lastDTS = outDTS
	t.lastSet = true

	p.DTS = outDTS
	p.PTS = outPTS
}

func (n *Normalizer) warnOverflow(trackName string) {
	if n.logger == nil {
		return
	}
	n.logger.Warn().Src("timestamp").Stream(n.stream).
		Msgf("track %s: dts overflow recovery, restarting at %d", trackName, overflowRestart)
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
