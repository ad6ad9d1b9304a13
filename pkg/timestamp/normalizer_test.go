// SPDX-License-Identifier: GPL-2.0-or-later

package timestamp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFirstSegmentStartsAtZero(t *testing.T) {
	n := New(nil, "cam1")
	n.BeginSegment(0)

	p := &Packet{DTS: 1000, PTS: 1000, Duration: 3000}
	n.Normalize("video", 90000, p)

	require.Equal(t, int64(0), p.DTS)
	require.Equal(t, int64(0), p.PTS)
}

func TestNormalizeLaterSegmentStartsAtOne(t *testing.T) {
	n := New(nil, "cam1")
	n.BeginSegment(0)
	n.Normalize("video", 90000, &Packet{DTS: 1000, PTS: 1000, Duration: 3000})

	n.BeginSegment(1)
	p := &Packet{DTS: 5000, PTS: 5000, Duration: 3000}
	n.Normalize("video", 90000, p)

	require.Equal(t, int64(1), p.DTS)
	require.Equal(t, int64(1), p.PTS)
}

func TestNormalizeEnforcesMonotonicDTS(t *testing.T) {
	n := New(nil, "cam1")
	n.BeginSegment(0)

	n.Normalize("audio", 48000, &Packet{DTS: 1000, PTS: 1000, Duration: 0})
	p := &Packet{DTS: 999, PTS: 999, Duration: 0} // non-increasing relative to prior
	n.Normalize("audio", 48000, p)

	require.Greater(t, p.DTS, int64(0))
}

func TestNormalizeLiftsPTSBelowDTS(t *testing.T) {
	n := New(nil, "cam1")
	n.BeginSegment(0)

	p := &Packet{DTS: 1000, PTS: 500, Duration: 3000}
	n.Normalize("video", 90000, p)

	require.GreaterOrEqual(t, p.PTS, p.DTS)
}

func TestNormalizePreservesPTSDTSOffsetAcrossBFrameReorder(t *testing.T) {
	n := New(nil, "cam1")
	n.BeginSegment(0)

	// First packet of the segment has PTS ahead of DTS, as happens when
	// the GOP's first frame in decode order displays later (B-frame
	// reordering). The gap must survive baselining, not just get
	// flattened by the outPTS<outDTS clamp.
	p := &Packet{DTS: 1000, PTS: 4000, Duration: 3000}
	n.Normalize("video", 90000, p)

	require.Equal(t, int64(0), p.DTS)
	require.Equal(t, int64(3000), p.PTS)
}

func TestNormalizeOverflowRecovery(t *testing.T) {
	n := New(nil, "cam1")
	n.BeginSegment(0)
	n.Normalize("video", 90000, &Packet{DTS: 0, PTS: 0, Duration: 3000})

	p := &Packet{DTS: overflowThreshold + 1, PTS: overflowThreshold + 1, Duration: 3000}
	n.Normalize("video", 90000, p)

	require.Equal(t, int64(overflowRestart), p.DTS)
	require.LessOrEqual(t, p.DTS, int64(mp4MaxTimestamp))
}

func TestNormalizeCapsLongDuration(t *testing.T) {
	rate := TrackRate{Kind: Video, FrameRate: 30}
	n := New(nil, "cam1")
	n.Track("video", rate)
	n.BeginSegment(0)

	p := &Packet{DTS: 0, PTS: 0, Duration: maxDuration + 1}
	n.Normalize("video", 90000, p)

	require.Equal(t, int64(oneSecondDuration), p.Duration)
}

func TestNormalizeSynthesizesMissingVideoDuration(t *testing.T) {
	n := New(nil, "cam1")
	n.Track("video", TrackRate{Kind: Video, FrameRate: 25})
	n.BeginSegment(0)

	p := &Packet{DTS: 0, PTS: 0}
	n.Normalize("video", 90000, p)

	require.Equal(t, int64(90000/25), p.Duration)
}

func TestNormalizeSynthesizesMissingAudioDuration(t *testing.T) {
	n := New(nil, "cam1")
	n.Track("audio", TrackRate{Kind: Audio, SampleRate: 48000, SamplesPerPacket: 1024})
	n.BeginSegment(0)

	p := &Packet{DTS: 0, PTS: 0}
	n.Normalize("audio", 48000, p)

	require.Equal(t, int64(1024), p.Duration)
}
