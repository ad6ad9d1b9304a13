// SPDX-License-Identifier: GPL-2.0-or-later

// Package segment drives one RTSP input session through one
// fragmented MP4 output file for a bounded duration, bracketed by
// keyframes. It models segment progress as an explicit state enum
// read by a single-threaded driver pulling from pkg/rtsp's blocking
// packet iterator, rather than hiding state in nested conditionals.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"lightnvr/pkg/log"
	"lightnvr/pkg/rtsp"
	"lightnvr/pkg/timestamp"
)

// finalKeyframeGrace is how long WaitFinalKeyframe will wait for a
// keyframe before closing the segment on a non-key frame anyway. A
// var, not a const, so tests can shrink it instead of burning real
// wall-clock time on the grace period.
var finalKeyframeGrace = 2 * time.Second

// Config holds the per-call knobs of RecordSegment, derived from the
// owning stream's configuration.
type Config struct {
	MaxDuration  time.Duration
	IncludeAudio bool

	// Faststart defaults to false. RecordSegment does not read it:
	// every file is written as empty_moov fragments and no post-close
	// moov rewrite is performed, whatever its value; see DESIGN.md.
	Faststart bool
}

// packetSource is the narrow slice of *rtsp.Session that segmentRun's
// state machine actually drives against: a blocking packet iterator
// plus the audio track's timebase. Keeping segmentRun's dependency
// this small, rather than the full *rtsp.Session, gives tests a seam
// to drive the state machine with a synthetic packet feed instead of
// a live RTSP connection.
type packetSource interface {
	NextPacket(ctx context.Context) (rtsp.Packet, error)
	AudioSampleRate() int
}

// pendingSample buffers one track's most recent sample until the next
// one of the same track arrives, so its MP4 sample duration (the
// delta to the next sample) can be computed before it is appended.
type pendingSample struct {
	set  bool
	data []byte
	sync bool
	dts  int64
}

// RecordSegment consumes packets from session (opening one over url if
// session is nil) and writes exactly one MP4 file to outputPath,
// bracketed by keyframes, of approximately cfg.MaxDuration. It returns
// the (possibly newly opened) session for reuse by the next segment.
func RecordSegment(
	ctx context.Context,
	url string,
	outputPath string,
	cfg Config,
	session *rtsp.Session,
	continuity *Continuity,
	norm *timestamp.Normalizer,
	logger *log.Logger,
) (*rtsp.Session, error) {
	if session == nil {
		// A new input connection starts a new ingest session.
		*continuity = Continuity{}
		var err error
		session, err = rtsp.Open(url, cfg.IncludeAudio)
		if err != nil {
			return nil, err
		}
	}

	includeAudio := continuity.stickyHasAudio(session.HasAudio()) && cfg.IncludeAudio

	file, err := os.Create(outputPath)
	if err != nil {
		return session, fmt.Errorf("%w: %v", ErrOutputOpenFailed, err)
	}
	defer file.Close()

	var spsInfo h264.SPS
	if err := spsInfo.Unmarshal(session.SPS); err != nil {
		return session, fmt.Errorf("%w: parse sps: %v", ErrHeaderWriteFailed, err)
	}

	videoParams := VideoParams{
		SPS: session.SPS, PPS: session.PPS,
		Width: spsInfo.Width(), Height: spsInfo.Height(),
		Timescale: rtsp.VideoTimescale,
	}

	var audioParams *AudioParams
	if includeAudio {
		audioParams = &AudioParams{
			Channels:      session.AudioParams.Channels,
			SampleRate:    session.AudioParams.SampleRate,
			BitsPerSample: session.AudioParams.BitsPerSample,
		}
	}

	if err := writeInitSegment(file, videoParams, audioParams); err != nil {
		return session, fmt.Errorf("%w: %v", ErrHeaderWriteFailed, err)
	}

	norm.BeginSegment(continuity.SegmentIndex)
	norm.Track("video", timestamp.TrackRate{Kind: timestamp.Video, FrameRate: 30})
	if includeAudio {
		norm.Track("audio", timestamp.TrackRate{
			Kind: timestamp.Audio, SampleRate: session.AudioParams.SampleRate, SamplesPerPacket: 1024,
		})
	}

	w := &segmentRun{
		cfg: cfg, session: session, continuity: continuity, norm: norm, logger: logger,
		includeAudio: includeAudio,
	}
	err = w.run(ctx)

	pos := int64(0)
	if info, statErr := file.Stat(); statErr == nil {
		pos = info.Size()
	}
	if _, flushErr := w.flush(file, pos); flushErr != nil {
		return session, fmt.Errorf("%w: %v", ErrTrailerWriteFailed, flushErr)
	}

	continuity.SegmentIndex++

	if err != nil {
		if errors.Is(err, ErrEOF) {
			session.Close()
			return nil, err
		}
		return session, err
	}
	return session, nil
}

// segmentRun holds the mutable state of one RecordSegment call's state
// machine walk.
type segmentRun struct {
	cfg          Config
	session      packetSource
	continuity   *Continuity
	norm         *timestamp.Normalizer
	logger       *log.Logger
	includeAudio bool

	state     State
	startedAt time.Time
	waitSince time.Time

	video, audio                   []Sample
	pendingVideo, pendingAudio     pendingSample
	videoBaseTime, audioBaseTime   int64
	haveVideoBase, haveAudioBase   bool
}

func (w *segmentRun) run(ctx context.Context) error {
	w.state = WaitFirstKeyframe
	w.startedAt = time.Now()

	if w.continuity.SegmentIndex > 0 && w.continuity.LastFrameWasKey {
		w.state = Recording
	}

	for {
		if w.state != Done {
			elapsed := time.Since(w.startedAt)
			if w.state == Recording && elapsed >= w.cfg.MaxDuration-time.Second {
				w.state = WaitFinalKeyframe
				w.waitSince = time.Now()
			}
		}

		if ctxDone(ctx) {
			switch w.state {
			case Recording:
				w.state = WaitFinalKeyframe
				w.waitSince = time.Now()
			case WaitFirstKeyframe:
				// shutdown observed before any keyframe arrived: nothing
				// safe to cut, abort without producing a fragment.
				return nil
			}
		}

		if w.state == WaitFinalKeyframe && time.Since(w.waitSince) >= finalKeyframeGrace {
			w.continuity.LastFrameWasKey = false
			if w.logger != nil {
				w.logger.Warn().Src("segment").Msg("closing on non-key frame: final keyframe grace expired")
			}
			return nil
		}

		readCtx := ctx
		var cancel context.CancelFunc
		if w.state == WaitFinalKeyframe {
			readCtx, cancel = context.WithTimeout(context.Background(), finalKeyframeGrace)
		}
		pkt, err := w.session.NextPacket(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			// Either our own bounded grace-poll timed out, or the outer
			// ctx was canceled; both are handled by the state checks at
			// the top of the loop on the next iteration.
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			return classifyReadError(err)
		}

		w.handlePacket(pkt)
		if w.state == Done {
			return nil
		}
	}
}

func (w *segmentRun) handlePacket(pkt rtsp.Packet) {
	switch pkt.Track {
	case rtsp.TrackVideo:
		w.handleVideo(pkt)
	case rtsp.TrackAudio:
		if w.includeAudio && w.state == Recording {
			w.handleAudio(pkt)
		}
	}
}

func (w *segmentRun) handleVideo(pkt rtsp.Packet) {
	closingFrame := false
	switch w.state {
	case WaitFirstKeyframe:
		if !pkt.IsKeyframe {
			return
		}
		w.state = Recording
	case WaitFinalKeyframe:
		if !pkt.IsKeyframe {
			return
		}
		// This keyframe becomes the segment's own last written packet;
		// the next segment starts from whatever packet follows it, per
		// the start-of-GOP handshake (LastFrameWasKey=true skips its
		// own WaitFirstKeyframe wait).
		closingFrame = true
	}

	np := timestamp.Packet{DTS: pkt.DTS, PTS: pkt.PTS}
	w.norm.Normalize("video", int64(rtsp.VideoTimescale), &np)

	if !w.haveVideoBase {
		w.videoBaseTime = np.DTS
		w.haveVideoBase = true
	}

	if w.pendingVideo.set {
		w.video = append(w.video, Sample{
			Data: w.pendingVideo.data, Sync: w.pendingVideo.sync,
			Duration: uint32(clampDuration(np.DTS - w.pendingVideo.dts)),
		})
	}
	w.pendingVideo = pendingSample{set: true, data: encodeAVCC(pkt.AU), sync: pkt.IsKeyframe, dts: np.DTS}

	if w.state == Recording {
		w.continuity.LastFrameWasKey = pkt.IsKeyframe
	}
	if closingFrame {
		w.continuity.LastFrameWasKey = true
		w.state = Done
	}
}

func (w *segmentRun) handleAudio(pkt rtsp.Packet) {
	np := timestamp.Packet{DTS: pkt.DTS, PTS: pkt.PTS}
	w.norm.Normalize("audio", int64(w.session.AudioSampleRate()), &np)

	if !w.haveAudioBase {
		w.audioBaseTime = np.DTS
		w.haveAudioBase = true
	}

	if w.pendingAudio.set {
		w.audio = append(w.audio, Sample{
			Data: w.pendingAudio.data, Sync: true,
			Duration: uint32(clampDuration(np.DTS - w.pendingAudio.dts)),
		})
	}
	raw := pkt.AU[0]
	data := make([]byte, len(raw))
	copy(data, raw)
	w.pendingAudio = pendingSample{set: true, data: data, sync: true, dts: np.DTS}
}

// flush finalizes any pending samples and writes the single fragment
// (moof+mdat) covering the whole segment.
func (w *segmentRun) flush(out *os.File, pos int64) (int64, error) {
	if w.pendingVideo.set {
		w.video = append(w.video, Sample{
			Data: w.pendingVideo.data, Sync: w.pendingVideo.sync, Duration: 3000,
		})
	}
	if w.pendingAudio.set {
		w.audio = append(w.audio, Sample{Data: w.pendingAudio.data, Sync: true, Duration: 1024})
	}
	if len(w.video) == 0 {
		return 0, nil
	}
	return writeFragment(out, pos, 1, uint64(w.videoBaseTime), w.video, uint64(w.audioBaseTime), w.audio)
}

func encodeAVCC(nalus [][]byte) []byte {
	var total int
	for _, n := range nalus {
		total += 4 + len(n)
	}
	buf := make([]byte, 0, total)
	for _, n := range nalus {
		var lenBuf [4]byte
		l := uint32(len(n))
		lenBuf[0] = byte(l >> 24)
		lenBuf[1] = byte(l >> 16)
		lenBuf[2] = byte(l >> 8)
		lenBuf[3] = byte(l)
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, n...)
	}
	return buf
}

func clampDuration(d int64) int64 {
	if d <= 0 {
		return 1
	}
	return d
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func classifyReadError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return ErrEOF
	}
	return fmt.Errorf("%w: %v", ErrPacketReadError, err)
}
