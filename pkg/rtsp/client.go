// SPDX-License-Identifier: GPL-2.0-or-later

// Package rtsp adapts the real github.com/bluenviron/gortsplib/v4
// client into the blocking-iterator shape the Segment Writer drives:
// Open connects (TCP transport only, 5s socket timeout) and returns a
// Session whose NextPacket blocks for the next demuxed access unit.
package rtsp

import (
	"context"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
)

// socketTimeout bounds every blocking read on the RTSP TCP socket.
const socketTimeout = 5 * time.Second

// TrackKind distinguishes the two media kinds this repo understands.
type TrackKind int

// Track kinds.
const (
	TrackVideo TrackKind = iota
	TrackAudio
)

// Packet is one demuxed access unit, ready for the Timestamp
// Normalizer and the Segment Writer.
type Packet struct {
	Track      TrackKind
	AU         [][]byte // NALUs (video) or a single raw AAC frame (audio)
	PTS        int64    // track timebase units
	DTS        int64    // track timebase units; this package always sets it equal to PTS
	IsKeyframe bool
}

// VideoTimescale is the timebase this package reports video
// timestamps in, matching MP4's conventional 90kHz video clock.
const VideoTimescale = 90000

// Session is one live connection to an RTSP source, handed back to
// the caller by Open for reuse across consecutive segments.
type Session struct {
	client *gortsplib.Client
	desc   *description.Session

	videoMedia  *description.Media
	videoFormat *format.H264
	audioMedia  *description.Media
	audioFormat *format.MPEG4Audio

	SPS, PPS    []byte
	AudioParams AudioParams
	AudioRate   int // sample rate, used as the audio track's timebase

	packets chan Packet
	errs    chan error
}

// Open connects to url over TCP, enumerates media, sets up the tracks,
// starts playback and returns a Session whose NextPacket delivers the
// received packets.
// includeAudio requests that an MPEG-4 audio track, if present, also
// be set up; its absence is not an error.
func Open(url string, includeAudio bool) (*Session, error) {
	u, err := base.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrInputOpenFailed, err)
	}

	tcp := gortsplib.TransportTCP
	c := &gortsplib.Client{
		Transport:   &tcp,
		ReadTimeout: socketTimeout,
	}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInputOpenFailed, err)
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: describe: %v", ErrStreamInfoFailed, err)
	}

	var videoFormat *format.H264
	videoMedia := desc.FindFormat(&videoFormat)
	if videoMedia == nil {
		c.Close()
		return nil, ErrNoVideoStream
	}

	s := &Session{
		client:      c,
		desc:        desc,
		videoMedia:  videoMedia,
		videoFormat: videoFormat,
		packets:     make(chan Packet, 64),
		errs:        make(chan error, 1),
	}
	s.SPS = videoFormat.SPS
	s.PPS = videoFormat.PPS

	setupMedias := []*description.Media{videoMedia}

	if includeAudio {
		var audioFormat *format.MPEG4Audio
		if audioMedia := desc.FindFormat(&audioFormat); audioMedia != nil {
			s.audioMedia = audioMedia
			s.audioFormat = audioFormat
			s.AudioParams = audioParamsFromFormat(audioFormat)
			s.AudioRate = s.AudioParams.SampleRate
			setupMedias = append(setupMedias, audioMedia)
		}
	}

	if err := c.SetupAll(desc.BaseURL, setupMedias); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: setup: %v", ErrStreamInfoFailed, err)
	}

	if err := s.attachDecoders(); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrStreamInfoFailed, err)
	}

	if _, err := c.Play(nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: play: %v", ErrInputOpenFailed, err)
	}

	go func() {
		err := c.Wait()
		select {
		case s.errs <- err:
		default:
		}
	}()

	return s, nil
}

func (s *Session) attachDecoders() error {
	videoDec, err := s.videoFormat.CreateDecoder()
	if err != nil {
		return fmt.Errorf("create h264 decoder: %w", err)
	}

	s.client.OnPacketRTP(s.videoMedia, s.videoFormat, func(pkt *rtp.Packet) {
		pts, ok := s.client.PacketPTS(s.videoMedia, pkt)
		if !ok {
			return
		}
		au, err := videoDec.Decode(pkt)
		if err != nil {
			return
		}
		if sps, pps := spsppsFromAU(au); sps != nil || pps != nil {
			if sps != nil {
				s.SPS = sps
			}
			if pps != nil {
				s.PPS = pps
			}
		}
		nalus := stripParameterSetsAndAUD(au)
		if len(nalus) == 0 {
			return
		}
		ticks := ticksOf(pts, VideoTimescale)
		s.emit(Packet{
			Track:      TrackVideo,
			AU:         nalus,
			PTS:        ticks,
			DTS:        ticks,
			IsKeyframe: isKeyframeAU(au),
		})
	})

	if s.audioMedia == nil {
		return nil
	}

	audioDec, err := s.audioFormat.CreateDecoder()
	if err != nil {
		return fmt.Errorf("create mpeg4audio decoder: %w", err)
	}

	s.client.OnPacketRTP(s.audioMedia, s.audioFormat, func(pkt *rtp.Packet) {
		pts, ok := s.client.PacketPTS(s.audioMedia, pkt)
		if !ok {
			return
		}
		aus, err := audioDec.Decode(pkt)
		if err != nil {
			return
		}
		for i, au := range aus {
			ticks := ticksOf(pts, s.AudioRate) + int64(i)
			s.emit(Packet{
				Track: TrackAudio,
				AU:    [][]byte{au},
				PTS:   ticks,
				DTS:   ticks,
			})
		}
	})

	return nil
}

func (s *Session) emit(p Packet) {
	select {
	case s.packets <- p:
	default:
		// backpressure: drop rather than block the RTP read loop,
		// matching the EAGAIN-tolerant contract of the caller.
	}
}

func ticksOf(d time.Duration, timescale int) int64 {
	if timescale <= 0 {
		timescale = VideoTimescale
	}
	return int64(d) * int64(timescale) / int64(time.Second)
}

// NextPacket blocks until a packet is available, ctx is canceled, or
// the session fails. A canceled ctx returns context.Canceled.
func (s *Session) NextPacket(ctx context.Context) (Packet, error) {
	select {
	case p := <-s.packets:
		return p, nil
	case err := <-s.errs:
		return Packet{}, err
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// HasAudio reports whether an audio track was negotiated.
func (s *Session) HasAudio() bool { return s.audioMedia != nil }

// AudioSampleRate returns the negotiated audio track's sample rate,
// used as its MP4 track timebase; meaningless if HasAudio is false.
func (s *Session) AudioSampleRate() int { return s.AudioParams.SampleRate }

// Close tears down the RTSP connection.
func (s *Session) Close() error {
	s.client.Close()
	return nil
}
