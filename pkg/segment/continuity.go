// SPDX-License-Identifier: GPL-2.0-or-later

package segment

// Continuity is a Stream Recorder's Segment Continuity State: transient,
// in-memory only, and reset whenever the input connection is abandoned
// and reopened.
type Continuity struct {
	// SegmentIndex is 0-based within the current ingest session.
	SegmentIndex int

	// HasAudio is sticky after the first segment: once set it is never
	// re-derived from a later segment's source, even if the source
	// later stops or starts advertising an audio media.
	HasAudio    bool
	hasAudioSet bool

	// LastFrameWasKey is true iff the last packet written to the
	// previous segment was a keyframe.
	LastFrameWasKey bool
}

// stickyHasAudio records the session's audio availability the first
// time it is observed and returns the sticky value thereafter.
func (c *Continuity) stickyHasAudio(sessionHasAudio bool) bool {
	if !c.hasAudioSet {
		c.HasAudio = sessionHasAudio
		c.hasAudioSet = true
	}
	return c.HasAudio
}
