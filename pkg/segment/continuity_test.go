// SPDX-License-Identifier: GPL-2.0-or-later

package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStickyHasAudioLatchesFirstObservation(t *testing.T) {
	var c Continuity

	require.True(t, c.stickyHasAudio(true))
	require.True(t, c.HasAudio)

	// A later session with no audio must not clear the sticky flag.
	require.True(t, c.stickyHasAudio(false))
	require.True(t, c.HasAudio)
}

func TestStickyHasAudioLatchesFalse(t *testing.T) {
	var c Continuity

	require.False(t, c.stickyHasAudio(false))
	require.False(t, c.stickyHasAudio(true))
	require.False(t, c.HasAudio)
}

func TestZeroContinuityIsWaitingForFirstSegment(t *testing.T) {
	var c Continuity
	require.Equal(t, 0, c.SegmentIndex)
	require.False(t, c.LastFrameWasKey)
}
