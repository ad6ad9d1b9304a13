// SPDX-License-Identifier: GPL-2.0-or-later

package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStringNamesEveryState(t *testing.T) {
	cases := map[State]string{
		WaitFirstKeyframe: "wait_first_keyframe",
		Recording:         "recording",
		WaitFinalKeyframe: "wait_final_keyframe",
		Done:              "done",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}

func TestStateStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", State(99).String())
}
