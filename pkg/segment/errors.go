// SPDX-License-Identifier: GPL-2.0-or-later

package segment

import "errors"

// Sentinel errors matching the Segment Writer's error taxonomy. Input-
// side failures (open/describe/no-video) are returned directly from
// pkg/rtsp and propagate unwrapped; these cover the output side.
var (
	ErrOutputOpenFailed   = errors.New("segment: output open failed")
	ErrHeaderWriteFailed  = errors.New("segment: header write failed")
	ErrPacketReadError    = errors.New("segment: packet read error")
	ErrEOF                = errors.New("segment: input eof")
	ErrTrailerWriteFailed = errors.New("segment: trailer write failed")
)
