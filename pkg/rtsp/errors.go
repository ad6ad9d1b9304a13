// SPDX-License-Identifier: GPL-2.0-or-later

package rtsp

import "errors"

// Sentinel errors returned by Open, matching the input-side error
// taxonomy: callers distinguish them with errors.Is.
var (
	// ErrInputOpenFailed covers network, auth and DNS failures while
	// establishing the RTSP session.
	ErrInputOpenFailed = errors.New("rtsp: input open failed")

	// ErrStreamInfoFailed covers a successful connection but a failed
	// DESCRIBE / media enumeration.
	ErrStreamInfoFailed = errors.New("rtsp: stream info failed")

	// ErrNoVideoStream means the source advertised no H264 media.
	ErrNoVideoStream = errors.New("rtsp: no video stream")
)
