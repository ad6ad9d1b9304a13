// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import "errors"

// ErrStreamNotConfigured is returned when the Catalog has no
// configuration row for the Recorder's stream, e.g. it was deleted by
// an admin path while the Recorder was mid-segment.
var ErrStreamNotConfigured = errors.New("recorder: stream not configured")
