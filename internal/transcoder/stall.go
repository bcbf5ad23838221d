// SPDX-License-Identifier: MIT

package transcoder

import "regexp"

// DefaultStallSamples is the number of consecutive identical progress
// timestamps that indicate a frozen pipeline.
const DefaultStallSamples = 10

// progressPattern extracts the transcode position from ffmpeg's stderr
// progress lines (e.g. "frame= 120 fps= 25 ... time=00:00:04.80 ...").
var progressPattern = regexp.MustCompile(`time=(\d{2}:\d{2}:\d{2}\.\d+)`)

// stallDetector tracks ffmpeg progress timestamps and reports when the
// same value has been observed threshold times in a row.
//
// ffmpeg keeps printing progress lines while its output is wedged (a dead
// RTMP peer, a frozen RTSP source), so a repeating timestamp is the most
// reliable stall signal available from stderr alone.
type stallDetector struct {
	pattern   *regexp.Regexp
	threshold int
	last      string
	count     int
}

func newStallDetector(threshold int, pattern *regexp.Regexp) *stallDetector {
	if threshold <= 0 {
		threshold = DefaultStallSamples
	}
	if pattern == nil {
		pattern = progressPattern
	}
	return &stallDetector{pattern: pattern, threshold: threshold}
}

// Observe feeds one stderr line to the detector. It returns true exactly
// when the line carries the threshold-th consecutive identical timestamp.
// Lines without a progress token are ignored and do not reset the run.
func (d *stallDetector) Observe(line string) bool {
	m := d.pattern.FindStringSubmatch(line)
	if m == nil {
		return false
	}

	if m[1] == d.last {
		d.count++
	} else {
		d.last = m[1]
		d.count = 1
	}
	return d.count == d.threshold
}
