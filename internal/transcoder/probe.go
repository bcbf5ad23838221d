// SPDX-License-Identifier: MIT

package transcoder

import (
	"context"
	"encoding/json"
	"os/exec"
)

// probeReadLimitUS bounds how long ffprobe reads from the source, in
// microseconds (5 s). The wall clock is bounded separately by
// Settings.ProbeTimeout.
const probeReadLimitUS = "5000000"

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// DetectAudio probes cameraURL with ffprobe and reports whether the
// source advertises at least one audio stream. It never returns true on
// timeout, probe failure or unparsable output.
func (d *Driver) DetectAudio(ctx context.Context, cameraURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-rw_timeout", probeReadLimitUS,
		cameraURL,
	}

	// #nosec G204 - ffprobe path comes from configuration, args are fixed
	out, err := exec.CommandContext(ctx, d.cfg.FFprobePath, args...).Output()
	if err != nil {
		d.cfg.Logger.Debug("audio probe failed, assuming no audio",
			"camera", cameraURL, "error", err)
		return false
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return false
	}

	for _, s := range parsed.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}
