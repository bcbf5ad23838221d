// SPDX-License-Identifier: MIT

// Package transcoder spawns and observes external ffmpeg processes, one
// per running stream: RTSP in, branded overlay composition, FLV out to
// an RTMP ingest URL.
//
// The driver owns process lifecycle only. It has no retry policy: on any
// child exit it invokes the caller-supplied retry binding and lets the
// supervisor core decide whether to respawn.
package transcoder

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultStartupTimeout is the hard deadline for ffmpeg to report an
	// established stream mapping before the start attempt is abandoned.
	DefaultStartupTimeout = 10 * time.Second

	// DefaultStopGrace is how long a SIGTERM gets before escalation.
	DefaultStopGrace = 5 * time.Second

	// DefaultStopTimeout bounds Stop's overall bookkeeping.
	DefaultStopTimeout = 10 * time.Second

	// DefaultProbeTimeout is the wall-clock limit for the audio probe.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultRTMPBase is the YouTube primary ingest endpoint.
	DefaultRTMPBase = "rtmp://a.rtmp.youtube.com/live2"
)

// Settings contains driver configuration. Zero fields fall back to the
// documented defaults.
type Settings struct {
	FFmpegPath      string // ffmpeg binary (default: "ffmpeg")
	FFprobePath     string // ffprobe binary (default: "ffprobe")
	PrimaryLogoPath string // platform overlay, bottom-right
	ClientLogoPath  string // per-deployment overlay, top-right
	RTMPBase        string // ingest base joined with the stream key
	VideoBitrate    string // default "4500k"
	VideoMaxrate    string // default "5000k"
	VideoBufsize    string // default "10000k"
	Scale           string // output resolution, default "1920:1080"
	StartupTimeout  time.Duration
	StopGrace       time.Duration
	StopTimeout     time.Duration
	ProbeTimeout    time.Duration
	StallSamples    int    // consecutive identical progress samples before a kill
	LogDir          string // per-court ffmpeg stderr logs; empty = discard
	Logger          *slog.Logger
}

func (s *Settings) applyDefaults() {
	if s.FFmpegPath == "" {
		s.FFmpegPath = "ffmpeg"
	}
	if s.FFprobePath == "" {
		s.FFprobePath = "ffprobe"
	}
	if s.RTMPBase == "" {
		s.RTMPBase = DefaultRTMPBase
	}
	if s.VideoBitrate == "" {
		s.VideoBitrate = "4500k"
	}
	if s.VideoMaxrate == "" {
		s.VideoMaxrate = "5000k"
	}
	if s.VideoBufsize == "" {
		s.VideoBufsize = "10000k"
	}
	if s.Scale == "" {
		s.Scale = "1920:1080"
	}
	if s.StartupTimeout == 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.StopGrace == 0 {
		s.StopGrace = DefaultStopGrace
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.ProbeTimeout == 0 {
		s.ProbeTimeout = DefaultProbeTimeout
	}
	if s.StallSamples == 0 {
		s.StallSamples = DefaultStallSamples
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// StartRequest describes one stream to transcode.
type StartRequest struct {
	StreamID  string // agent-assigned record id, exported to the child env
	CameraURL string
	StreamKey string
	CourtID   string
	HasAudio  bool
}

// buildArgs assembles the ffmpeg argument vector. The composition and
// ordering are a behavioral contract with the deployed ffmpeg builds;
// do not reorder.
func buildArgs(cfg *Settings, req StartRequest) []string {
	args := []string{
		"-rtsp_transport", "tcp",
		"-i", req.CameraURL,
	}

	// Input indices for the two overlay images shift when the synthetic
	// silent audio input is present.
	logoIdx := 1
	if !req.HasAudio {
		args = append(args,
			"-f", "lavfi",
			"-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		)
		logoIdx = 2
	}

	args = append(args, "-i", cfg.PrimaryLogoPath, "-i", cfg.ClientLogoPath)

	filter := fmt.Sprintf(
		"[%d:v]scale=500:-1:force_original_aspect_ratio=decrease[plogo];"+
			"[%d:v]scale=350:-1:force_original_aspect_ratio=decrease[clogo];"+
			"[0:v]scale=%s[base];"+
			"[base][plogo]overlay=main_w-overlay_w-10:main_h-overlay_h-10[withp];"+
			"[withp][clogo]overlay=main_w-overlay_w-10:10",
		logoIdx, logoIdx+1, cfg.Scale,
	)

	args = append(args,
		"-filter_complex", filter,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", cfg.VideoBitrate,
		"-maxrate", cfg.VideoMaxrate,
		"-bufsize", cfg.VideoBufsize,
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
		"-shortest",
		"-f", "flv",
		destinationURL(cfg.RTMPBase, req.StreamKey),
	)

	return args
}

// destinationURL joins the RTMP base with the stream key.
func destinationURL(base, streamKey string) string {
	return strings.TrimRight(base, "/") + "/" + streamKey
}
