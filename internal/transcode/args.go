package transcode

import (
	"strconv"

	"swarmstream/internal/domain"
)

// ArgConfig holds all parameters for building the ffmpeg argument list.
// Value type, pass by value to buildArgs.
type ArgConfig struct {
	Profile      domain.CodecProfile
	SeekSeconds  float64
	Preset       string
	CRF          int
	AudioBitrate string
}

// buildArgs constructs the ffmpeg command line: swarm bytes on stdin, one
// progressive fragmented-MP4 stream on stdout. Pure function.
func buildArgs(cfg ArgConfig) []string {
	preset := cfg.Preset
	if preset == "" {
		preset = "veryfast"
	}
	crf := cfg.CRF
	if crf <= 0 {
		crf = 23
	}
	audioBitrate := cfg.AudioBitrate
	if audioBitrate == "" {
		audioBitrate = "192k"
	}

	// Small probe window so ffmpeg starts emitting before the swarm has
	// downloaded much of the file.
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "+genpts+discardcorrupt",
		"-err_detect", "ignore_err",
		"-analyzeduration", "5000000",
		"-probesize", "5000000",
		"-avoid_negative_ts", "make_zero",
	}

	if cfg.SeekSeconds > 0 {
		args = append(args, "-ss", strconv.FormatFloat(cfg.SeekSeconds, 'f', 3, 64))
	}

	args = append(args, "-i", "pipe:0",
		"-map", "0:v:0?",
		"-map", "0:a:0?",
	)

	if cfg.Profile.VideoTranscode {
		args = append(args,
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-preset", preset,
			"-crf", strconv.Itoa(crf),
		)
	} else {
		args = append(args, "-c:v", "copy")
	}

	if cfg.Profile.AudioTranscode {
		args = append(args,
			"-c:a", "aac",
			"-b:a", audioBitrate,
			"-ac", "2",
		)
	} else {
		args = append(args, "-c:a", "copy")
	}

	// Fragmented MP4: playable over a non-seekable pipe, no moov rewrite.
	args = append(args,
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4",
		"pipe:1",
	)
	return args
}
