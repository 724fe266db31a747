package ffprobe

import "testing"

const sampleOutput = `{
	"streams": [
		{"codec_type": "video", "codec_name": "h264", "disposition": {"default": 1}},
		{"codec_type": "audio", "codec_name": "aac", "channels": 2, "disposition": {"default": 0}},
		{"codec_type": "audio", "codec_name": "eac3", "channels": 6, "disposition": {"default": 1}},
		{"codec_type": "subtitle", "codec_name": "subrip"}
	],
	"format": {"format_name": "matroska,webm", "duration": "5164.32"}
}`

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(sampleOutput))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if info.Container != "matroska" {
		t.Errorf("container = %q, want matroska", info.Container)
	}
	if info.VideoCodec != "h264" {
		t.Errorf("video codec = %q, want h264", info.VideoCodec)
	}
	if info.AudioCodec != "eac3" {
		t.Errorf("audio codec = %q, want default-flagged eac3", info.AudioCodec)
	}
	if info.Channels != 6 {
		t.Errorf("channels = %d, want 6", info.Channels)
	}
	if info.Duration != 5164.32 {
		t.Errorf("duration = %v", info.Duration)
	}
}

func TestParseProbeOutputFirstStreamsWin(t *testing.T) {
	const out = `{
		"streams": [
			{"codec_type": "audio", "codec_name": "ac3", "channels": 6},
			{"codec_type": "audio", "codec_name": "aac", "channels": 2}
		],
		"format": {"format_name": "avi"}
	}`
	info, err := parseProbeOutput([]byte(out))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if info.AudioCodec != "ac3" {
		t.Errorf("audio codec = %q, want first stream ac3", info.AudioCodec)
	}
}

func TestParseProbeOutputInvalid(t *testing.T) {
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
