package codec

import (
	"testing"

	"swarmstream/internal/domain"
)

func TestClassifyProbed(t *testing.T) {
	tests := []struct {
		name      string
		probe     domain.MediaInfo
		wantVideo bool
		wantAudio bool
	}{
		{
			name:  "h264 aac mp4 plays directly",
			probe: domain.MediaInfo{Container: "mov", VideoCodec: "h264", AudioCodec: "aac", Channels: 2},
		},
		{
			name:      "eac3 audio needs transcoding",
			probe:     domain.MediaInfo{Container: "matroska", VideoCodec: "h264", AudioCodec: "eac3", Channels: 6},
			wantAudio: true,
		},
		{
			name:      "dts audio needs transcoding",
			probe:     domain.MediaInfo{Container: "matroska", VideoCodec: "h264", AudioCodec: "dts", Channels: 6},
			wantAudio: true,
		},
		{
			name:      "truehd audio needs transcoding",
			probe:     domain.MediaInfo{Container: "matroska", VideoCodec: "hevc", AudioCodec: "truehd", Channels: 8},
			wantAudio: true,
		},
		{
			name:  "hevc video is not flagged",
			probe: domain.MediaInfo{Container: "matroska", VideoCodec: "hevc", AudioCodec: "aac", Channels: 2},
		},
		{
			name:      "mpeg2 video needs transcoding",
			probe:     domain.MediaInfo{Container: "mpegts", VideoCodec: "mpeg2video", AudioCodec: "mp2", Channels: 2},
			wantVideo: true,
		},
		{
			name:      "vc1 video needs transcoding",
			probe:     domain.MediaInfo{Container: "asf", VideoCodec: "vc1", AudioCodec: "wmapro", Channels: 6},
			wantVideo: true,
			wantAudio: true,
		},
		{
			name:      "flac in mkv needs transcoding",
			probe:     domain.MediaInfo{Container: "matroska", VideoCodec: "h264", AudioCodec: "flac", Channels: 2},
			wantAudio: true,
		},
		{
			name:  "flac in native container plays directly",
			probe: domain.MediaInfo{Container: "flac", AudioCodec: "flac", Channels: 2},
		},
		{
			name:      "multichannel pcm needs transcoding",
			probe:     domain.MediaInfo{Container: "matroska", VideoCodec: "h264", AudioCodec: "pcm_s24le", Channels: 6},
			wantAudio: true,
		},
		{
			name:  "stereo pcm plays directly",
			probe: domain.MediaInfo{Container: "wav", AudioCodec: "pcm_s16le", Channels: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Classify("whatever.mkv", &tt.probe)
			if p.Source != domain.CodecSourceProbed {
				t.Fatalf("source = %s, want probed", p.Source)
			}
			if p.VideoTranscode != tt.wantVideo {
				t.Errorf("videoTranscode = %v, want %v", p.VideoTranscode, tt.wantVideo)
			}
			if p.AudioTranscode != tt.wantAudio {
				t.Errorf("audioTranscode = %v, want %v", p.AudioTranscode, tt.wantAudio)
			}
		})
	}
}

func TestClassifyFilenameTokens(t *testing.T) {
	tests := []struct {
		filename  string
		wantCodec string
	}{
		{"Movie.2023.2160p.WEB-DL.DDP5.1.x265-GROUP.mkv", "eac3"},
		{"Movie.2023.1080p.DD+.7.1.mkv", "eac3"},
		{"Show.S01E01.Atmos.TrueHD.7.1.mkv", "truehd"},
		{"Movie.1080p.BluRay.TrueHD.mkv", "truehd"},
		{"Movie.2160p.DTS-HD.MA.mkv", "dts"},
		{"Movie.2160p.DTS-X.mkv", "dts"},
		{"Movie.720p.DTS.mkv", "dts"},
		{"Concert.FLAC.2.0.mkv", "flac"},
		{"Movie.Remux.LPCM.mkv", "pcm"},
		{"Old.Movie.WMA.avi", "wma"},
		{"Movie.1999.AC3.avi", "ac3"},
		{"Movie.DD5.1.avi", "ac3"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			p := Classify(tt.filename, nil)
			if p.Source != domain.CodecSourceFilename {
				t.Fatalf("source = %s, want filename", p.Source)
			}
			if p.AudioCodec != tt.wantCodec {
				t.Errorf("audioCodec = %q, want %q", p.AudioCodec, tt.wantCodec)
			}
			if !p.NeedsTranscoding() {
				t.Error("filename token match must need transcoding")
			}
		})
	}
}

func TestClassifyNoEvidenceAssumesCompatible(t *testing.T) {
	p := Classify("Movie.2023.1080p.WEB-DL.x264-GROUP.mp4", nil)
	if p.Source != domain.CodecSourceAssumed {
		t.Fatalf("source = %s, want assumed", p.Source)
	}
	if p.NeedsTranscoding() {
		t.Error("no evidence must mean direct playback")
	}
}

func TestClassifyProbeWinsOverFilename(t *testing.T) {
	probe := &domain.MediaInfo{Container: "mov", VideoCodec: "h264", AudioCodec: "aac", Channels: 2}
	p := Classify("Movie.DDP5.1.mkv", probe)
	if p.Source != domain.CodecSourceProbed {
		t.Fatalf("source = %s, want probed", p.Source)
	}
	if p.NeedsTranscoding() {
		t.Error("probe evidence outranks filename tokens")
	}
}

func TestCache(t *testing.T) {
	cache := NewCache()
	key := domain.StreamKey{InfoHash: "08ada5a7a6183aae1e09d831df6748d566095a10", FileIndex: 0}

	first := cache.Classify(key, "Movie.DDP5.1.mkv", nil)
	if first.AudioCodec != "eac3" {
		t.Fatalf("audioCodec = %q", first.AudioCodec)
	}

	// A second call with contradictory evidence must return the cached
	// profile untouched.
	second := cache.Classify(key, "Other.Name.mp4", nil)
	if second != first {
		t.Error("cache must return the stored profile for the same file identity")
	}

	cache.Forget(key)
	third := cache.Classify(key, "Other.Name.mp4", nil)
	if third.Source != domain.CodecSourceAssumed {
		t.Errorf("after Forget, profile recomputed: source = %s", third.Source)
	}
}
