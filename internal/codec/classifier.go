// Package codec decides whether a media file can be played directly by a
// browser or must go through the transcode pool. Probe evidence wins when
// present; otherwise release-name tokens in the filename are used, and a
// file with no evidence at all is assumed compatible.
package codec

import (
	"strings"
	"time"

	"swarmstream/internal/domain"
)

// Video codecs browsers do not decode. hevc is deliberately absent: modern
// browsers increasingly handle it and remuxing is cheaper than re-encoding.
var incompatibleVideo = map[string]bool{
	"mpeg2video": true,
	"mpeg2":      true,
	"vc1":        true,
	"msmpeg4":    true,
	"msmpeg4v1":  true,
	"msmpeg4v2":  true,
	"msmpeg4v3":  true,
	"wmv1":       true,
	"wmv2":       true,
	"wmv3":       true,
}

var incompatibleAudio = map[string]bool{
	"ac3":    true,
	"eac3":   true,
	"dts":    true,
	"dts-hd": true,
	"truehd": true,
	"wma":    true,
	"wmav1":  true,
	"wmav2":  true,
	"wmapro": true,
}

// filenameTokens maps release-name markers to the audio codec they imply.
// Ordered: longer or more specific markers first so "DDP5.1" never matches
// the bare "AC3" rule and "DTS-HD" resolves before "DTS".
var filenameTokens = []struct {
	marker string
	codec  string
}{
	{"DDP5.1", "eac3"},
	{"DDP7.1", "eac3"},
	{"DD+", "eac3"},
	{"DDP", "eac3"},
	{"EAC3", "eac3"},
	{"E-AC3", "eac3"},
	{"E-AC-3", "eac3"},
	{"ATMOS", "truehd"},
	{"TRUEHD", "truehd"},
	{"TRUE-HD", "truehd"},
	{"DTS-HD", "dts"},
	{"DTS-X", "dts"},
	{"DTSX", "dts"},
	{"DTS", "dts"},
	{"FLAC", "flac"},
	{"LPCM", "pcm"},
	{"PCM", "pcm"},
	{"WMA", "wma"},
	{"AC-3", "ac3"},
	{"AC3", "ac3"},
	{"DD5.1", "ac3"},
}

// Classify computes the codec profile for a file. It is pure: same inputs,
// same verdict, no I/O. Pass a nil probe when probing failed or was skipped.
func Classify(filename string, probe *domain.MediaInfo) domain.CodecProfile {
	now := time.Now().UTC()

	if probe != nil && (probe.VideoCodec != "" || probe.AudioCodec != "") {
		return classifyProbed(*probe, now)
	}
	return classifyFilename(filename, now)
}

func classifyProbed(probe domain.MediaInfo, now time.Time) domain.CodecProfile {
	p := domain.CodecProfile{
		Source:     domain.CodecSourceProbed,
		Container:  probe.Container,
		VideoCodec: probe.VideoCodec,
		AudioCodec: probe.AudioCodec,
		ComputedAt: now,
	}
	p.VideoTranscode = incompatibleVideo[strings.ToLower(probe.VideoCodec)]
	p.AudioTranscode = audioIncompatible(probe)
	return p
}

func audioIncompatible(probe domain.MediaInfo) bool {
	audio := strings.ToLower(probe.AudioCodec)
	if incompatibleAudio[audio] {
		return true
	}
	// FLAC decodes fine in native containers but not inside mkv playback
	// through MSE pipelines.
	if audio == "flac" && strings.Contains(strings.ToLower(probe.Container), "matroska") {
		return true
	}
	// Multichannel PCM has no browser path; stereo PCM does.
	if strings.HasPrefix(audio, "pcm_") && probe.Channels > 2 {
		return true
	}
	return false
}

func classifyFilename(filename string, now time.Time) domain.CodecProfile {
	p := domain.CodecProfile{
		Source:     domain.CodecSourceAssumed,
		ComputedAt: now,
	}
	upper := strings.ToUpper(filename)
	for _, tok := range filenameTokens {
		if !strings.Contains(upper, tok.marker) {
			continue
		}
		// Every token names a codec with no universal browser support,
		// so a filename verdict always needs the transcoder.
		p.Source = domain.CodecSourceFilename
		p.AudioCodec = tok.codec
		p.AudioTranscode = true
		break
	}
	return p
}
