package domain

import "time"

// CodecSource tags where a CodecProfile's evidence came from. A profile is
// exactly one of probed, inferred from the filename, or assumed compatible
// because no evidence was available.
type CodecSource string

const (
	CodecSourceProbed   CodecSource = "probed"
	CodecSourceFilename CodecSource = "filename"
	CodecSourceAssumed  CodecSource = "assumed"
)

// MediaInfo is the probe result for a media file's primary streams.
type MediaInfo struct {
	Container  string  `json:"container"`
	VideoCodec string  `json:"videoCodec"`
	AudioCodec string  `json:"audioCodec"`
	Channels   int     `json:"channels"`
	Duration   float64 `json:"duration"`
}

// CodecProfile is the classifier's verdict for one file. It is immutable
// once computed and safe to cache by file identity.
type CodecProfile struct {
	Source          CodecSource `json:"source"`
	Container       string      `json:"container,omitempty"`
	VideoCodec      string      `json:"videoCodec,omitempty"`
	AudioCodec      string      `json:"audioCodec,omitempty"`
	VideoTranscode  bool        `json:"videoTranscode"`
	AudioTranscode  bool        `json:"audioTranscode"`
	ComputedAt      time.Time   `json:"computedAt"`
}

// NeedsTranscoding reports whether direct byte-range playback is unsafe.
func (p CodecProfile) NeedsTranscoding() bool {
	return p.VideoTranscode || p.AudioTranscode
}
