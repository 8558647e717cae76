package domain

import "errors"

// MediaKind is the logical slot a producer occupies. One producer per
// kind per user; screen shares carry video and audio as separate kinds.
type MediaKind string

const (
	MediaAudio       MediaKind = "audio"
	MediaVideo       MediaKind = "video"
	MediaScreen      MediaKind = "screen"
	MediaScreenAudio MediaKind = "screen-audio"
)

var ErrUnknownMediaKind = errors.New("unknown media kind")

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(raw) {
	case MediaAudio, MediaVideo, MediaScreen, MediaScreenAudio:
		return MediaKind(raw), nil
	}
	return "", ErrUnknownMediaKind
}

// PayloadKind reports the engine-level payload ("audio" or "video")
// behind a logical media kind.
func (k MediaKind) PayloadKind() string {
	switch k {
	case MediaAudio, MediaScreenAudio:
		return "audio"
	default:
		return "video"
	}
}

// VoiceState mirrors what peers see about a participant's audio.
type VoiceState struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

// MediaState mirrors what peers see about a participant's video surfaces.
type MediaState struct {
	CameraOn      bool `json:"camera_on"`
	ScreenSharing bool `json:"screen_sharing"`
}
