package core

import "github.com/avask/parley/internal/domain"

// Event is the outbound envelope. Seq is stamped by the sink so
// clients can detect gaps.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// Server → client ops.
const (
	OpUserJoined     = "user_joined"
	OpUserLeft       = "user_left"
	OpNewProducer    = "new_producer"
	OpProducerClosed = "producer_closed"
	OpParticipants   = "participants"
	OpVoiceSync      = "voice_sync"
	OpSpeaking       = "speaking"
	OpVoiceState     = "voice_state_update"
	OpMediaState     = "media_state_update"

	// Targeted corrections. Move and AfkMove are distinct on purpose:
	// clients surface "you were moved" and "you idled out" differently.
	OpMove       = "move"
	OpAfkMove    = "afk_move"
	OpForceMute  = "force_mute"
	OpForceMedia = "force_media"
)

type UserJoinedData struct {
	UserID    domain.UserID    `json:"user_id"`
	ChannelID domain.ChannelID `json:"channel_id"`
}

type UserLeftData struct {
	UserID    domain.UserID    `json:"user_id"`
	ChannelID domain.ChannelID `json:"channel_id"`
}

type NewProducerData struct {
	ProducerRef
	ChannelID domain.ChannelID `json:"channel_id"`
}

type ProducerClosedData struct {
	ProducerID string           `json:"producer_id"`
	UserID     domain.UserID    `json:"user_id"`
	Kind       domain.MediaKind `json:"kind"`
	ChannelID  domain.ChannelID `json:"channel_id"`
}

type ParticipantsData struct {
	ChannelID    domain.ChannelID `json:"channel_id"`
	Participants []domain.UserID  `json:"participants"`
}

// VoiceSyncData is the full-state snapshot pushed to a freshly
// connected socket so sidebars render without extra round trips.
type VoiceSyncData struct {
	Channels    map[domain.ChannelID][]domain.UserID `json:"channels"`
	VoiceStates map[domain.UserID]domain.VoiceState  `json:"voice_states"`
	MediaStates map[domain.UserID]domain.MediaState  `json:"media_states"`
}

type SpeakingData struct {
	UserID   domain.UserID `json:"user_id"`
	Speaking bool          `json:"speaking"`
}

type VoiceStateData struct {
	UserID domain.UserID `json:"user_id"`
	domain.VoiceState
}

type MediaStateData struct {
	UserID domain.UserID `json:"user_id"`
	domain.MediaState
}

// MoveData tells a relocated user where they are now and what is
// already live there, so they can consume without another round trip.
type MoveData struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	Producers []ProducerRef    `json:"producers,omitempty"`
}

type ForceMuteData struct {
	Muted bool `json:"muted"`
}

type ForceMediaData struct {
	domain.MediaState
}
