package core

import (
	"context"

	"github.com/avask/parley/internal/domain"
)

// Frame is a raw outbound payload (a marshalled event).
type Frame []byte

type SessionID string

// SignalConn abstracts a system messaging transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// EventSink is how the orchestrator reaches connected sockets. The
// signal adapter implements it over its per-user connection sets; a
// user with several tabs receives targeted events on all of them.
type EventSink interface {
	BroadcastAll(ev Event)
	BroadcastUsers(ids []domain.UserID, ev Event)
	SendUser(id domain.UserID, ev Event)
}

// Directory is the membership/role/settings collaborator. Everything
// behind it (storage, auth, CRUD) is out of scope here.
type Directory interface {
	RoleOf(ctx context.Context, userID domain.UserID, serverID domain.ServerID) (domain.Role, error)
	ChannelInfo(ctx context.Context, channelID domain.ChannelID) (domain.Channel, error)
	AfkSettings(ctx context.Context, serverID domain.ServerID) (domain.AfkSettings, error)
}

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// RouterCaps describes what a channel's router can route; clients need
// it before negotiating transports.
type RouterCaps struct {
	Codecs []CodecCapability `json:"codecs"`
}

type CodecCapability struct {
	MimeType  string `json:"mime_type"`
	ClockRate uint32 `json:"clock_rate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// TransportInfo is handed to the client to complete its handshake.
// Offer carries the engine-side session description.
type TransportInfo struct {
	ID        string             `json:"id"`
	Direction TransportDirection `json:"direction"`
	Offer     string             `json:"offer"`
}

// ConnectParams is the client's half of the transport handshake.
type ConnectParams struct {
	Answer string `json:"answer"`
}

// ProduceParams identifies the client-side track backing a producer.
type ProduceParams struct {
	TrackID string `json:"track_id"`
}

// ConsumerCaps is what the consuming client can receive.
type ConsumerCaps struct {
	Codecs []CodecCapability `json:"codecs"`
}

type ConsumerInfo struct {
	ID         string `json:"id"`
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
	// Offer is the renegotiated recv-transport description including
	// the new track, empty when the engine needs no renegotiation.
	Offer string `json:"offer,omitempty"`
}

// MediaEngine is the opaque media-routing collaborator. The
// orchestration layer calls it and never looks inside; the bundled
// implementation lives in adapters/rtc.
type MediaEngine interface {
	CreateRouter(ctx context.Context, channelID domain.ChannelID) (RouterCaps, error)
	CloseRouter(ctx context.Context, channelID domain.ChannelID) error

	CreateTransport(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, dir TransportDirection) (TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, params ConnectParams) error
	CloseTransport(ctx context.Context, transportID string) error

	Produce(ctx context.Context, transportID, kind string, params ProduceParams) (string, error)
	CloseProducer(ctx context.Context, producerID string) error

	Consume(ctx context.Context, transportID, producerID string, caps ConsumerCaps) (ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	CloseConsumer(ctx context.Context, consumerID string) error
}

// ProducerRef is the public identity of an active producer, enough for
// a peer to start consuming.
type ProducerRef struct {
	ProducerID string           `json:"producer_id"`
	UserID     domain.UserID    `json:"user_id"`
	Kind       domain.MediaKind `json:"kind"`
}
