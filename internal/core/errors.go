package core

import "errors"

// Sentinel errors the signal adapter maps onto error acks. Anything
// else coming out of the orchestrator is an engine or lookup failure
// and gets logged plus a generic ack.
var (
	ErrBadPayload     = errors.New("bad payload")
	ErrForbidden      = errors.New("forbidden")
	ErrNotJoined      = errors.New("not joined to a voice channel")
	ErrAfkTransmit    = errors.New("cannot transmit while in the AFK channel")
	ErrJoinInFlight   = errors.New("join already in progress")
	ErrUnknownChannel = errors.New("unknown channel")
)
