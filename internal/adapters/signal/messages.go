package signal

import (
	"encoding/json"
	"errors"

	"github.com/avask/parley/internal/core"
	"github.com/rs/zerolog/log"
)

// Client → server ops. The dispatch switch in io.go is the closed set;
// anything else is acked as an error.
const (
	opJoin             = "join"
	opLeave            = "leave"
	opCreateTransport  = "create_transport"
	opConnectTransport = "connect_transport"
	opProduce          = "produce"
	opConsume          = "consume"
	opResumeConsumer   = "resume_consumer"
	opCloseProducer    = "close_producer"
	opSpeaking         = "speaking"
	opVoiceStateUpdate = "voice_state_update"
	opMediaStateUpdate = "media_state_update"
	opMoveUser         = "move_user"
	opPing             = "ping"
)

// envelope is the common prefix of every inbound message. RID is the
// client's correlation id, echoed on the reply when present.
type envelope struct {
	Type string `json:"type"`
	RID  string `json:"rid,omitempty"`
}

type reply struct {
	Type string `json:"type"`
	RID  string `json:"rid,omitempty"`
	Data any    `json:"d,omitempty"`
}

type errorReply struct {
	Type  string `json:"type"`
	RID   string `json:"rid,omitempty"`
	Error string `json:"error"`
}

func (ctl *Controller) sendJSON(c *Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) ack(c *Conn, rid string, data any) {
	ctl.sendJSON(c, reply{Type: "reply", RID: rid, Data: data})
}

// ackErr translates orchestrator errors into wire error strings.
// Unrecognized errors (engine, lookups) are logged and acked
// generically; the detail stays server-side.
func (ctl *Controller) ackErr(c *Conn, rid string, err error) {
	msg := "internal error"
	switch {
	case errors.Is(err, core.ErrBadPayload):
		msg = "bad_payload"
	case errors.Is(err, core.ErrForbidden):
		msg = "forbidden"
	case errors.Is(err, core.ErrNotJoined):
		msg = "not_joined"
	case errors.Is(err, core.ErrUnknownChannel):
		msg = "unknown_channel"
	case errors.Is(err, core.ErrJoinInFlight):
		msg = "join_in_flight"
	case errors.Is(err, core.ErrAfkTransmit):
		msg = "cannot transmit in the AFK channel"
	default:
		log.Error().Err(err).Str("module", "signal").Str("user", string(c.uid)).Msg("operation failed")
	}
	ctl.sendJSON(c, errorReply{Type: "error", RID: rid, Error: msg})
}
