package signal

import (
	"context"
	"encoding/json"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) handleJoin(ctx context.Context, c *Conn, rid string, data []byte) {
	if !ctl.Limiter.Allow(c.uid) {
		ctl.sendJSON(c, errorReply{Type: "error", RID: rid, Error: "rate_limited"})
		return
	}

	var p struct {
		Type      string `json:"type"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}

	repl, err := ctl.Orch.Join(ctx, c.uid, domain.ChannelID(p.ChannelID))
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ack(c, rid, repl)
}

func (ctl *Controller) handleLeave(ctx context.Context, c *Conn) {
	ctl.Orch.Leave(ctx, c.uid)
}
