package signal

import (
	"context"
	"encoding/json"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
)

func (ctl *Controller) handleMoveUser(ctx context.Context, c *Conn, rid string, data []byte) {
	if !ctl.Limiter.Allow(c.uid) {
		ctl.sendJSON(c, errorReply{Type: "error", RID: rid, Error: "rate_limited"})
		return
	}

	var p struct {
		Type      string `json:"type"`
		UserID    string `json:"user_id"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" || p.ChannelID == "" {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}

	err := ctl.Orch.MoveUser(ctx, c.uid, domain.UserID(p.UserID), domain.ChannelID(p.ChannelID))
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ack(c, rid, nil)
}
