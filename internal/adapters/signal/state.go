package signal

import (
	"context"
	"encoding/json"

	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) handleSpeaking(c *Conn, data []byte) {
	var p struct {
		Type     string `json:"type"`
		Speaking bool   `json:"speaking"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.Orch.Speaking(c.uid, p.Speaking)
}

func (ctl *Controller) handleVoiceState(ctx context.Context, c *Conn, data []byte) {
	var p struct {
		Type string `json:"type"`
		domain.VoiceState
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Str("module", "signal").Msg("bad voice_state_update payload")
		return
	}
	if _, err := ctl.Orch.UpdateVoiceState(ctx, c.uid, p.VoiceState); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("user", string(c.uid)).Msg("voice state rejected")
	}
}

func (ctl *Controller) handleMediaState(ctx context.Context, c *Conn, data []byte) {
	var p struct {
		Type string `json:"type"`
		domain.MediaState
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Str("module", "signal").Msg("bad media_state_update payload")
		return
	}
	if _, err := ctl.Orch.UpdateMediaState(ctx, c.uid, p.MediaState); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("user", string(c.uid)).Msg("media state rejected")
	}
}
