package signal

import (
	"encoding/json"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

// Controller implements core.EventSink. Events are marshalled once and
// stamped with an increasing seq so clients can detect gaps; a full
// send buffer drops the frame for that socket rather than blocking the
// orchestrator.

func (ctl *Controller) marshal(ev core.Event) (core.Frame, bool) {
	ev.Seq = ctl.seq.Add(1)
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("op", ev.Op).Msg("marshal event")
		return nil, false
	}
	return b, true
}

func (ctl *Controller) BroadcastAll(ev core.Event) {
	frame, ok := ctl.marshal(ev)
	if !ok {
		return
	}
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	for _, set := range ctl.conns {
		for c := range set {
			if err := c.TrySend(frame); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(c.uid)).Str("op", ev.Op).Msg("dropping event")
			}
		}
	}
}

func (ctl *Controller) BroadcastUsers(ids []domain.UserID, ev core.Event) {
	frame, ok := ctl.marshal(ev)
	if !ok {
		return
	}
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	for _, uid := range ids {
		for c := range ctl.conns[uid] {
			if err := c.TrySend(frame); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Str("op", ev.Op).Msg("dropping event")
			}
		}
	}
}

func (ctl *Controller) SendUser(uid domain.UserID, ev core.Event) {
	ctl.BroadcastUsers([]domain.UserID{uid}, ev)
}
