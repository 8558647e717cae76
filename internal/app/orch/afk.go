package orch

import (
	"context"
	"time"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

// AfkMonitor periodically relocates idle participants to their
// server's AFK channel, using the same move primitives as an admin
// move. It runs on its own ticker and takes the same per-user locks as
// interactive messages.
type AfkMonitor struct {
	Orch     *Orchestrator
	Interval time.Duration

	now func() time.Time
}

func NewAfkMonitor(o *Orchestrator, interval time.Duration) *AfkMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AfkMonitor{Orch: o, Interval: interval, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (m *AfkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	log.Info().Str("module", "afk").Dur("interval", m.Interval).Msg("afk monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "afk").Msg("afk monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every joined user once. Users already parked in their
// server's AFK channel are skipped; so are servers without an AFK
// policy and users whose idle clock was cleared and not yet restarted.
func (m *AfkMonitor) Sweep(ctx context.Context) {
	now := m.now()
	for _, uid := range m.Orch.Registry.JoinedUsers() {
		cid, ok := m.Orch.Registry.ChannelOf(uid)
		if !ok {
			continue
		}
		ch, err := m.Orch.Guard.Channel(ctx, cid)
		if err != nil {
			log.Error().Err(err).Str("module", "afk").Str("channel", string(cid)).Msg("channel lookup")
			continue
		}
		settings, err := m.Orch.Guard.Settings(ctx, ch.ServerID)
		if err != nil {
			log.Error().Err(err).Str("module", "afk").Str("server", string(ch.ServerID)).Msg("settings lookup")
			continue
		}
		if !settings.Enabled() || cid == settings.AfkChannelID {
			continue
		}
		last, ok := m.Orch.Registry.LastActivity(uid)
		if !ok {
			continue
		}
		if now.Sub(last) < time.Duration(settings.AfkTimeout)*time.Second {
			continue
		}
		m.relocate(ctx, uid, cid, settings.AfkChannelID)
	}
}

func (m *AfkMonitor) relocate(ctx context.Context, uid domain.UserID, from, to domain.ChannelID) {
	l := m.Orch.userLock(uid)
	l.Lock()
	defer l.Unlock()

	// Re-check under the lock: the user may have left or been moved
	// between the snapshot and now.
	cur, ok := m.Orch.Registry.ChannelOf(uid)
	if !ok || cur != from {
		return
	}
	if err := m.Orch.moveLocked(ctx, uid, to, core.OpAfkMove, false); err != nil {
		log.Error().Err(err).Str("module", "afk").Str("user", string(uid)).Msg("afk relocation failed")
		return
	}
	// Clear rather than reset: the idle clock restarts from the next
	// activity signal after the user returns to a live channel.
	m.Orch.Registry.ClearActivity(uid)
	log.Info().Str("module", "afk").Str("user", string(uid)).Str("from", string(from)).Str("to", string(to)).Msg("relocated idle user")
}
