package app

import (
	"context"
	"time"

	"github.com/avask/parley/internal/cache"
	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
)

// AfkGuard is the one place that knows whether a channel is a server's
// AFK channel and what that implies. Every state-mutating entry point
// (produce, voice-state-update, media-state-update) consults it, so a
// new media type inherits enforcement without new checks.
//
// Channel→server and settings lookups go through the directory
// collaborator and are cached; the UpdateAfkSettings push hook keeps
// the cache current when server settings change.
type AfkGuard struct {
	dir      core.Directory
	channels *cache.TTL[domain.ChannelID, domain.Channel]
	settings *cache.TTL[domain.ServerID, domain.AfkSettings]
}

func NewAfkGuard(dir core.Directory) *AfkGuard {
	return &AfkGuard{
		dir:      dir,
		channels: cache.New[domain.ChannelID, domain.Channel](5*time.Minute, time.Minute),
		settings: cache.New[domain.ServerID, domain.AfkSettings](5*time.Minute, time.Minute),
	}
}

func (g *AfkGuard) Close() {
	g.channels.Close()
	g.settings.Close()
}

func (g *AfkGuard) Channel(ctx context.Context, cid domain.ChannelID) (domain.Channel, error) {
	if ch, ok := g.channels.Get(cid); ok {
		return ch, nil
	}
	ch, err := g.dir.ChannelInfo(ctx, cid)
	if err != nil {
		return domain.Channel{}, err
	}
	g.channels.Set(cid, ch)
	return ch, nil
}

func (g *AfkGuard) Settings(ctx context.Context, sid domain.ServerID) (domain.AfkSettings, error) {
	if s, ok := g.settings.Get(sid); ok {
		return s, nil
	}
	s, err := g.dir.AfkSettings(ctx, sid)
	if err != nil {
		return domain.AfkSettings{}, err
	}
	g.settings.Set(sid, s)
	return s, nil
}

// UpdateAfkSettings is the settings-change push hook.
func (g *AfkGuard) UpdateAfkSettings(sid domain.ServerID, s domain.AfkSettings) {
	g.settings.Set(sid, s)
}

// IsAfkChannel reports whether cid is its owning server's AFK channel.
// Lookup failures count as "not AFK": enforcement degrades open rather
// than blocking normal channels on a directory hiccup.
func (g *AfkGuard) IsAfkChannel(ctx context.Context, cid domain.ChannelID) bool {
	ch, err := g.Channel(ctx, cid)
	if err != nil {
		return false
	}
	s, err := g.Settings(ctx, ch.ServerID)
	if err != nil {
		return false
	}
	return s.Enabled() && s.AfkChannelID == cid
}

// CheckTransmit rejects producing media from inside the AFK channel.
func (g *AfkGuard) CheckTransmit(ctx context.Context, cid domain.ChannelID) error {
	if g.IsAfkChannel(ctx, cid) {
		return core.ErrAfkTransmit
	}
	return nil
}

// EnforceVoice forces muted=true inside the AFK channel. The second
// return reports whether the requested state was overridden.
func (g *AfkGuard) EnforceVoice(ctx context.Context, cid domain.ChannelID, vs domain.VoiceState) (domain.VoiceState, bool) {
	if !g.IsAfkChannel(ctx, cid) {
		return vs, false
	}
	forced := !vs.Muted
	vs.Muted = true
	return vs, forced
}

// EnforceMedia forces camera and screen share off inside the AFK
// channel, symmetric with EnforceVoice.
func (g *AfkGuard) EnforceMedia(ctx context.Context, cid domain.ChannelID, ms domain.MediaState) (domain.MediaState, bool) {
	if !g.IsAfkChannel(ctx, cid) {
		return ms, false
	}
	forced := ms.CameraOn || ms.ScreenSharing
	return domain.MediaState{}, forced
}
