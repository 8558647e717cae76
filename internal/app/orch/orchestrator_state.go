package orch

import (
	"context"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
)

// Speaking is a fire-and-forget relay to the channel scope. Speaking
// onset counts as activity for the idle clock.
func (o *Orchestrator) Speaking(uid domain.UserID, speaking bool) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	cid, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return
	}
	if speaking {
		o.Registry.RecordActivity(uid)
	}
	o.toChannel(cid, uid, core.Event{Op: core.OpSpeaking, Data: core.SpeakingData{UserID: uid, Speaking: speaking}})
}

// UpdateVoiceState applies a mute/deafen change. In the AFK channel
// the stored and broadcast muted flag is forced true, and an attempted
// unmute earns a corrective force_mute so client and server state
// cannot drift apart.
func (o *Orchestrator) UpdateVoiceState(ctx context.Context, uid domain.UserID, requested domain.VoiceState) (domain.VoiceState, error) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	cid, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return domain.VoiceState{}, core.ErrNotJoined
	}
	o.Registry.RecordActivity(uid)

	vs, forced := o.Guard.EnforceVoice(ctx, cid, requested)
	o.Registry.SetVoiceState(uid, vs)
	o.Sink.BroadcastAll(core.Event{Op: core.OpVoiceState, Data: core.VoiceStateData{UserID: uid, VoiceState: vs}})
	if forced {
		o.Sink.SendUser(uid, core.Event{Op: core.OpForceMute, Data: core.ForceMuteData{Muted: true}})
	}
	return vs, nil
}

// UpdateMediaState applies a camera/screen change. Enforcement mirrors
// UpdateVoiceState: the AFK channel forces both surfaces off and sends
// a corrective force_media on an attempted enable.
func (o *Orchestrator) UpdateMediaState(ctx context.Context, uid domain.UserID, requested domain.MediaState) (domain.MediaState, error) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	cid, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return domain.MediaState{}, core.ErrNotJoined
	}
	o.Registry.RecordActivity(uid)

	ms, forced := o.Guard.EnforceMedia(ctx, cid, requested)
	o.Registry.SetMediaState(uid, ms)
	o.Sink.BroadcastAll(core.Event{Op: core.OpMediaState, Data: core.MediaStateData{UserID: uid, MediaState: ms}})
	if forced {
		o.Sink.SendUser(uid, core.Event{Op: core.OpForceMedia, Data: core.ForceMediaData{MediaState: ms}})
	}
	return ms, nil
}
