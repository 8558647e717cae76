package orch

import (
	"context"
	"fmt"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

// MoveUser relocates target to another voice channel on an admin's or
// owner's authority. The target's own connections are told to rejoin
// via a dedicated move event; their mute/deafen preference survives
// the transfer.
func (o *Orchestrator) MoveUser(ctx context.Context, actor, target domain.UserID, to domain.ChannelID) error {
	ch, err := o.Guard.Channel(ctx, to)
	if err != nil {
		return core.ErrUnknownChannel
	}
	role, err := o.Dir.RoleOf(ctx, actor, ch.ServerID)
	if err != nil {
		return fmt.Errorf("role lookup: %w", err)
	}
	if !role.CanMoveMembers() {
		return core.ErrForbidden
	}

	l := o.userLock(target)
	l.Lock()
	defer l.Unlock()

	cur, ok := o.Registry.ChannelOf(target)
	if !ok {
		return core.ErrNotJoined
	}
	if cur == to {
		return core.ErrBadPayload
	}

	if err := o.moveLocked(ctx, target, to, core.OpMove, true); err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("actor", string(actor)).Str("target", string(target)).
		Str("from", string(cur)).Str("to", string(to)).Msg("user moved")
	return nil
}

// moveLocked transfers a membership without re-running join
// authorization — the mover already authorized it. Producer closures
// and the user_left go out before engine teardown, same ordering as a
// normal leave. Caller holds the target's user lock and has validated
// the target is joined somewhere else.
func (o *Orchestrator) moveLocked(ctx context.Context, uid domain.UserID, to domain.ChannelID, moveOp string, preserveVoice bool) error {
	prior, _ := o.Registry.VoiceState(uid)

	o.leaveLocked(ctx, uid)

	afk := o.Guard.IsAfkChannel(ctx, to)
	muted := afk || (preserveVoice && prior.Muted)

	cl := o.channelLock(to)
	cl.Lock()
	if _, err := o.Media.GetOrCreateRouter(ctx, to); err != nil {
		cl.Unlock()
		// The old membership is already gone; the user ends up parked
		// nowhere and rejoins by hand. Better than half a membership.
		return err
	}
	err := o.Registry.JoinChannel(uid, to, muted)
	cl.Unlock()
	if err != nil {
		return err
	}
	if preserveVoice && prior.Deafened && !afk {
		o.Registry.SetVoiceState(uid, domain.VoiceState{Muted: muted, Deafened: true})
	}

	o.Sink.BroadcastAll(core.Event{Op: core.OpUserJoined, Data: core.UserJoinedData{UserID: uid, ChannelID: to}})
	o.broadcastParticipants(to)

	vs, _ := o.Registry.VoiceState(uid)
	o.Sink.BroadcastAll(core.Event{Op: core.OpVoiceState, Data: core.VoiceStateData{UserID: uid, VoiceState: vs}})
	o.Sink.BroadcastAll(core.Event{Op: core.OpMediaState, Data: core.MediaStateData{UserID: uid}})

	// The moved user reconnects media from scratch; ship the
	// destination's live producers so they are heard immediately.
	o.Sink.SendUser(uid, core.Event{Op: moveOp, Data: core.MoveData{
		ChannelID: to,
		Producers: o.Media.ProducersInChannel(to),
	}})
	return nil
}
