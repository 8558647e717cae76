package orch

import (
	"context"
	"fmt"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

// JoinReply is what a joiner needs to start negotiating media: the
// router's capabilities plus every producer already live in the channel.
type JoinReply struct {
	ChannelID         domain.ChannelID   `json:"channel_id"`
	RouterCaps        core.RouterCaps    `json:"router_caps"`
	ExistingProducers []core.ProducerRef `json:"existing_producers"`
	VoiceState        domain.VoiceState  `json:"voice_state"`
}

// Join runs the full join sequence: authorize against the channel's
// owning server, complete any implied leave, allocate the router,
// register membership, and announce the arrival. The implied leave
// finishes entirely (engine teardown included) before the router
// lookup so a user never transiently occupies two channels.
func (o *Orchestrator) Join(ctx context.Context, uid domain.UserID, cid domain.ChannelID) (JoinReply, error) {
	if !o.beginJoin(uid) {
		return JoinReply{}, core.ErrJoinInFlight
	}
	defer o.endJoin(uid)

	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	ch, err := o.Guard.Channel(ctx, cid)
	if err != nil {
		return JoinReply{}, core.ErrUnknownChannel
	}
	role, err := o.Dir.RoleOf(ctx, uid, ch.ServerID)
	if err != nil {
		return JoinReply{}, fmt.Errorf("role lookup: %w", err)
	}
	if role == domain.RoleNone {
		return JoinReply{}, core.ErrForbidden
	}

	o.leaveLocked(ctx, uid)

	afk := o.Guard.IsAfkChannel(ctx, cid)

	cl := o.channelLock(cid)
	cl.Lock()
	caps, err := o.Media.GetOrCreateRouter(ctx, cid)
	if err != nil {
		cl.Unlock()
		return JoinReply{}, err
	}
	err = o.Registry.JoinChannel(uid, cid, afk)
	cl.Unlock()
	if err != nil {
		return JoinReply{}, err
	}
	existing := o.Media.ProducersInChannel(cid)

	// Everyone, not just the channel: sidebars outside the channel
	// show who is where.
	o.Sink.BroadcastAll(core.Event{Op: core.OpUserJoined, Data: core.UserJoinedData{UserID: uid, ChannelID: cid}})
	o.broadcastParticipants(cid)

	vs, _ := o.Registry.VoiceState(uid)
	if afk {
		o.Sink.BroadcastAll(core.Event{Op: core.OpVoiceState, Data: core.VoiceStateData{UserID: uid, VoiceState: vs}})
		o.Sink.BroadcastAll(core.Event{Op: core.OpMediaState, Data: core.MediaStateData{UserID: uid}})
	}

	log.Info().Str("module", "orch").Str("user", string(uid)).Str("channel", string(cid)).Bool("afk", afk).Msg("user joined")
	return JoinReply{ChannelID: cid, RouterCaps: caps, ExistingProducers: existing, VoiceState: vs}, nil
}

// Leave tears down the user's session. Idempotent: a second leave, or
// a disconnect after an explicit leave, is a no-op with no duplicate
// user_left.
func (o *Orchestrator) Leave(ctx context.Context, uid domain.UserID) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()
	o.leaveLocked(ctx, uid)
}

// Disconnect handles a dropped socket. Same teardown as Leave, but all
// internal errors are swallowed — there is nobody left to ack to.
func (o *Orchestrator) Disconnect(uid domain.UserID) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "orch").Str("user", string(uid)).Any("panic", r).Msg("disconnect teardown panicked")
		}
	}()
	o.Leave(context.Background(), uid)
}

// leaveLocked is the full leave: closure broadcasts, membership
// removal, engine teardown, router cleanup. Peer-facing events go out
// before engine resources are released so consumers are torn down
// consistent with what peers were told. Caller holds the user lock.
func (o *Orchestrator) leaveLocked(ctx context.Context, uid domain.UserID) bool {
	cid, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return false
	}

	for _, ref := range o.Media.ProducersOfUser(uid) {
		o.toChannel(cid, uid, core.Event{Op: core.OpProducerClosed, Data: core.ProducerClosedData{
			ProducerID: ref.ProducerID, UserID: uid, Kind: ref.Kind, ChannelID: cid,
		}})
	}

	// The channel lock keeps the empty check and router teardown
	// atomic against a concurrent joiner's router lookup.
	cl := o.channelLock(cid)
	cl.Lock()
	o.Registry.LeaveChannel(uid)
	o.Sink.BroadcastAll(core.Event{Op: core.OpUserLeft, Data: core.UserLeftData{UserID: uid, ChannelID: cid}})
	o.broadcastParticipants(cid)

	o.Media.CleanupUser(ctx, uid)
	if o.Registry.ParticipantCount(cid) == 0 {
		o.Media.CleanupRouter(ctx, cid)
	}
	cl.Unlock()

	log.Info().Str("module", "orch").Str("user", string(uid)).Str("channel", string(cid)).Msg("user left")
	return true
}
