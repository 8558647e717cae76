package app

import (
	"errors"
	"sync"
	"time"

	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyJoined = errors.New("user already joined a channel")

// Registry is the in-memory session bookkeeping: who is in which voice
// channel, their broadcast state, and when they last did something.
// Membership and the per-channel participant sets are mutated together
// under one lock so they can never diverge.
type Registry struct {
	mu           sync.RWMutex
	membership   map[domain.UserID]domain.ChannelID
	participants map[domain.ChannelID]map[domain.UserID]struct{}
	voiceStates  map[domain.UserID]domain.VoiceState
	mediaStates  map[domain.UserID]domain.MediaState
	lastActivity map[domain.UserID]time.Time
	recvTrans    map[domain.UserID]string

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		membership:   make(map[domain.UserID]domain.ChannelID),
		participants: make(map[domain.ChannelID]map[domain.UserID]struct{}),
		voiceStates:  make(map[domain.UserID]domain.VoiceState),
		mediaStates:  make(map[domain.UserID]domain.MediaState),
		lastActivity: make(map[domain.UserID]time.Time),
		recvTrans:    make(map[domain.UserID]string),
		now:          time.Now,
	}
}

// JoinChannel registers a membership. Callers must have fully run
// LeaveChannel for a previously joined user first; a stale membership
// here is a bug, not a state to silently fix.
func (r *Registry) JoinChannel(uid domain.UserID, cid domain.ChannelID, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.membership[uid]; ok {
		return ErrAlreadyJoined
	}
	r.membership[uid] = cid
	set, ok := r.participants[cid]
	if !ok {
		set = make(map[domain.UserID]struct{})
		r.participants[cid] = set
	}
	set[uid] = struct{}{}
	r.voiceStates[uid] = domain.VoiceState{Muted: muted}
	r.mediaStates[uid] = domain.MediaState{}
	r.lastActivity[uid] = r.now()
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("channel", string(cid)).Msg("joined channel")
	return nil
}

// LeaveChannel removes every trace of the membership and returns the
// prior channel so the caller can decide about engine teardown and
// broadcasts. No-op on users that never joined.
func (r *Registry) LeaveChannel(uid domain.UserID) (domain.ChannelID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cid, ok := r.membership[uid]
	if !ok {
		return "", false
	}
	delete(r.membership, uid)
	if set, ok := r.participants[cid]; ok {
		delete(set, uid)
		if len(set) == 0 {
			delete(r.participants, cid)
		}
	}
	delete(r.voiceStates, uid)
	delete(r.mediaStates, uid)
	delete(r.lastActivity, uid)
	delete(r.recvTrans, uid)
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("channel", string(cid)).Msg("left channel")
	return cid, true
}

func (r *Registry) ChannelOf(uid domain.UserID) (domain.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.membership[uid]
	return cid, ok
}

func (r *Registry) Participants(cid domain.ChannelID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.participants[cid]
	out := make([]domain.UserID, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}

func (r *Registry) ParticipantCount(cid domain.ChannelID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants[cid])
}

// JoinedUsers lists everyone with an active membership, for the AFK sweep.
func (r *Registry) JoinedUsers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.membership))
	for uid := range r.membership {
		out = append(out, uid)
	}
	return out
}

func (r *Registry) SetVoiceState(uid domain.UserID, vs domain.VoiceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.membership[uid]; !ok {
		return false
	}
	r.voiceStates[uid] = vs
	return true
}

func (r *Registry) VoiceState(uid domain.UserID) (domain.VoiceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs, ok := r.voiceStates[uid]
	return vs, ok
}

func (r *Registry) SetMediaState(uid domain.UserID, ms domain.MediaState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.membership[uid]; !ok {
		return false
	}
	r.mediaStates[uid] = ms
	return true
}

func (r *Registry) MediaState(uid domain.UserID) (domain.MediaState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.mediaStates[uid]
	return ms, ok
}

// RecordActivity stamps the idle clock. No-op without a membership.
func (r *Registry) RecordActivity(uid domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.membership[uid]; !ok {
		return
	}
	r.lastActivity[uid] = r.now()
}

func (r *Registry) LastActivity(uid domain.UserID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastActivity[uid]
	return t, ok
}

// ClearActivity drops the stamp without replacing it, so a user parked
// in the AFK channel starts a fresh idle clock on their next signal.
func (r *Registry) ClearActivity(uid domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastActivity, uid)
}

// SetRecvTransport remembers the recv-direction transport exactly once
// per session; a second call is refused.
func (r *Registry) SetRecvTransport(uid domain.UserID, transportID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recvTrans[uid]; ok {
		return false
	}
	r.recvTrans[uid] = transportID
	return true
}

func (r *Registry) RecvTransport(uid domain.UserID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.recvTrans[uid]
	return id, ok
}

// SnapshotChannels returns channel→participants for the sync push.
func (r *Registry) SnapshotChannels() map[domain.ChannelID][]domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.ChannelID][]domain.UserID, len(r.participants))
	for cid, set := range r.participants {
		users := make([]domain.UserID, 0, len(set))
		for uid := range set {
			users = append(users, uid)
		}
		out[cid] = users
	}
	return out
}

func (r *Registry) SnapshotVoiceStates() map[domain.UserID]domain.VoiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.UserID]domain.VoiceState, len(r.voiceStates))
	for uid, vs := range r.voiceStates {
		out[uid] = vs
	}
	return out
}

func (r *Registry) SnapshotMediaStates() map[domain.UserID]domain.MediaState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.UserID]domain.MediaState, len(r.mediaStates))
	for uid, ms := range r.mediaStates {
		out[uid] = ms
	}
	return out
}
