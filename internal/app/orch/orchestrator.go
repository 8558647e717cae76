// Package orch drives the voice session state machine: it validates
// signaling operations, mutates the session registry, calls the media
// engine through its adapter, and broadcasts the results.
package orch

import (
	"sync"

	"github.com/avask/parley/internal/app"
	"github.com/avask/parley/internal/app/media"
	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
)

type Orchestrator struct {
	Registry *app.Registry
	Media    *media.Adapter
	Guard    *app.AfkGuard
	Dir      core.Directory
	Sink     core.EventSink

	mu    sync.Mutex
	locks map[domain.UserID]*userLock

	chMu    sync.Mutex
	chLocks map[domain.ChannelID]*sync.Mutex
}

// userLock serializes all mutations for one user. The joining flag
// rejects a concurrent second join outright instead of queueing it.
type userLock struct {
	sync.Mutex
	joining bool
}

func New(reg *app.Registry, med *media.Adapter, guard *app.AfkGuard, dir core.Directory, sink core.EventSink) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Media:    med,
		Guard:    guard,
		Dir:      dir,
		Sink:     sink,
		locks:    make(map[domain.UserID]*userLock),
		chLocks:  make(map[domain.ChannelID]*sync.Mutex),
	}
}

// channelLock orders one channel's router lifecycle against its
// membership changes. Without it a joiner can pick up a router that a
// concurrent last-leaver is about to close.
func (o *Orchestrator) channelLock(cid domain.ChannelID) *sync.Mutex {
	o.chMu.Lock()
	defer o.chMu.Unlock()
	l, ok := o.chLocks[cid]
	if !ok {
		l = &sync.Mutex{}
		o.chLocks[cid] = l
	}
	return l
}

func (o *Orchestrator) userLock(uid domain.UserID) *userLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[uid]
	if !ok {
		l = &userLock{}
		o.locks[uid] = l
	}
	return l
}

// beginJoin flips the in-flight flag. It is checked before taking the
// user lock so a second join fails fast instead of queueing behind the
// first one.
func (o *Orchestrator) beginJoin(uid domain.UserID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[uid]
	if !ok {
		l = &userLock{}
		o.locks[uid] = l
	}
	if l.joining {
		return false
	}
	l.joining = true
	return true
}

func (o *Orchestrator) endJoin(uid domain.UserID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.locks[uid]; ok {
		l.joining = false
	}
}

// toChannel emits an event to a channel's current participants,
// optionally excluding one user.
func (o *Orchestrator) toChannel(cid domain.ChannelID, except domain.UserID, ev core.Event) {
	participants := o.Registry.Participants(cid)
	targets := participants[:0]
	for _, uid := range participants {
		if uid != except {
			targets = append(targets, uid)
		}
	}
	o.Sink.BroadcastUsers(targets, ev)
}

func (o *Orchestrator) broadcastParticipants(cid domain.ChannelID) {
	o.Sink.BroadcastAll(core.Event{Op: core.OpParticipants, Data: core.ParticipantsData{
		ChannelID:    cid,
		Participants: o.Registry.Participants(cid),
	}})
}

// Sync pushes the full voice state snapshot to one freshly connected
// socket so its UI renders without a round trip per channel.
func (o *Orchestrator) Sync(uid domain.UserID) {
	o.Sink.SendUser(uid, core.Event{Op: core.OpVoiceSync, Data: core.VoiceSyncData{
		Channels:    o.Registry.SnapshotChannels(),
		VoiceStates: o.Registry.SnapshotVoiceStates(),
		MediaStates: o.Registry.SnapshotMediaStates(),
	}})
}
