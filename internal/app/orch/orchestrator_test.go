package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/avask/parley/internal/app"
	"github.com/avask/parley/internal/app/media"
	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
)

// --- fakes ------------------------------------------------------------

type fakeDir struct {
	channels map[domain.ChannelID]domain.Channel
	settings map[domain.ServerID]domain.AfkSettings
	roles    map[domain.UserID]domain.Role
}

func (d *fakeDir) RoleOf(_ context.Context, uid domain.UserID, _ domain.ServerID) (domain.Role, error) {
	return d.roles[uid], nil
}

func (d *fakeDir) ChannelInfo(_ context.Context, cid domain.ChannelID) (domain.Channel, error) {
	ch, ok := d.channels[cid]
	if !ok {
		return domain.Channel{}, core.ErrUnknownChannel
	}
	return ch, nil
}

func (d *fakeDir) AfkSettings(_ context.Context, sid domain.ServerID) (domain.AfkSettings, error) {
	return d.settings[sid], nil
}

// fakeEngine hands out sequential ids and appends to the shared trace
// so tests can assert ordering against sink events.
type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	routers map[domain.ChannelID]bool
	created int
	trace   *[]string
}

func (e *fakeEngine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

func (e *fakeEngine) mark(s string) {
	if e.trace != nil {
		*e.trace = append(*e.trace, s)
	}
}

func (e *fakeEngine) CreateRouter(_ context.Context, cid domain.ChannelID) (core.RouterCaps, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routers[cid] = true
	e.created++
	return core.RouterCaps{}, nil
}

func (e *fakeEngine) CloseRouter(_ context.Context, cid domain.ChannelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routers, cid)
	return nil
}

func (e *fakeEngine) CreateTransport(_ context.Context, _ domain.ChannelID, _ domain.UserID, dir core.TransportDirection) (core.TransportInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return core.TransportInfo{ID: e.nextID("t"), Direction: dir}, nil
}

func (e *fakeEngine) ConnectTransport(context.Context, string, core.ConnectParams) error { return nil }
func (e *fakeEngine) CloseTransport(context.Context, string) error                      { return nil }

func (e *fakeEngine) Produce(_ context.Context, _, _ string, _ core.ProduceParams) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextID("p"), nil
}

func (e *fakeEngine) CloseProducer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mark("engine:close_producer:" + id)
	return nil
}

func (e *fakeEngine) Consume(_ context.Context, _, producerID string, _ core.ConsumerCaps) (core.ConsumerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return core.ConsumerInfo{ID: e.nextID("c"), ProducerID: producerID, Kind: "audio"}, nil
}

func (e *fakeEngine) ResumeConsumer(context.Context, string) error { return nil }
func (e *fakeEngine) CloseConsumer(context.Context, string) error  { return nil }

type sinkEvent struct {
	scope   string // "all", "users", "user"
	targets []domain.UserID
	ev      core.Event
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
	trace  *[]string
}

func (s *fakeSink) record(e sinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.trace != nil {
		*s.trace = append(*s.trace, "sink:"+e.ev.Op)
	}
}

func (s *fakeSink) BroadcastAll(ev core.Event) {
	s.record(sinkEvent{scope: "all", ev: ev})
}

func (s *fakeSink) BroadcastUsers(ids []domain.UserID, ev core.Event) {
	s.record(sinkEvent{scope: "users", targets: ids, ev: ev})
}

func (s *fakeSink) SendUser(id domain.UserID, ev core.Event) {
	s.record(sinkEvent{scope: "user", targets: []domain.UserID{id}, ev: ev})
}

func (s *fakeSink) byOp(op string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.ev.Op == op {
			out = append(out, e)
		}
	}
	return out
}

// --- fixture ----------------------------------------------------------

const (
	chGeneral = domain.ChannelID("c-general")
	chOther   = domain.ChannelID("c-other")
	chAfk     = domain.ChannelID("c-afk")
	chQuiet   = domain.ChannelID("c-quiet")
	srv       = domain.ServerID("srv")
)

type fixture struct {
	orch  *Orchestrator
	eng   *fakeEngine
	dir   *fakeDir
	sink  *fakeSink
	reg   *app.Registry
	trace []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.dir = &fakeDir{
		channels: map[domain.ChannelID]domain.Channel{
			chGeneral: {ID: chGeneral, ServerID: srv, Name: "General"},
			chOther:   {ID: chOther, ServerID: srv, Name: "Other"},
			chAfk:     {ID: chAfk, ServerID: srv, Name: "AFK"},
		},
		settings: map[domain.ServerID]domain.AfkSettings{
			srv: {AfkChannelID: chAfk, AfkTimeout: 300},
		},
		roles: map[domain.UserID]domain.Role{
			"u1":    domain.RoleMember,
			"u2":    domain.RoleMember,
			"admin": domain.RoleAdmin,
		},
	}
	f.eng = &fakeEngine{routers: make(map[domain.ChannelID]bool), trace: &f.trace}
	f.sink = &fakeSink{trace: &f.trace}
	f.reg = app.NewRegistry()
	guard := app.NewAfkGuard(f.dir)
	t.Cleanup(guard.Close)
	f.orch = New(f.reg, media.NewAdapter(f.eng), guard, f.dir, f.sink)
	return f
}

func (f *fixture) join(t *testing.T, uid domain.UserID, cid domain.ChannelID) JoinReply {
	t.Helper()
	rep, err := f.orch.Join(context.Background(), uid, cid)
	if err != nil {
		t.Fatalf("join %s→%s: %v", uid, cid, err)
	}
	return rep
}

func (f *fixture) produce(t *testing.T, uid domain.UserID, kind domain.MediaKind) string {
	t.Helper()
	ctx := context.Background()
	info, err := f.orch.CreateTransport(ctx, uid, core.DirectionSend)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	id, err := f.orch.Produce(ctx, uid, info.ID, kind, core.ProduceParams{})
	if err != nil {
		t.Fatalf("produce %s: %v", kind, err)
	}
	return id
}

// --- tests ------------------------------------------------------------

func TestJoinAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Join(ctx, "outsider", chGeneral); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("outsider join = %v, want ErrForbidden", err)
	}
	if _, ok := f.reg.ChannelOf("outsider"); ok {
		t.Fatal("rejected join left a membership")
	}

	if _, err := f.orch.Join(ctx, "u1", "no-such-channel"); !errors.Is(err, core.ErrUnknownChannel) {
		t.Fatalf("unknown channel join = %v, want ErrUnknownChannel", err)
	}
}

func TestJoinSwitchesChannelAtomically(t *testing.T) {
	f := newFixture(t)

	f.join(t, "u1", chGeneral)
	f.join(t, "u1", chOther)

	if got, _ := f.reg.ChannelOf("u1"); got != chOther {
		t.Fatalf("ChannelOf = %q", got)
	}
	if n := f.reg.ParticipantCount(chGeneral); n != 0 {
		t.Fatalf("old channel still has %d participants", n)
	}
	left := f.sink.byOp(core.OpUserLeft)
	if len(left) != 1 {
		t.Fatalf("user_left events = %d, want 1", len(left))
	}
	if d := left[0].ev.Data.(core.UserLeftData); d.ChannelID != chGeneral {
		t.Fatalf("user_left channel = %q", d.ChannelID)
	}
}

func TestLeaveIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chGeneral)
	f.orch.Leave(ctx, "u1")
	f.orch.Leave(ctx, "u1")
	f.orch.Disconnect("u1")

	if got := len(f.sink.byOp(core.OpUserLeft)); got != 1 {
		t.Fatalf("user_left events = %d, want 1", got)
	}
}

func TestRouterLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chGeneral)
	if !f.eng.routers[chGeneral] {
		t.Fatal("first join did not create the router")
	}
	f.join(t, "u2", chGeneral)
	if f.eng.created != 1 {
		t.Fatalf("routers created = %d, want 1", f.eng.created)
	}

	f.orch.Leave(ctx, "u1")
	if !f.eng.routers[chGeneral] {
		t.Fatal("router destroyed while a participant remains")
	}
	f.orch.Leave(ctx, "u2")
	if f.eng.routers[chGeneral] {
		t.Fatal("router survived the last leave")
	}

	// The next joiner gets a freshly created router.
	f.join(t, "u1", chGeneral)
	if f.eng.created != 2 {
		t.Fatalf("routers created = %d, want 2", f.eng.created)
	}
}

func TestExistingProducerSync(t *testing.T) {
	f := newFixture(t)

	f.join(t, "u1", chGeneral)
	f.produce(t, "u1", domain.MediaAudio)
	f.produce(t, "u1", domain.MediaVideo)

	rep := f.join(t, "u2", chGeneral)
	if len(rep.ExistingProducers) != 2 {
		t.Fatalf("existing producers = %d, want 2", len(rep.ExistingProducers))
	}
	kinds := map[domain.MediaKind]bool{}
	for _, ref := range rep.ExistingProducers {
		if ref.UserID != "u1" {
			t.Fatalf("producer attributed to %q", ref.UserID)
		}
		kinds[ref.Kind] = true
	}
	if !kinds[domain.MediaAudio] || !kinds[domain.MediaVideo] {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestNewProducerExcludesSender(t *testing.T) {
	f := newFixture(t)

	f.join(t, "u1", chGeneral)
	f.join(t, "u2", chGeneral)
	f.produce(t, "u1", domain.MediaAudio)

	evs := f.sink.byOp(core.OpNewProducer)
	if len(evs) != 1 {
		t.Fatalf("new_producer events = %d", len(evs))
	}
	for _, target := range evs[0].targets {
		if target == domain.UserID("u1") {
			t.Fatal("producer received their own new_producer")
		}
	}
}

func TestJoinAfkChannelForcesMuted(t *testing.T) {
	f := newFixture(t)

	rep := f.join(t, "u1", chAfk)
	if !rep.VoiceState.Muted {
		t.Fatal("AFK join reply not muted")
	}
	if vs, _ := f.reg.VoiceState("u1"); !vs.Muted {
		t.Fatal("registry state not muted")
	}
	if got := len(f.sink.byOp(core.OpVoiceState)); got != 1 {
		t.Fatalf("voice_state broadcasts = %d, want 1", got)
	}
}

func TestProduceBlockedInAfkChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chAfk)
	info, err := f.orch.CreateTransport(ctx, "u1", core.DirectionSend)
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	_, err = f.orch.Produce(ctx, "u1", info.ID, domain.MediaAudio, core.ProduceParams{})
	if !errors.Is(err, core.ErrAfkTransmit) {
		t.Fatalf("produce in AFK channel = %v, want ErrAfkTransmit", err)
	}
}

func TestForcedMute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chAfk)
	vs, err := f.orch.UpdateVoiceState(ctx, "u1", domain.VoiceState{Muted: false})
	if err != nil {
		t.Fatalf("update voice state: %v", err)
	}
	if !vs.Muted {
		t.Fatal("unmute in AFK channel not overridden")
	}

	forced := f.sink.byOp(core.OpForceMute)
	if len(forced) != 1 {
		t.Fatalf("force_mute events = %d, want 1", len(forced))
	}
	if forced[0].scope != "user" || forced[0].targets[0] != domain.UserID("u1") {
		t.Fatalf("force_mute targeting = %+v", forced[0])
	}

	// Peers observe muted=true on the broadcast.
	states := f.sink.byOp(core.OpVoiceState)
	last := states[len(states)-1].ev.Data.(core.VoiceStateData)
	if !last.Muted {
		t.Fatal("broadcast state not muted")
	}
}

func TestForcedMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chAfk)
	ms, err := f.orch.UpdateMediaState(ctx, "u1", domain.MediaState{CameraOn: true, ScreenSharing: true})
	if err != nil {
		t.Fatalf("update media state: %v", err)
	}
	if ms != (domain.MediaState{}) {
		t.Fatalf("media state = %+v, want all off", ms)
	}
	if got := len(f.sink.byOp(core.OpForceMedia)); got != 1 {
		t.Fatalf("force_media events = %d, want 1", got)
	}
}

func TestVoiceStateRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.UpdateVoiceState(ctx, "u1", domain.VoiceState{}); !errors.Is(err, core.ErrNotJoined) {
		t.Fatalf("voice state without session = %v, want ErrNotJoined", err)
	}
	if _, err := f.orch.UpdateMediaState(ctx, "u1", domain.MediaState{}); !errors.Is(err, core.ErrNotJoined) {
		t.Fatalf("media state without session = %v, want ErrNotJoined", err)
	}
}

func TestMoveUserAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chGeneral)
	if err := f.orch.MoveUser(ctx, "u2", "u1", chOther); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("non-admin move = %v, want ErrForbidden", err)
	}
	if got, _ := f.reg.ChannelOf("u1"); got != chGeneral {
		t.Fatalf("rejected move changed membership to %q", got)
	}
}

func TestMoveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chGeneral)
	f.orch.UpdateVoiceState(ctx, "u1", domain.VoiceState{Muted: true, Deafened: true})

	if err := f.orch.MoveUser(ctx, "admin", "u1", chOther); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got, _ := f.reg.ChannelOf("u1"); got != chOther {
		t.Fatalf("ChannelOf after move = %q", got)
	}

	left := f.sink.byOp(core.OpUserLeft)
	if len(left) != 1 {
		t.Fatalf("user_left events = %d, want 1", len(left))
	}
	if d := left[0].ev.Data.(core.UserLeftData); d.ChannelID != chGeneral {
		t.Fatalf("user_left channel = %q", d.ChannelID)
	}

	moves := f.sink.byOp(core.OpMove)
	if len(moves) != 1 {
		t.Fatalf("move events = %d, want 1", len(moves))
	}
	if moves[0].scope != "user" || moves[0].targets[0] != domain.UserID("u1") {
		t.Fatalf("move targeting = %+v", moves[0])
	}
	if d := moves[0].ev.Data.(core.MoveData); d.ChannelID != chOther {
		t.Fatalf("move channel = %q", d.ChannelID)
	}

	// Mute and deafen survive an admin move.
	if vs, _ := f.reg.VoiceState("u1"); !vs.Muted || !vs.Deafened {
		t.Fatalf("voice state after move = %+v", vs)
	}
}

func TestMoveDeliversDestinationProducers(t *testing.T) {
	f := newFixture(t)

	f.join(t, "u1", chOther)
	pid := f.produce(t, "u1", domain.MediaAudio)
	f.join(t, "u2", chGeneral)

	if err := f.orch.MoveUser(context.Background(), "admin", "u2", chOther); err != nil {
		t.Fatalf("move: %v", err)
	}

	moves := f.sink.byOp(core.OpMove)
	if len(moves) != 1 {
		t.Fatalf("move events = %d, want 1", len(moves))
	}
	d := moves[0].ev.Data.(core.MoveData)
	if len(d.Producers) != 1 {
		t.Fatalf("move producers = %+v, want u1's audio", d.Producers)
	}
	if d.Producers[0].ProducerID != pid || d.Producers[0].UserID != "u1" {
		t.Fatalf("move producer ref = %+v", d.Producers[0])
	}
}

func TestMoveUserEdgeCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.orch.MoveUser(ctx, "admin", "u1", chOther); !errors.Is(err, core.ErrNotJoined) {
		t.Fatalf("move of unjoined target = %v, want ErrNotJoined", err)
	}

	f.join(t, "u1", chGeneral)
	if err := f.orch.MoveUser(ctx, "admin", "u1", chGeneral); !errors.Is(err, core.ErrBadPayload) {
		t.Fatalf("move to current channel = %v, want ErrBadPayload", err)
	}
	if err := f.orch.MoveUser(ctx, "admin", "u1", "no-such-channel"); !errors.Is(err, core.ErrUnknownChannel) {
		t.Fatalf("move to unknown channel = %v, want ErrUnknownChannel", err)
	}
}

func TestProducerClosedBroadcastBeforeEngineRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.join(t, "u1", chGeneral)
	f.join(t, "u2", chGeneral)
	f.produce(t, "u1", domain.MediaAudio)

	f.orch.CloseProducer(ctx, "u1", domain.MediaAudio)

	sinkIdx, engineIdx := -1, -1
	for i, s := range f.trace {
		switch {
		case s == "sink:"+core.OpProducerClosed && sinkIdx < 0:
			sinkIdx = i
		case len(s) > 6 && s[:6] == "engine" && engineIdx < 0:
			engineIdx = i
		}
	}
	if sinkIdx < 0 || engineIdx < 0 {
		t.Fatalf("trace missing entries: %v", f.trace)
	}
	if sinkIdx > engineIdx {
		t.Fatalf("engine release before peer broadcast: %v", f.trace)
	}
}

func TestRouterSurvivesJoinLeaveChurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Race a last leave against a fresh join on the same channel. A
	// successful joiner must always hold a live router.
	for i := 0; i < 200; i++ {
		f.join(t, "u1", chGeneral)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.orch.Leave(ctx, "u1")
		}()
		go func() {
			defer wg.Done()
			if _, err := f.orch.Join(ctx, "u2", chGeneral); err != nil {
				t.Errorf("join during leave: %v", err)
			}
		}()
		wg.Wait()

		if f.reg.ParticipantCount(chGeneral) > 0 && !f.eng.routers[chGeneral] {
			t.Fatal("participant left holding a destroyed router")
		}
		f.orch.Leave(ctx, "u2")
	}
}

func TestConcurrentJoinRejected(t *testing.T) {
	f := newFixture(t)

	if !f.orch.beginJoin("u1") {
		t.Fatal("first beginJoin refused")
	}
	if _, err := f.orch.Join(context.Background(), "u1", chGeneral); !errors.Is(err, core.ErrJoinInFlight) {
		t.Fatalf("second join = %v, want ErrJoinInFlight", err)
	}
	f.orch.endJoin("u1")

	f.join(t, "u1", chGeneral)
}

func TestAfkSweepRelocatesIdleUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// u2 sits on a server without an AFK policy and must never move.
	f.dir.channels[chQuiet] = domain.Channel{ID: chQuiet, ServerID: "srv2", Name: "Quiet"}
	f.join(t, "u1", chGeneral)
	f.join(t, "u2", chQuiet)

	m := NewAfkMonitor(f.orch, time.Second)

	// Active sweep: nobody has been idle long enough.
	m.Sweep(ctx)
	if got, _ := f.reg.ChannelOf("u1"); got != chGeneral {
		t.Fatalf("active user relocated to %q", got)
	}

	// u1 goes idle past the timeout.
	m.now = func() time.Time { return time.Now().Add(301 * time.Second) }
	m.Sweep(ctx)

	if got, _ := f.reg.ChannelOf("u2"); got != chQuiet {
		t.Fatalf("user on policy-free server relocated to %q", got)
	}

	if got, _ := f.reg.ChannelOf("u1"); got != chAfk {
		t.Fatalf("idle user in %q, want AFK channel", got)
	}
	if vs, _ := f.reg.VoiceState("u1"); !vs.Muted {
		t.Fatal("relocated user not muted")
	}
	if ms, _ := f.reg.MediaState("u1"); ms != (domain.MediaState{}) {
		t.Fatalf("relocated user media state = %+v", ms)
	}
	if _, ok := f.reg.LastActivity("u1"); ok {
		t.Fatal("idle clock not cleared after relocation")
	}

	afkMoves := f.sink.byOp(core.OpAfkMove)
	if len(afkMoves) != 1 {
		t.Fatalf("afk_move events = %d, want 1", len(afkMoves))
	}
	if afkMoves[0].targets[0] != domain.UserID("u1") {
		t.Fatalf("afk_move targeting = %+v", afkMoves[0])
	}

	// Parked users are skipped on later sweeps.
	m.Sweep(ctx)
	if got := len(f.sink.byOp(core.OpAfkMove)); got != 1 {
		t.Fatalf("afk_move events after second sweep = %d, want 1", got)
	}
}
