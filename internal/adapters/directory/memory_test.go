package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
)

func TestMemoryRoles(t *testing.T) {
	m := NewMemory(300)
	ctx := context.Background()

	sid := m.CreateServer("srv", "owner")
	if role, _ := m.RoleOf(ctx, "owner", sid); role != domain.RoleOwner {
		t.Fatalf("owner role = %v", role)
	}
	if role, _ := m.RoleOf(ctx, "stranger", sid); role != domain.RoleNone {
		t.Fatalf("stranger role = %v", role)
	}

	m.SetRole(sid, "u1", domain.RoleAdmin)
	if role, _ := m.RoleOf(ctx, "u1", sid); role != domain.RoleAdmin {
		t.Fatalf("u1 role = %v", role)
	}

	m.SetRole(sid, "u1", domain.RoleNone)
	if role, _ := m.RoleOf(ctx, "u1", sid); role != domain.RoleNone {
		t.Fatalf("u1 role after removal = %v", role)
	}
}

func TestMemoryChannels(t *testing.T) {
	m := NewMemory(300)
	ctx := context.Background()

	sid := m.CreateServer("srv", "owner")
	ch, err := m.CreateChannel(sid, "General")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	got, err := m.ChannelInfo(ctx, ch.ID)
	if err != nil {
		t.Fatalf("channel info: %v", err)
	}
	if got.ServerID != sid || got.Name != "General" {
		t.Fatalf("channel = %+v", got)
	}

	if _, err := m.ChannelInfo(ctx, "missing"); !errors.Is(err, core.ErrUnknownChannel) {
		t.Fatalf("missing channel = %v, want ErrUnknownChannel", err)
	}
	if _, err := m.CreateChannel("no-such-server", "x"); err == nil {
		t.Fatal("channel created on missing server")
	}

	if got := m.Channels(ctx); len(got) != 1 {
		t.Fatalf("Channels = %d entries", len(got))
	}
}

func TestMemoryUsers(t *testing.T) {
	m := NewMemory(300)

	u, err := m.RegisterUser("alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got, ok := m.User(u.ID); !ok || got.Username != "alice" {
		t.Fatalf("User = %+v, %v", got, ok)
	}

	if _, err := m.RegisterUser(""); !errors.Is(err, domain.ErrUsernameEmpty) {
		t.Fatalf("empty username = %v", err)
	}

	if err := m.RenameUser(u.ID, "bob"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got, _ := m.User(u.ID); got.Username != "bob" {
		t.Fatalf("username after rename = %q", got.Username)
	}
	if err := m.RenameUser("missing", "x"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("rename missing = %v", err)
	}

	// EnsureUser keeps an existing record.
	m.EnsureUser(u.ID, "guest-123")
	if got, _ := m.User(u.ID); got.Username != "bob" {
		t.Fatalf("EnsureUser clobbered username: %q", got.Username)
	}
	m.EnsureUser("fresh", "guest-456")
	if got, ok := m.User("fresh"); !ok || got.Username != "guest-456" {
		t.Fatalf("EnsureUser miss = %+v, %v", got, ok)
	}
}

func TestMemoryAfkSettingsPush(t *testing.T) {
	m := NewMemory(300)
	ctx := context.Background()

	sid := m.CreateServer("srv", "owner")
	afk, err := m.CreateChannel(sid, "AFK")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	var pushed []domain.AfkSettings
	m.OnAfkUpdate(func(_ domain.ServerID, s domain.AfkSettings) {
		pushed = append(pushed, s)
	})

	want := domain.AfkSettings{AfkChannelID: afk.ID, AfkTimeout: 120}
	if err := m.UpdateAfkSettings(sid, want); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got, err := m.AfkSettings(ctx, sid)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if got != want {
		t.Fatalf("settings = %+v", got)
	}
	if len(pushed) != 1 || pushed[0] != want {
		t.Fatalf("push hook calls = %+v", pushed)
	}

	if err := m.UpdateAfkSettings("no-such-server", want); err == nil {
		t.Fatal("settings updated on missing server")
	}
}

func TestMemoryAfkDefaultTimeout(t *testing.T) {
	m := NewMemory(300)
	ctx := context.Background()

	sid := m.CreateServer("srv", "owner")
	got, err := m.AfkSettings(ctx, sid)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if got.AfkTimeout != 300 {
		t.Fatalf("seeded timeout = %d, want 300", got.AfkTimeout)
	}
	if got.Enabled() {
		t.Fatal("policy enabled without an AFK channel")
	}

	// Picking an AFK channel without choosing a timeout falls back to
	// the default.
	afk, err := m.CreateChannel(sid, "AFK")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if err := m.UpdateAfkSettings(sid, domain.AfkSettings{AfkChannelID: afk.ID}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got, _ = m.AfkSettings(ctx, sid)
	if got.AfkTimeout != 300 || !got.Enabled() {
		t.Fatalf("settings after update = %+v", got)
	}
}
