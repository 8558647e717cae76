// Package directory provides an in-memory implementation of the server,
// channel and membership catalog the voice core consults.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/google/uuid"
)

var ErrUnknownUser = errors.New("unknown user")

type Memory struct {
	mu       sync.RWMutex
	servers  map[domain.ServerID]serverRec
	channels map[domain.ChannelID]domain.Channel
	roles    map[domain.ServerID]map[domain.UserID]domain.Role
	users    map[domain.UserID]*domain.User

	// defaultAfkTimeout seeds new servers and fills in updates that
	// pick an AFK channel without choosing a timeout. Seconds.
	defaultAfkTimeout int64

	// onAfkUpdate lets the AFK guard drop its cached settings when
	// an admin changes them.
	onAfkUpdate func(sid domain.ServerID, s domain.AfkSettings)
}

type serverRec struct {
	name string
	afk  domain.AfkSettings
}

func NewMemory(defaultAfkTimeout int64) *Memory {
	return &Memory{
		servers:           make(map[domain.ServerID]serverRec),
		channels:          make(map[domain.ChannelID]domain.Channel),
		roles:             make(map[domain.ServerID]map[domain.UserID]domain.Role),
		users:             make(map[domain.UserID]*domain.User),
		defaultAfkTimeout: defaultAfkTimeout,
	}
}

// RegisterUser creates a user with a fresh id.
func (m *Memory) RegisterUser(username string) (*domain.User, error) {
	u, err := domain.NewUser(username)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return u, nil
}

// EnsureUser records a user under an externally issued id, keeping an
// existing record if one is already there.
func (m *Memory) EnsureUser(uid domain.UserID, username string) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[uid]; ok {
		return u
	}
	u := &domain.User{ID: uid, Username: username}
	m.users[uid] = u
	return u
}

func (m *Memory) User(uid domain.UserID) (domain.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[uid]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

func (m *Memory) RenameUser(uid domain.UserID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[uid]
	if !ok {
		return ErrUnknownUser
	}
	return u.SetUsername(username)
}

var _ core.Directory = (*Memory)(nil)

// OnAfkUpdate registers the hook invoked after UpdateAfkSettings.
func (m *Memory) OnAfkUpdate(fn func(sid domain.ServerID, s domain.AfkSettings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAfkUpdate = fn
}

func (m *Memory) CreateServer(name string, owner domain.UserID) domain.ServerID {
	sid := domain.ServerID(uuid.NewString())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[sid] = serverRec{name: name, afk: domain.AfkSettings{AfkTimeout: m.defaultAfkTimeout}}
	m.roles[sid] = map[domain.UserID]domain.Role{owner: domain.RoleOwner}
	return sid
}

func (m *Memory) CreateChannel(sid domain.ServerID, name string) (domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[sid]; !ok {
		return domain.Channel{}, core.ErrUnknownChannel
	}
	ch := domain.Channel{
		ID:       domain.ChannelID(uuid.NewString()),
		ServerID: sid,
		Name:     name,
	}
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *Memory) SetRole(sid domain.ServerID, uid domain.UserID, role domain.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.roles[sid]
	if !ok {
		return
	}
	if role == domain.RoleNone {
		delete(members, uid)
		return
	}
	members[uid] = role
}

func (m *Memory) UpdateAfkSettings(sid domain.ServerID, s domain.AfkSettings) error {
	m.mu.Lock()
	rec, ok := m.servers[sid]
	if !ok {
		m.mu.Unlock()
		return core.ErrUnknownChannel
	}
	if s.AfkTimeout == 0 {
		s.AfkTimeout = m.defaultAfkTimeout
	}
	rec.afk = s
	m.servers[sid] = rec
	hook := m.onAfkUpdate
	m.mu.Unlock()

	if hook != nil {
		hook(sid, s)
	}
	return nil
}

func (m *Memory) RoleOf(_ context.Context, uid domain.UserID, sid domain.ServerID) (domain.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.roles[sid]
	if !ok {
		return domain.RoleNone, nil
	}
	return members[uid], nil
}

func (m *Memory) ChannelInfo(_ context.Context, cid domain.ChannelID) (domain.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[cid]
	if !ok {
		return domain.Channel{}, core.ErrUnknownChannel
	}
	return ch, nil
}

func (m *Memory) AfkSettings(_ context.Context, sid domain.ServerID) (domain.AfkSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.servers[sid]
	if !ok {
		return domain.AfkSettings{}, core.ErrUnknownChannel
	}
	return rec.afk, nil
}

func (m *Memory) Channels(_ context.Context) []domain.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}
