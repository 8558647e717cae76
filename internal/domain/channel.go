package domain

type (
	ChannelID string
	ServerID  string
)

// Role is the member's standing on a server, as reported by the
// membership collaborator. Ordering matters: higher can do more.
type Role int

const (
	RoleNone Role = iota
	RoleMember
	RoleAdmin
	RoleOwner
)

func (r Role) CanMoveMembers() bool { return r >= RoleAdmin }

type Channel struct {
	ID       ChannelID `json:"id"`
	ServerID ServerID  `json:"server_id"`
	Name     string    `json:"name"`
}

// AfkSettings is a server's idle-relocation policy. A zero AfkChannelID
// disables relocation for that server.
type AfkSettings struct {
	AfkChannelID ChannelID
	AfkTimeout   int64 // seconds of inactivity before relocation
}

func (s AfkSettings) Enabled() bool {
	return s.AfkChannelID != "" && s.AfkTimeout > 0
}
