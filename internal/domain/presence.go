package domain

import "time"

// PeerConnectionRecord is presence/audit data only; admission decisions
// never read it. Nickname is untrusted, display-only.
type PeerConnectionRecord struct {
	PeerID         string     `db:"peer_id"`
	RoomID         string     `db:"room_id"`
	Nickname       string     `db:"nickname"`
	RemoteAddr     string     `db:"remote_addr"`
	UserAgent      string     `db:"user_agent"`
	ConnectedAt    time.Time  `db:"connected_at"`
	DisconnectedAt *time.Time `db:"disconnected_at"` // nil while connected
}

func (r *PeerConnectionRecord) Connected() bool { return r.DisconnectedAt == nil }
