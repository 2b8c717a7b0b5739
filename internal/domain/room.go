package domain

import "time"

type RoomState string

const (
	StateCreated RoomState = "created"
	StateWaiting RoomState = "waiting"
	StateActive  RoomState = "active"
	StateClosed  RoomState = "closed"
)

type Room struct {
	ID           string    `db:"id"`
	PasswordHash string    `db:"password_hash"` // empty when the room is open
	CreatedBy    string    `db:"created_by"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
	PeerSlotA    string    `db:"peer_slot_a"`
	PeerSlotB    string    `db:"peer_slot_b"`
	IsActive     bool      `db:"is_active"`

	// RelayCredentialSeed derives scoped TURN credentials. Never leaves
	// the service.
	RelayCredentialSeed []byte `db:"relay_credential_seed"`
}

func (r *Room) State() RoomState {
	if !r.IsActive {
		return StateClosed
	}
	switch r.PeerCount() {
	case 0:
		return StateCreated
	case 1:
		return StateWaiting
	default:
		return StateActive
	}
}

func (r *Room) PeerCount() int {
	n := 0
	if r.PeerSlotA != "" {
		n++
	}
	if r.PeerSlotB != "" {
		n++
	}
	return n
}

func (r *Room) HasPassword() bool { return r.PasswordHash != "" }

func (r *Room) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Occupies reports whether peerID holds one of the two slots.
func (r *Room) Occupies(peerID string) bool {
	return peerID != "" && (r.PeerSlotA == peerID || r.PeerSlotB == peerID)
}
