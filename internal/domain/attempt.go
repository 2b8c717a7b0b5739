package domain

import "time"

// FailedAttemptRecord tracks password guesses for a (room, origin) pair.
// Attempts counts since the last successful admission or ban expiry.
type FailedAttemptRecord struct {
	RoomID        string     `db:"room_id"`
	Origin        string     `db:"origin"`
	Attempts      int        `db:"attempts"`
	LastAttemptAt time.Time  `db:"last_attempt_at"`
	BannedUntil   *time.Time `db:"banned_until"`
}

func (r *FailedAttemptRecord) Banned(now time.Time) bool {
	return r.BannedUntil != nil && now.Before(*r.BannedUntil)
}
