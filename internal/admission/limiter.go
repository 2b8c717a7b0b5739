package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/security"
)

// Auditor persists attempt records. Failures are logged, never surfaced:
// the in-memory state stays authoritative.
type Auditor interface {
	RecordAttempt(ctx context.Context, rec *domain.FailedAttemptRecord) error
	ClearAttempts(ctx context.Context, roomID, origin string) error
}

type key struct {
	roomID string
	origin string
}

type record struct {
	mu sync.Mutex
	domain.FailedAttemptRecord
}

// Limiter enforces the per-(room, origin) password-guess lockout. One
// logical mutation per key at a time; unrelated keys never contend past
// the map lookup.
type Limiter struct {
	mu      sync.Mutex
	records map[key]*record

	threshold   int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	audit Auditor
	now   func() time.Time
}

type Option func(*Limiter)

func WithAuditor(a Auditor) Option { return func(l *Limiter) { l.audit = a } }

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func NewLimiter(threshold int, baseBackoff, maxBackoff time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		records:     make(map[key]*record),
		threshold:   threshold,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) get(k key) *record {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[k]
	if !ok {
		rec = &record{FailedAttemptRecord: domain.FailedAttemptRecord{
			RoomID: k.roomID,
			Origin: k.origin,
		}}
		l.records[k] = rec
	}
	return rec
}

// CheckAndRecord runs the admission check for one key atomically. The
// bcrypt compare happens under the per-key lock so two concurrent wrong
// guesses are both counted.
func (l *Limiter) CheckAndRecord(ctx context.Context, roomID, origin, supplied, passwordHash string) error {
	rec := l.get(key{roomID: roomID, origin: origin})

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := l.now()

	if rec.Banned(now) {
		// An attempt during a ban extends it, never shortens it, and
		// skips the password compare entirely.
		rec.Attempts++
		rec.LastAttemptAt = now
		until := now.Add(l.backoff(rec.Attempts))
		if until.After(*rec.BannedUntil) {
			rec.BannedUntil = &until
		}
		l.persist(ctx, rec)
		return &domain.LockedError{RetryAfter: rec.BannedUntil.Sub(now)}
	}

	if rec.BannedUntil != nil {
		// Ban expired naturally: the counter starts over.
		rec.BannedUntil = nil
		rec.Attempts = 0
	}

	if err := security.ComparePassword(passwordHash, supplied); err != nil {
		rec.Attempts++
		rec.LastAttemptAt = now
		if rec.Attempts >= l.threshold {
			until := now.Add(l.backoff(rec.Attempts))
			rec.BannedUntil = &until
		}
		l.persist(ctx, rec)
		return domain.ErrInvalidPassword
	}

	// Success resets the record for this key.
	rec.Attempts = 0
	rec.BannedUntil = nil
	rec.LastAttemptAt = now
	if l.audit != nil {
		if err := l.audit.ClearAttempts(ctx, roomID, origin); err != nil {
			slog.Warn("admission audit clear failed", "room", roomID, "err", err)
		}
	}
	return nil
}

// Remaining reports the active lockout for a key without mutating it.
func (l *Limiter) Remaining(roomID, origin string) time.Duration {
	l.mu.Lock()
	rec, ok := l.records[key{roomID: roomID, origin: origin}]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := l.now()
	if !rec.Banned(now) {
		return 0
	}
	return rec.BannedUntil.Sub(now)
}

// Forget drops all state for a room. Used when the room closes.
func (l *Limiter) Forget(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k := range l.records {
		if k.roomID == roomID {
			delete(l.records, k)
		}
	}
}

// backoff grows exponentially past the threshold and is monotonically
// non-decreasing in the attempt count.
func (l *Limiter) backoff(attempts int) time.Duration {
	over := attempts - l.threshold
	if over < 0 {
		over = 0
	}
	d := l.baseBackoff
	for i := 0; i < over; i++ {
		d *= 2
		if d >= l.maxBackoff {
			return l.maxBackoff
		}
	}
	if d > l.maxBackoff {
		return l.maxBackoff
	}
	return d
}

func (l *Limiter) persist(ctx context.Context, rec *record) {
	if l.audit == nil {
		return
	}
	snapshot := rec.FailedAttemptRecord
	if err := l.audit.RecordAttempt(ctx, &snapshot); err != nil {
		slog.Warn("admission audit write failed", "room", rec.RoomID, "err", err)
	}
}
