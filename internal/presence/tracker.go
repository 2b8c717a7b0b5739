package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
)

// Store is the durable audit sink. Write failures are logged; the
// in-memory view keeps serving.
type Store interface {
	InsertConnection(ctx context.Context, rec *domain.PeerConnectionRecord) error
	MarkDisconnected(ctx context.Context, peerID, roomID string, at time.Time) error
}

type connKey struct {
	peerID string
	roomID string
}

// Tracker records connect/disconnect events and client metadata for the
// operator console. It never feeds admission decisions.
type Tracker struct {
	mu     sync.Mutex
	open   map[connKey]*domain.PeerConnectionRecord
	recent []*domain.PeerConnectionRecord

	retain time.Duration // how long closed records stay listable
	store  Store
	now    func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func NewTracker(store Store, retain time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		open:   make(map[connKey]*domain.PeerConnectionRecord),
		retain: retain,
		store:  store,
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect opens a record for (peerID, roomID). If a record is already
// open for the pair (reconnect race), it is closed first: exactly one
// open record per connected pair.
func (t *Tracker) Connect(ctx context.Context, rec domain.PeerConnectionRecord) {
	now := t.now()
	rec.ConnectedAt = now
	rec.DisconnectedAt = nil

	k := connKey{peerID: rec.PeerID, roomID: rec.RoomID}

	t.mu.Lock()
	prev, hadStale := t.open[k]
	if hadStale {
		at := now
		prev.DisconnectedAt = &at
		t.recent = append(t.recent, prev)
	}
	stored := rec
	t.open[k] = &stored
	t.prune(now)
	t.mu.Unlock()

	if t.store != nil {
		// The stale open row must be stamped before the fresh insert, or
		// both end up matching the next MarkDisconnected.
		if hadStale {
			if err := t.store.MarkDisconnected(ctx, rec.PeerID, rec.RoomID, now); err != nil {
				slog.Warn("presence stale disconnect write failed", "peer", rec.PeerID, "room", rec.RoomID, "err", err)
			}
		}
		if err := t.store.InsertConnection(ctx, &rec); err != nil {
			slog.Warn("presence insert failed", "peer", rec.PeerID, "room", rec.RoomID, "err", err)
		}
	}
}

// Retention reports how long closed records stay listable in memory.
// Queries beyond this window need the durable store.
func (t *Tracker) Retention() time.Duration { return t.retain }

// Disconnect closes the open record for the pair. Idempotent.
func (t *Tracker) Disconnect(ctx context.Context, peerID, roomID string) {
	now := t.now()
	k := connKey{peerID: peerID, roomID: roomID}

	t.mu.Lock()
	rec, ok := t.open[k]
	if ok {
		at := now
		rec.DisconnectedAt = &at
		delete(t.open, k)
		t.recent = append(t.recent, rec)
	}
	t.prune(now)
	t.mu.Unlock()

	if !ok {
		return
	}
	if t.store != nil {
		if err := t.store.MarkDisconnected(ctx, peerID, roomID, now); err != nil {
			slog.Warn("presence disconnect write failed", "peer", peerID, "room", roomID, "err", err)
		}
	}
}

// List returns open records plus records closed within the window,
// newest connections first.
func (t *Tracker) List(window time.Duration) []domain.PeerConnectionRecord {
	if window <= 0 || window > t.retain {
		window = t.retain
	}
	now := t.now()
	cutoff := now.Add(-window)

	t.mu.Lock()
	out := make([]domain.PeerConnectionRecord, 0, len(t.open)+len(t.recent))
	for _, rec := range t.open {
		out = append(out, *rec)
	}
	for _, rec := range t.recent {
		if rec.DisconnectedAt != nil && rec.DisconnectedAt.After(cutoff) {
			out = append(out, *rec)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.After(out[j].ConnectedAt)
	})
	return out
}

// prune drops closed records past the retention window. Caller holds mu.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.retain)
	kept := t.recent[:0]
	for _, rec := range t.recent {
		if rec.DisconnectedAt != nil && rec.DisconnectedAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	t.recent = kept
}
