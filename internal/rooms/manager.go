package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/admission"
	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/security"

	"github.com/google/uuid"
)

// Store is the durable mirror of the room table. The in-memory state is
// authoritative; store failures on mutation paths are logged and retried
// by the reaper, they never fail the client operation (creation excepted).
type Store interface {
	SaveRoom(ctx context.Context, room *domain.Room) error
	UpdateSlots(ctx context.Context, id, slotA, slotB string) error
	CloseRoom(ctx context.Context, id string, closedAt time.Time) error
}

// Notifier is told when a room closes so no in-flight message is routed
// into a room that no longer exists. Implemented by the signaling relay.
type Notifier interface {
	RoomClosed(roomID string)
}

type entry struct {
	mu   sync.Mutex
	room domain.Room
}

// Manager owns the room table: creation, admission-gated joins, slot
// assignment, expiry and teardown. Map access is guarded by mu; all
// per-room mutation happens under the room's own lock so unrelated rooms
// never serialize against each other.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*entry
	retired map[string]struct{} // closed ids are never reissued

	ttl      time.Duration
	store    Store
	guard    *admission.Limiter
	notifier Notifier
	now      func() time.Time

	// store.CloseRoom failures queued for the next reaper tick
	retryMu    sync.Mutex
	retryClose map[string]time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(ttl time.Duration, store Store, guard *admission.Limiter, opts ...Option) *Manager {
	m := &Manager{
		rooms:      make(map[string]*entry),
		retired:    make(map[string]struct{}),
		ttl:        ttl,
		store:      store,
		guard:      guard,
		now:        time.Now,
		retryClose: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetNotifier wires the relay after construction; the relay itself needs
// the manager for occupancy checks.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// Create makes a room in the CREATED state with a fixed expiry horizon.
func (m *Manager) Create(ctx context.Context, password, createdBy string) (*domain.Room, error) {
	if m.ttl <= 0 {
		return nil, fmt.Errorf("room ttl not configured: %w", domain.ErrInvalidInput)
	}

	var hash string
	if password != "" {
		h, err := security.HashPassword(password, &security.BcryptConfig{MinLength: 4})
		if err != nil {
			return nil, fmt.Errorf("hash room password: %w", err)
		}
		hash = h
	}

	seed, err := security.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("relay credential seed: %w", err)
	}

	now := m.now()
	room := domain.Room{
		ID:                  uuid.NewString(),
		PasswordHash:        hash,
		CreatedBy:           createdBy,
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.ttl),
		IsActive:            true,
		RelayCredentialSeed: seed,
	}

	if m.store != nil {
		if err := m.store.SaveRoom(ctx, &room); err != nil {
			return nil, fmt.Errorf("store.SaveRoom: %w", err)
		}
	}

	m.mu.Lock()
	m.rooms[room.ID] = &entry{room: room}
	m.mu.Unlock()

	out := room
	return &out, nil
}

// Join admits a peer into a free slot, slot A before B. The admission
// check and the slot assignment run under the room lock so two racing
// joins for the last slot resolve to exactly one winner.
//
// When a password is set, a missing room, an expired room and a wrong
// password all take the same code path shape; callers must keep the
// responses indistinguishable too.
func (m *Manager) Join(ctx context.Context, roomID, origin, password string) (string, error) {
	e := m.lookup(roomID)
	if e == nil {
		security.EqualizeCompare(password)
		return "", domain.ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.room.IsActive || e.room.Expired(m.now()) {
		security.EqualizeCompare(password)
		return "", domain.ErrRoomNotFound
	}

	if e.room.HasPassword() {
		if err := m.guard.CheckAndRecord(ctx, roomID, origin, password, e.room.PasswordHash); err != nil {
			return "", err
		}
	}

	peerID := uuid.NewString()
	switch {
	case e.room.PeerSlotA == "":
		e.room.PeerSlotA = peerID
	case e.room.PeerSlotB == "":
		e.room.PeerSlotB = peerID
	default:
		return "", domain.ErrRoomFull
	}

	m.persistSlots(ctx, &e.room)
	return peerID, nil
}

// Leave frees the peer's slot. Idempotent: leaving twice, or leaving a
// room the peer never joined, is a no-op. A room whose last occupant
// leaves closes and its id is retired.
func (m *Manager) Leave(ctx context.Context, roomID, peerID string) {
	e := m.lookup(roomID)
	if e == nil {
		return
	}

	e.mu.Lock()
	had := e.room.Occupies(peerID)
	if e.room.PeerSlotA == peerID {
		e.room.PeerSlotA = ""
	}
	if e.room.PeerSlotB == peerID {
		e.room.PeerSlotB = ""
	}
	empty := had && e.room.PeerCount() == 0 && e.room.IsActive
	if !empty && had {
		m.persistSlots(ctx, &e.room)
	}
	e.mu.Unlock()

	if empty {
		m.close(ctx, roomID, e)
	}
}

// Close is the owner-only early teardown. The presented token must match
// the stored createdBy value; it is never trusted on its own.
func (m *Manager) Close(ctx context.Context, roomID, requestedBy string) error {
	e := m.lookup(roomID)
	if e == nil {
		return domain.ErrRoomNotFound
	}

	e.mu.Lock()
	if !e.room.IsActive {
		e.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	if e.room.CreatedBy == "" || e.room.CreatedBy != requestedBy {
		e.mu.Unlock()
		return domain.ErrForbidden
	}
	e.mu.Unlock()

	m.close(ctx, roomID, e)
	return nil
}

// Reap closes every room past its expiry, occupied or not. This is the
// only path that force-disconnects active peers. Store errors are logged
// and retried on the next tick.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.now()

	m.mu.RLock()
	expired := make([]string, 0)
	for id, e := range m.rooms {
		e.mu.Lock()
		if e.room.IsActive && e.room.Expired(now) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if e := m.lookup(id); e != nil {
			m.close(ctx, id, e)
		}
	}

	m.retryFailedCloses(ctx)
	return len(expired)
}

// StartReaper runs the expiry sweep until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(ctx); n > 0 {
				slog.Info("reaped expired rooms", "count", n)
			}
		}
	}
}

// Status reports the room's lifecycle state and occupancy for the
// public status endpoint. Closed and unknown rooms both come back
// NotFound; a room past its expiry but not yet reaped reads closed.
func (m *Manager) Status(roomID string) (domain.RoomState, int, error) {
	e := m.lookup(roomID)
	if e == nil {
		return domain.StateClosed, 0, domain.ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.room.IsActive {
		return domain.StateClosed, 0, domain.ErrRoomNotFound
	}
	if e.room.Expired(m.now()) {
		return domain.StateClosed, e.room.PeerCount(), nil
	}
	return e.room.State(), e.room.PeerCount(), nil
}

// Occupant reports whether peerID currently holds a slot in an active
// room. The relay consults this before binding a connection.
func (m *Manager) Occupant(roomID, peerID string) bool {
	e := m.lookup(roomID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room.IsActive && e.room.Occupies(peerID)
}

// RelaySeed hands the credential issuer the room's seed, only for a
// registered occupant of an unexpired room.
func (m *Manager) RelaySeed(roomID, peerID string) ([]byte, error) {
	e := m.lookup(roomID)
	if e == nil {
		return nil, domain.ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.room.IsActive || e.room.Expired(m.now()) || !e.room.Occupies(peerID) {
		return nil, domain.ErrRoomNotFound
	}

	seed := make([]byte, len(e.room.RelayCredentialSeed))
	copy(seed, e.room.RelayCredentialSeed)
	return seed, nil
}

func (m *Manager) lookup(roomID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

// close transitions active→closed exactly once, retires the id and tells
// the relay.
func (m *Manager) close(ctx context.Context, roomID string, e *entry) {
	e.mu.Lock()
	if !e.room.IsActive {
		e.mu.Unlock()
		return
	}
	e.room.IsActive = false
	e.room.PeerSlotA = ""
	e.room.PeerSlotB = ""
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.rooms, roomID)
	m.retired[roomID] = struct{}{}
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.RoomClosed(roomID)
	}
	if m.guard != nil {
		m.guard.Forget(roomID)
	}

	closedAt := m.now()
	if m.store != nil {
		if err := m.store.CloseRoom(ctx, roomID, closedAt); err != nil {
			slog.Warn("store.CloseRoom failed, will retry", "room", roomID, "err", err)
			m.retryMu.Lock()
			m.retryClose[roomID] = closedAt
			m.retryMu.Unlock()
		}
	}
}

func (m *Manager) persistSlots(ctx context.Context, room *domain.Room) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateSlots(ctx, room.ID, room.PeerSlotA, room.PeerSlotB); err != nil {
		slog.Warn("store.UpdateSlots failed", "room", room.ID, "err", err)
	}
}

func (m *Manager) retryFailedCloses(ctx context.Context) {
	if m.store == nil {
		return
	}

	m.retryMu.Lock()
	pending := make(map[string]time.Time, len(m.retryClose))
	for id, at := range m.retryClose {
		pending[id] = at
	}
	m.retryMu.Unlock()

	for id, at := range pending {
		if err := m.store.CloseRoom(ctx, id, at); err != nil {
			slog.Warn("store.CloseRoom retry failed", "room", id, "err", err)
			continue
		}
		m.retryMu.Lock()
		delete(m.retryClose, id)
		m.retryMu.Unlock()
	}
}
