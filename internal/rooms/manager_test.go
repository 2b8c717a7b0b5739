package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/signal-service/internal/admission"
	"github.com/cwrk-planet/signal-service/internal/domain"
)

type fakeNotifier struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeNotifier) RoomClosed(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, roomID)
}

func (f *fakeNotifier) closedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func newTestManager(t *testing.T, ttl time.Duration, now *time.Time) (*Manager, *fakeNotifier) {
	t.Helper()
	guard := admission.NewLimiter(5, 30*time.Second, 15*time.Minute,
		admission.WithClock(func() time.Time { return *now }))
	m := NewManager(ttl, nil, guard, WithClock(func() time.Time { return *now }))
	n := &fakeNotifier{}
	m.SetNotifier(n)
	return m, n
}

func TestCreate_RequiresTTL(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, 0, &now)

	if _, err := m.Create(context.Background(), "", "owner"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput without ttl, got %v", err)
	}
}

func TestJoin_SlotAssignmentAndCapacity(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, err := m.Create(ctx, "", "owner")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a, err := m.Join(ctx, room.ID, "origin-a", "")
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	b, err := m.Join(ctx, room.ID, "origin-b", "")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if a == b {
		t.Fatal("peer ids must be distinct")
	}

	if _, err := m.Join(ctx, room.ID, "origin-c", ""); !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("third join: want ErrRoomFull, got %v", err)
	}

	// the third attempt did not evict anyone
	if !m.Occupant(room.ID, a) || !m.Occupant(room.ID, b) {
		t.Fatal("existing occupants must keep their slots")
	}
}

func TestJoin_ConcurrentRaceForLastSlot(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "owner")
	if _, err := m.Join(ctx, room.ID, "origin-a", ""); err != nil {
		t.Fatalf("seed join: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, fulls int

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Join(ctx, room.ID, "origin-x", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrRoomFull):
				fulls++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one racer must win the last slot, got %d", wins)
	}
	if fulls != racers-1 {
		t.Fatalf("losers must observe RoomFull, got %d of %d", fulls, racers-1)
	}
}

func TestJoin_PasswordProtected(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, err := m.Create(ctx, "secret123", "owner")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Join(ctx, room.ID, "origin-a", "wrong"); !errors.Is(err, domain.ErrInvalidPassword) {
		t.Fatalf("wrong password: want ErrInvalidPassword, got %v", err)
	}
	if _, err := m.Join(ctx, room.ID, "origin-a", ""); !errors.Is(err, domain.ErrInvalidPassword) {
		t.Fatalf("missing password: want ErrInvalidPassword, got %v", err)
	}
	if _, err := m.Join(ctx, room.ID, "origin-b", "secret123"); err != nil {
		t.Fatalf("correct password: %v", err)
	}
}

func TestJoin_WrongPasswordDoesNotAffectOtherOrigin(t *testing.T) {
	now := time.Now()
	guard := admission.NewLimiter(2, 30*time.Second, 15*time.Minute,
		admission.WithClock(func() time.Time { return now }))
	m := NewManager(time.Hour, nil, guard, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	room, _ := m.Create(ctx, "secret123", "owner")

	// lock out one origin entirely
	_, _ = m.Join(ctx, room.ID, "10.0.0.1", "wrong")
	_, _ = m.Join(ctx, room.ID, "10.0.0.1", "wrong")
	if _, err := m.Join(ctx, room.ID, "10.0.0.1", "secret123"); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("locked origin: want ErrLocked, got %v", err)
	}

	// the other origin joins unhindered
	if _, err := m.Join(ctx, room.ID, "10.0.0.2", "secret123"); err != nil {
		t.Fatalf("clean origin must join, got %v", err)
	}
}

func TestJoin_ExpiredRoomNotFound(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "owner")

	now = now.Add(time.Hour + time.Second)
	if _, err := m.Join(ctx, room.ID, "origin", ""); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expired room: want ErrRoomNotFound, got %v", err)
	}
}

func TestLeave_LastPeerClosesRoomAndRetiresID(t *testing.T) {
	now := time.Now()
	m, n := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "owner")
	a, _ := m.Join(ctx, room.ID, "origin-a", "")
	b, _ := m.Join(ctx, room.ID, "origin-b", "")

	m.Leave(ctx, room.ID, a)
	if _, count, err := m.Status(room.ID); err != nil || count != 1 {
		t.Fatalf("after one leave: count=%d err=%v", count, err)
	}

	m.Leave(ctx, room.ID, b)
	if _, _, err := m.Status(room.ID); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("empty room must close, got %v", err)
	}
	if got := n.closedRooms(); len(got) != 1 || got[0] != room.ID {
		t.Fatalf("relay must be told about the close, got %v", got)
	}

	// the id is retired, never rejoinable
	if _, err := m.Join(ctx, room.ID, "origin-c", ""); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("closed id must stay dead, got %v", err)
	}
}

func TestLeave_Idempotent(t *testing.T) {
	now := time.Now()
	m, n := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "owner")
	a, _ := m.Join(ctx, room.ID, "origin-a", "")

	m.Leave(ctx, room.ID, a)
	m.Leave(ctx, room.ID, a) // no-op
	m.Leave(ctx, "no-such-room", a)

	if got := n.closedRooms(); len(got) != 1 {
		t.Fatalf("double leave must close once, got %v", got)
	}
}

func TestClose_OwnerOnly(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "owner-token")

	if err := m.Close(ctx, room.ID, "stranger"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("wrong token: want ErrForbidden, got %v", err)
	}
	if err := m.Close(ctx, room.ID, "owner-token"); err != nil {
		t.Fatalf("owner close: %v", err)
	}
	if err := m.Close(ctx, room.ID, "owner-token"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("second close: want ErrRoomNotFound, got %v", err)
	}
}

func TestClose_NoOwnerTokenMeansNoEarlyClose(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "")
	if err := m.Close(ctx, room.ID, ""); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("empty tokens must never authorize, got %v", err)
	}
}

func TestReap_ClosesExpiredOccupiedRooms(t *testing.T) {
	now := time.Now()
	m, n := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	expired, _ := m.Create(ctx, "", "owner")
	_, _ = m.Join(ctx, expired.ID, "origin-a", "")

	now = now.Add(30 * time.Minute)
	fresh, _ := m.Create(ctx, "", "owner")

	now = now.Add(45 * time.Minute) // expired is past ttl, fresh is not
	if reaped := m.Reap(ctx); reaped != 1 {
		t.Fatalf("want 1 reaped room, got %d", reaped)
	}

	if got := n.closedRooms(); len(got) != 1 || got[0] != expired.ID {
		t.Fatalf("relay must see the reaped room, got %v", got)
	}
	if _, _, err := m.Status(fresh.ID); err != nil {
		t.Fatalf("fresh room must survive: %v", err)
	}
}

func TestStatus_TracksLifecycleState(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "owner")

	state, count, err := m.Status(room.ID)
	if err != nil || state != domain.StateCreated || count != 0 {
		t.Fatalf("fresh room: state=%s count=%d err=%v", state, count, err)
	}

	a, _ := m.Join(ctx, room.ID, "origin-a", "")
	if state, _, _ = m.Status(room.ID); state != domain.StateWaiting {
		t.Fatalf("one occupant: want waiting, got %s", state)
	}

	_, _ = m.Join(ctx, room.ID, "origin-b", "")
	if state, _, _ = m.Status(room.ID); state != domain.StateActive {
		t.Fatalf("two occupants: want active, got %s", state)
	}

	m.Leave(ctx, room.ID, a)
	if state, _, _ = m.Status(room.ID); state != domain.StateWaiting {
		t.Fatalf("after leave: want waiting, got %s", state)
	}

	// past expiry but not yet reaped reads closed without erroring
	now = now.Add(2 * time.Hour)
	state, count, err = m.Status(room.ID)
	if err != nil || state != domain.StateClosed || count != 1 {
		t.Fatalf("expired room: state=%s count=%d err=%v", state, count, err)
	}
}

func TestRelaySeed_OnlyForOccupants(t *testing.T) {
	now := time.Now()
	m, _ := newTestManager(t, time.Hour, &now)
	ctx := context.Background()

	room, _ := m.Create(ctx, "", "owner")
	peer, _ := m.Join(ctx, room.ID, "origin-a", "")

	seed, err := m.RelaySeed(room.ID, peer)
	if err != nil {
		t.Fatalf("occupant seed: %v", err)
	}
	if len(seed) != 32 {
		t.Fatalf("want 32-byte seed, got %d", len(seed))
	}

	if _, err := m.RelaySeed(room.ID, "not-a-peer"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("non-occupant: want ErrRoomNotFound, got %v", err)
	}
}
