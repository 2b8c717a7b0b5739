package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []Message
	closed bool
}

func (c *fakeConn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

func (c *fakeConn) kinds() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.Kind)
	}
	return out
}

// occupancyMap admits exactly the (room, peer) pairs it contains.
type occupancyMap map[string]map[string]bool

func (o occupancyMap) Occupant(roomID, peerID string) bool { return o[roomID][peerID] }

func twoPeerRoom() occupancyMap {
	return occupancyMap{"r1": {"alice": true, "bob": true}}
}

func TestRegister_RequiresAdmission(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)

	if err := r.Register("r1", "mallory", &fakeConn{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("unadmitted peer: want ErrForbidden, got %v", err)
	}
	if err := r.Register("no-such-room", "alice", &fakeConn{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("unknown room: want ErrForbidden, got %v", err)
	}
	if err := r.Register("r1", "alice", &fakeConn{}); err != nil {
		t.Fatalf("admitted peer: %v", err)
	}
}

func TestRelay_PayloadAndOrderPreserved(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	alice, bob := &fakeConn{}, &fakeConn{}

	if err := r.Register("r1", "alice", alice); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("r1", "bob", bob); err != nil {
		t.Fatal(err)
	}

	payloads := []string{`{"sdp":"v=0"}`, `{"candidate":"a"}`, `{"candidate":"b"}`}
	kinds := []string{KindOffer, KindCandidate, KindCandidate}
	for i, p := range payloads {
		if err := r.Relay("r1", "alice", Message{Kind: kinds[i], Payload: json.RawMessage(p)}); err != nil {
			t.Fatalf("relay %d: %v", i, err)
		}
	}

	got := bob.messages()
	if len(got) != 4 { // peer_joined + 3 relayed
		t.Fatalf("want 4 messages at bob, got %d: %v", len(got), bob.kinds())
	}
	for i, m := range got[1:] {
		if m.Kind != kinds[i] {
			t.Fatalf("message %d: want kind %q, got %q", i, kinds[i], m.Kind)
		}
		if string(m.Payload) != payloads[i] {
			t.Fatalf("message %d: payload altered: %s", i, m.Payload)
		}
		if m.From != "alice" {
			t.Fatalf("message %d: from must be stamped by the relay, got %q", i, m.From)
		}
	}
}

func TestRelay_RejectsUnknownKind(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	_ = r.Register("r1", "alice", &fakeConn{})

	err := r.Relay("r1", "alice", Message{Kind: "peer_joined"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("control kinds are not client-sendable, got %v", err)
	}
	if err := r.Relay("r1", "alice", Message{Kind: "renegotiate"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("unknown kind: want ErrInvalidInput, got %v", err)
	}
}

func TestRelay_SenderMustBeRegistered(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	_ = r.Register("r1", "alice", &fakeConn{})

	if err := r.Relay("r1", "bob", Message{Kind: KindOffer}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("unregistered sender: want ErrForbidden, got %v", err)
	}
}

func TestRelay_BuffersForAbsentPeerAndFlushesOrdered(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := NewRouter(twoPeerRoom(), time.Minute, WithClock(func() time.Time { return now }))
	alice := &fakeConn{}
	_ = r.Register("r1", "alice", alice)

	// candidate lands before the offer; flush must still replay offer first
	if err := r.Relay("r1", "alice", Message{Kind: KindCandidate, Payload: json.RawMessage(`{"candidate":"x"}`)}); err != nil {
		t.Fatalf("buffered candidate: %v", err)
	}
	if err := r.Relay("r1", "alice", Message{Kind: KindOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)}); err != nil {
		t.Fatalf("buffered offer: %v", err)
	}

	bob := &fakeConn{}
	if err := r.Register("r1", "bob", bob); err != nil {
		t.Fatal(err)
	}

	got := bob.kinds()
	if len(got) != 2 || got[0] != KindOffer || got[1] != KindCandidate {
		t.Fatalf("flush order must be offer before candidate, got %v", got)
	}
}

func TestRelay_PerKindSlotKeepsOnlyLatest(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	_ = r.Register("r1", "alice", &fakeConn{})

	_ = r.Relay("r1", "alice", Message{Kind: KindCandidate, Payload: json.RawMessage(`{"candidate":"old"}`)})
	_ = r.Relay("r1", "alice", Message{Kind: KindCandidate, Payload: json.RawMessage(`{"candidate":"new"}`)})

	bob := &fakeConn{}
	_ = r.Register("r1", "bob", bob)

	got := bob.messages()
	if len(got) != 1 {
		t.Fatalf("want a single buffered candidate, got %d", len(got))
	}
	if string(got[0].Payload) != `{"candidate":"new"}` {
		t.Fatalf("slot must hold the latest message, got %s", got[0].Payload)
	}
}

func TestRelay_StaleBufferedMessagesDropped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := NewRouter(twoPeerRoom(), time.Minute, WithClock(func() time.Time { return now }))
	_ = r.Register("r1", "alice", &fakeConn{})
	_ = r.Relay("r1", "alice", Message{Kind: KindOffer})

	now = now.Add(2 * time.Minute)
	bob := &fakeConn{}
	_ = r.Register("r1", "bob", bob)

	for _, m := range bob.messages() {
		if m.Kind == KindOffer {
			t.Fatal("expired buffered offer must not be replayed")
		}
	}
}

func TestUnregister_NotifiesPeerAndIsIdempotent(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	alice, bob := &fakeConn{}, &fakeConn{}
	_ = r.Register("r1", "alice", alice)
	_ = r.Register("r1", "bob", bob)

	r.Unregister("r1", "alice")
	r.Unregister("r1", "alice")
	r.Unregister("r1", "nobody")

	var lefts int
	for _, m := range bob.messages() {
		if m.Kind == KindPeerLeft {
			lefts++
			if m.From != "alice" {
				t.Fatalf("peer_left must carry the departed peer, got %q", m.From)
			}
		}
	}
	if lefts != 1 {
		t.Fatalf("want exactly one peer_left, got %d", lefts)
	}
}

func TestUnregister_DropsDepartedPeersBuffer(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	_ = r.Register("r1", "alice", &fakeConn{})
	_ = r.Relay("r1", "alice", Message{Kind: KindOffer})
	r.Unregister("r1", "alice")

	// alice rejoins the table, then bob arrives: nothing may replay
	_ = r.Register("r1", "alice", &fakeConn{})
	bob := &fakeConn{}
	_ = r.Register("r1", "bob", bob)

	for _, m := range bob.messages() {
		if m.Kind == KindOffer {
			t.Fatal("buffer must not survive the sender's unregister")
		}
	}
}

// flakyOcc admits a peer for a limited number of checks, mimicking a
// room that closes between Register's first check and the route bind.
type flakyOcc struct {
	mu     sync.Mutex
	admits int
}

func (o *flakyOcc) Occupant(string, string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.admits--
	return o.admits >= 0
}

func TestRegister_RoomClosingMidRegisterLeavesNoRoute(t *testing.T) {
	r := NewRouter(&flakyOcc{admits: 1}, time.Minute)

	if err := r.Register("r1", "alice", &fakeConn{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("register against a closing room: want ErrForbidden, got %v", err)
	}

	// no orphan route may survive the failed bind
	if err := r.Relay("r1", "alice", Message{Kind: KindOffer}); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("orphan route left behind: got %v", err)
	}
}

// sealableConn flags any Send that begins after Seal was called.
type sealableConn struct {
	mu     sync.Mutex
	sealed bool
	late   int
}

func (c *sealableConn) Send(Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		c.late++
	}
	return nil
}

func (c *sealableConn) Close() error { return nil }

func (c *sealableConn) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
}

func (c *sealableConn) Late() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.late
}

func TestRelay_NoDeliveryAfterUnregisterResolves(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	bob := &sealableConn{}
	_ = r.Register("r1", "alice", &fakeConn{})
	_ = r.Register("r1", "bob", bob)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Relay("r1", "alice", Message{Kind: KindCandidate})
		}()
	}

	r.Unregister("r1", "bob")
	bob.Seal()
	wg.Wait()

	if n := bob.Late(); n != 0 {
		t.Fatalf("%d messages delivered after unregister resolved", n)
	}
}

func TestRoomClosed_DisconnectsBoth(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	alice, bob := &fakeConn{}, &fakeConn{}
	_ = r.Register("r1", "alice", alice)
	_ = r.Register("r1", "bob", bob)

	r.RoomClosed("r1")

	for name, c := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		msgs := c.messages()
		last := msgs[len(msgs)-1]
		if last.Kind != KindRoomClosed {
			t.Fatalf("%s: want trailing room_closed, got %v", name, c.kinds())
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			t.Fatalf("%s: connection must be closed", name)
		}
	}

	// routing state is gone
	if err := r.Relay("r1", "alice", Message{Kind: KindOffer}); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("closed room: want ErrRoomNotFound, got %v", err)
	}
}

func TestRegister_ReconnectReplacesHandle(t *testing.T) {
	r := NewRouter(twoPeerRoom(), time.Minute)
	stale, fresh, bob := &fakeConn{}, &fakeConn{}, &fakeConn{}
	_ = r.Register("r1", "alice", stale)
	_ = r.Register("r1", "bob", bob)
	if err := r.Register("r1", "alice", fresh); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	if err := r.Relay("r1", "bob", Message{Kind: KindAnswer}); err != nil {
		t.Fatal(err)
	}
	if len(fresh.messages()) == 0 {
		t.Fatal("traffic must reach the fresh handle")
	}
	for _, m := range stale.messages() {
		if m.Kind == KindAnswer {
			t.Fatal("stale handle must not receive traffic after reconnect")
		}
	}
}
