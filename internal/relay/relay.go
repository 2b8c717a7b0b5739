package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
)

// Message kinds carried over the signaling channel. Payloads are opaque;
// the relay never inspects them.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "ice-candidate"
	KindBye       = "bye"

	// control kinds emitted by the relay itself
	KindPeerJoined = "peer_joined"
	KindPeerLeft   = "peer_left"
	KindRoomClosed = "room_closed"
)

var relayedKinds = map[string]bool{
	KindOffer:     true,
	KindAnswer:    true,
	KindCandidate: true,
	KindBye:       true,
}

type Message struct {
	Kind    string          `json:"kind"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is a live connection handle. Send must serialize writes per
// connection so per-sender ordering survives.
type Conn interface {
	Send(msg Message) error
	Close() error
}

// Occupancy answers whether a peer was admitted into a room. Implemented
// by the room lifecycle manager; registration without a prior successful
// join is rejected.
type Occupancy interface {
	Occupant(roomID, peerID string) bool
}

type binding struct {
	peerID string
	conn   Conn
}

type pending struct {
	msg      Message
	storedAt time.Time
}

type route struct {
	mu    sync.Mutex
	slots [2]binding

	// At most one buffered message per (sender, kind); a fixed-capacity
	// slot, not a queue, so reconnects cannot replay a backlog.
	pending map[[2]string]pending
}

// Router is the in-memory signaling table, rebuilt purely from live
// connections. It never reads persisted room state.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]*route

	occ        Occupancy
	pendingTTL time.Duration
	now        func() time.Time
}

type Option func(*Router)

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

func NewRouter(occ Occupancy, pendingTTL time.Duration, opts ...Option) *Router {
	r := &Router{
		rooms:      make(map[string]*route),
		occ:        occ,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register binds a live connection to the room's free routing slot and
// flushes any message buffered for this peer. A reconnect by the same
// peer replaces the old handle.
func (r *Router) Register(roomID, peerID string, conn Conn) error {
	if !r.occ.Occupant(roomID, peerID) {
		return domain.ErrForbidden
	}

	rt := r.route(roomID, true)

	rt.mu.Lock()
	// Re-check under the route lock: the room may have closed between
	// the first check and the route creation, and a fresh route for a
	// dead room would linger until someone unregisters from it.
	if !r.occ.Occupant(roomID, peerID) {
		empty := rt.slots[0].peerID == "" && rt.slots[1].peerID == ""
		rt.mu.Unlock()
		if empty {
			r.drop(roomID)
		}
		return domain.ErrForbidden
	}

	var free *binding
	var other *binding
	for i := range rt.slots {
		b := &rt.slots[i]
		switch {
		case b.peerID == peerID:
			b.conn = conn // reconnect
			free = b
		case b.peerID == "" && free == nil:
			free = b
		case b.peerID != "":
			other = b
		}
	}
	if free == nil {
		rt.mu.Unlock()
		return domain.ErrRoomFull
	}
	free.peerID = peerID
	free.conn = conn

	flush := rt.take(peerID, r.now().Add(-r.pendingTTL))
	var notify Conn
	if other != nil && other.conn != nil {
		notify = other.conn
	}
	rt.mu.Unlock()

	for _, msg := range flush {
		if err := conn.Send(msg); err != nil {
			slog.Debug("relay flush failed", "room", roomID, "peer", peerID, "err", err)
			break
		}
	}
	if notify != nil {
		_ = notify.Send(Message{Kind: KindPeerJoined, From: peerID})
	}
	return nil
}

// Relay forwards msg unmodified to the counterpart, or parks it in the
// per-kind slot when the counterpart has not registered yet. Delivery to
// an absent counterpart is not an error.
func (r *Router) Relay(roomID, fromPeerID string, msg Message) error {
	if !relayedKinds[msg.Kind] {
		return domain.ErrInvalidInput
	}

	rt := r.route(roomID, false)
	if rt == nil {
		return domain.ErrRoomNotFound
	}

	rt.mu.Lock()
	var self, other *binding
	for i := range rt.slots {
		b := &rt.slots[i]
		if b.peerID == fromPeerID {
			self = b
		} else if b.peerID != "" {
			other = b
		}
	}
	if self == nil {
		rt.mu.Unlock()
		return domain.ErrForbidden
	}

	msg.From = fromPeerID
	if other == nil || other.conn == nil {
		if rt.pending == nil {
			rt.pending = make(map[[2]string]pending)
		}
		rt.pending[[2]string{fromPeerID, msg.Kind}] = pending{msg: msg, storedAt: r.now()}
		rt.mu.Unlock()
		return nil
	}

	// Delivered under the route lock: once Unregister returns, no send
	// to the departed binding can still be in flight.
	err := other.conn.Send(msg)
	rt.mu.Unlock()
	return err
}

// Unregister removes the routing entry and synchronously tells the
// counterpart, so it can drop its negotiation state. Safe to run twice.
func (r *Router) Unregister(roomID, peerID string) {
	rt := r.route(roomID, false)
	if rt == nil {
		return
	}

	rt.mu.Lock()
	removed := false
	var other Conn
	for i := range rt.slots {
		b := &rt.slots[i]
		if b.peerID == peerID {
			*b = binding{}
			removed = true
		} else if b.peerID != "" && b.conn != nil {
			other = b.conn
		}
	}
	// drop anything the departed peer left buffered
	for k := range rt.pending {
		if k[0] == peerID {
			delete(rt.pending, k)
		}
	}
	empty := rt.slots[0].peerID == "" && rt.slots[1].peerID == ""
	rt.mu.Unlock()

	if !removed {
		return
	}
	if other != nil {
		_ = other.Send(Message{Kind: KindPeerLeft, From: peerID})
	}
	if empty {
		r.drop(roomID)
	}
}

// RoomClosed force-disconnects both slots. Invoked by the lifecycle
// manager on expiry and owner close.
func (r *Router) RoomClosed(roomID string) {
	rt := r.route(roomID, false)
	if rt == nil {
		return
	}

	rt.mu.Lock()
	conns := make([]Conn, 0, 2)
	for i := range rt.slots {
		if c := rt.slots[i].conn; c != nil {
			conns = append(conns, c)
		}
		rt.slots[i] = binding{}
	}
	rt.pending = nil
	rt.mu.Unlock()

	r.drop(roomID)

	for _, c := range conns {
		_ = c.Send(Message{Kind: KindRoomClosed})
		_ = c.Close()
	}
}

func (r *Router) route(roomID string, create bool) *route {
	r.mu.RLock()
	rt := r.rooms[roomID]
	r.mu.RUnlock()
	if rt != nil || !create {
		return rt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rt = r.rooms[roomID]; rt == nil {
		rt = &route{}
		r.rooms[roomID] = rt
	}
	return rt
}

func (r *Router) drop(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}

// take pops buffered messages destined for peerID (i.e. sent by anyone
// else), dropping expired ones. Offer before answer before candidates
// keeps the negotiation replay coherent. Caller holds rt.mu.
func (rt *route) take(peerID string, cutoff time.Time) []Message {
	if len(rt.pending) == 0 {
		return nil
	}

	order := []string{KindOffer, KindAnswer, KindCandidate, KindBye}
	out := make([]Message, 0, len(order))
	for _, kind := range order {
		for k, p := range rt.pending {
			if k[1] != kind || k[0] == peerID {
				continue
			}
			delete(rt.pending, k)
			if p.storedAt.Before(cutoff) {
				continue // stale, dropped
			}
			out = append(out, p.msg)
		}
	}
	return out
}
