package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/presence"
	"github.com/cwrk-planet/signal-service/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// RoomLeaver frees the peer's slot when its connection goes away.
type RoomLeaver interface {
	Leave(ctx context.Context, roomID, peerID string)
}

type Server struct {
	upgrader websocket.Upgrader
	router   *relay.Router
	rooms    RoomLeaver
	tracker  *presence.Tracker

	pingEvery time.Duration
}

func NewServer(router *relay.Router, rooms RoomLeaver, tracker *presence.Tracker) *Server {
	return &Server{
		router:  router,
		rooms:   rooms,
		tracker: tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced on the join endpoints
		},
		pingEvery: 15 * time.Second,
	}
}

// WS endpoint: GET /ws/rooms/{id}?peer_id=...&nickname=...
// The peer_id must come from a prior successful join; the relay rejects
// anything else.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	peerID := strings.TrimSpace(r.URL.Query().Get("peer_id"))
	nickname := strings.TrimSpace(r.URL.Query().Get("nickname"))
	if roomID == "" || peerID == "" {
		http.Error(w, "missing room id or peer_id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "room", roomID, "err", err)
		return
	}

	c := newWSConn(conn)
	if err := s.router.Register(roomID, peerID, c); err != nil {
		code := websocket.ClosePolicyViolation
		if err == domain.ErrRoomFull {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.tracker.Connect(r.Context(), domain.PeerConnectionRecord{
		PeerID:     peerID,
		RoomID:     roomID,
		Nickname:   nickname,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})

	// teardown is shared between read failure and room close; must be
	// safe to run twice
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			ctx := context.Background()
			s.router.Unregister(roomID, peerID)
			s.rooms.Leave(ctx, roomID, peerID)
			s.tracker.Disconnect(ctx, peerID, roomID)
			_ = c.Close()
		})
	}
	defer teardown()

	go s.writeLoop(c)
	s.readLoop(c, roomID, peerID)
}

func (s *Server) readLoop(c *wsConn, roomID, peerID string) {
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg relay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if err := s.router.Relay(roomID, peerID, msg); err != nil {
			slog.Debug("relay rejected message", "room", roomID, "peer", peerID,
				"kind", msg.Kind, "err", err)
		}
	}
}

func (s *Server) writeLoop(c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-c.closed:
			return
		}
	}
}
