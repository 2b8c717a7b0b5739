package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/rooms"
	"github.com/cwrk-planet/signal-service/internal/turncred"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	rooms  *rooms.Manager
	issuer *turncred.Issuer
}

func NewHandler(rooms *rooms.Manager, issuer *turncred.Issuer) *Handler {
	return &Handler{rooms: rooms, issuer: issuer}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// roomUnavailable is the single response for "room does not exist" and
// "wrong password": guessers must not be able to tell them apart.
func roomUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room_unavailable"})
}

// clientOrigin fingerprints the requester for admission lockout keying.
// RealIP middleware has already resolved proxy headers.
func clientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	room, err := h.rooms.Create(r.Context(), req.Password, strings.TrimSpace(req.CreatedBy))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPasswordTooShort), errors.Is(err, domain.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
		default:
			slog.Error("handler.CreateRoom:", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusCreated, CreateRoomResponse{
		RoomID:    room.ID,
		ExpiresAt: room.ExpiresAt,
	})
}

// POST /rooms/{id}/join
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	var req JoinRoomRequest
	// an empty body is a join without password
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	peerID, err := h.rooms.Join(r.Context(), roomID, clientOrigin(r), req.Password)
	if err != nil {
		var locked *domain.LockedError
		switch {
		case errors.As(err, &locked):
			retry := int(locked.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "locked", RetryAfter: retry})
		case errors.Is(err, domain.ErrRoomFull):
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "room_full"})
		case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrInvalidPassword):
			roomUnavailable(w)
		default:
			slog.Error("handler.JoinRoom:", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, JoinRoomResponse{OK: true, RoomID: roomID, PeerID: peerID})
}

// POST /rooms/{id}/leave
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	var req LeaveRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
		return
	}

	h.rooms.Leave(r.Context(), roomID, req.PeerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// POST /rooms/{id}/close — owner-only early close.
func (h *Handler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	var req CloseRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CreatedBy == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
		return
	}

	if err := h.rooms.Close(r.Context(), roomID, req.CreatedBy); err != nil {
		switch {
		case errors.Is(err, domain.ErrRoomNotFound):
			roomUnavailable(w)
		case errors.Is(err, domain.ErrForbidden):
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden"})
		default:
			slog.Error("handler.CloseRoom:", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// GET /rooms/{id}
func (h *Handler) GetRoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	state, count, err := h.rooms.Status(roomID)
	if err != nil {
		roomUnavailable(w)
		return
	}

	writeJSON(w, http.StatusOK, RoomStatusResponse{
		State:     string(state),
		Active:    state != domain.StateClosed,
		PeerCount: count,
	})
}

// GET /rooms/{id}/credentials?peer_id=
func (h *Handler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	peerID := strings.TrimSpace(r.URL.Query().Get("peer_id"))
	if peerID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing peer_id"})
		return
	}

	creds, err := h.issuer.Issue(roomID, peerID)
	if err != nil {
		roomUnavailable(w)
		return
	}

	writeJSON(w, http.StatusOK, CredentialsResponse{
		URLs:       creds.URLs,
		Username:   creds.Username,
		Credential: creds.Credential,
		ExpiresAt:  creds.ExpiresAt,
	})
}
