package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cwrk-planet/signal-service/internal/admin"
	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/presence"
	httpmw "github.com/cwrk-planet/signal-service/internal/transport/http/middleware"
)

// PeerHistory serves presence queries older than the tracker's
// in-memory retention. Implemented by postgres.PresenceRepository.
type PeerHistory interface {
	ListSince(ctx context.Context, cutoff time.Time) ([]domain.PeerConnectionRecord, error)
}

type AdminHandler struct {
	svc     *admin.Service
	tracker *presence.Tracker
	history PeerHistory // nil without a database
}

func NewAdminHandler(svc *admin.Service, tracker *presence.Tracker, history PeerHistory) *AdminHandler {
	return &AdminHandler{svc: svc, tracker: tracker, history: history}
}

// POST /admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req AdminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	res, err := h.svc.Login(r.Context(), req.Username, req.Password, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCode):
			resp := AdminLoginResponse{}
			if res != nil {
				resp.TOTPRequired = res.TOTPRequired
			}
			writeJSON(w, http.StatusUnauthorized, resp)
		case errors.Is(err, domain.ErrInvalidCredentials):
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		default:
			slog.Error("admin.Login:", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, AdminLoginResponse{
		Token:               res.Token,
		ExpiresIn:           int(res.ExpiresIn.Seconds()),
		ForcePasswordChange: res.ForcePasswordChange,
	})
}

// POST /admin/logout
func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(httpmw.TokenFromCtx(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// GET /admin/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AdminStatusResponse{
		Service:  "signal-service",
		Username: httpmw.UsernameFromCtx(r.Context()),
	})
}

// POST /admin/password
func (h *AdminHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	username := httpmw.UsernameFromCtx(r.Context())
	if err := h.svc.ChangePassword(r.Context(), username, req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCredentials):
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		case errors.Is(err, domain.ErrPasswordTooShort):
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "password too short"})
		default:
			slog.Error("admin.ChangePassword:", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// POST /admin/2fa/setup
func (h *AdminHandler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	var req TOTPSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	username := httpmw.UsernameFromCtx(r.Context())
	setup, err := h.svc.SetupTOTP(r.Context(), username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		slog.Error("admin.SetupTOTP:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, TOTPSetupResponse{
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
	})
}

// POST /admin/2fa/verify
func (h *AdminHandler) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req TOTPVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	username := httpmw.UsernameFromCtx(r.Context())
	if err := h.svc.VerifyTOTP(r.Context(), username, req.Code); err != nil {
		if errors.Is(err, domain.ErrInvalidCode) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid code"})
			return
		}
		slog.Error("admin.VerifyTOTP:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// POST /admin/2fa/disable
func (h *AdminHandler) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	var req TOTPDisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	username := httpmw.UsernameFromCtx(r.Context())
	if err := h.svc.DisableTOTP(r.Context(), username, req.Password, req.Code); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCredentials):
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		case errors.Is(err, domain.ErrInvalidCode):
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid code"})
		default:
			slog.Error("admin.DisableTOTP:", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// GET /admin/peers?window=300
func (h *AdminHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	window := 5 * time.Minute
	if s := r.URL.Query().Get("window"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			window = time.Duration(secs) * time.Second
		}
	}

	records := h.listPeers(r.Context(), window)
	resp := PeersResponse{Items: make([]PeerItem, 0, len(records))}
	for _, rec := range records {
		resp.Items = append(resp.Items, PeerItem{
			PeerID:         rec.PeerID,
			RoomID:         rec.RoomID,
			Nickname:       rec.Nickname,
			RemoteAddr:     rec.RemoteAddr,
			UserAgent:      rec.UserAgent,
			ConnectedAt:    rec.ConnectedAt,
			DisconnectedAt: rec.DisconnectedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// listPeers answers from memory while the window fits the tracker's
// retention, and from the durable store for older queries. A store
// failure degrades to the clamped in-memory view.
func (h *AdminHandler) listPeers(ctx context.Context, window time.Duration) []domain.PeerConnectionRecord {
	if h.history != nil && window > h.tracker.Retention() {
		records, err := h.history.ListSince(ctx, time.Now().Add(-window))
		if err == nil {
			return records
		}
		slog.Warn("peer history query failed", slog.Any("err", err))
	}
	return h.tracker.List(window)
}
