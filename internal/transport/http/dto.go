package http

import "time"

type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds, lockout only
}

type CreateRoomRequest struct {
	Password  string `json:"password,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

type CreateRoomResponse struct {
	RoomID    string    `json:"room_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type JoinRoomRequest struct {
	Password string `json:"password,omitempty"`
}

type JoinRoomResponse struct {
	OK     bool   `json:"ok"`
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
}

type LeaveRoomRequest struct {
	PeerID string `json:"peer_id"`
}

type CloseRoomRequest struct {
	CreatedBy string `json:"created_by"`
}

type RoomStatusResponse struct {
	State     string `json:"state"` // created | waiting | active | closed
	Active    bool   `json:"active"`
	PeerCount int    `json:"peer_count"`
}

type CredentialsResponse struct {
	URLs       []string  `json:"urls"`
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// --- admin console ---

type AdminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

type AdminLoginResponse struct {
	Token               string `json:"token,omitempty"`
	ExpiresIn           int    `json:"expires_in,omitempty"` // seconds
	ForcePasswordChange bool   `json:"force_password_change"`
	TOTPRequired        bool   `json:"totp_required,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type TOTPSetupRequest struct {
	Password string `json:"password"`
}

// TOTPSetupResponse carries the raw secret exactly once, at enrollment.
type TOTPSetupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

type TOTPVerifyRequest struct {
	Code string `json:"code"`
}

type TOTPDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// PeerItem mirrors PeerConnectionRecord field-for-field; no secret
// material exists on this type by construction.
type PeerItem struct {
	PeerID         string     `json:"peer_id"`
	RoomID         string     `json:"room_id"`
	Nickname       string     `json:"nickname,omitempty"`
	RemoteAddr     string     `json:"remote_addr"`
	UserAgent      string     `json:"user_agent,omitempty"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

type PeersResponse struct {
	Items []PeerItem `json:"items"`
}

type AdminStatusResponse struct {
	Service  string `json:"service"`
	Username string `json:"username"`
}
