package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/security"
	"github.com/cwrk-planet/signal-service/internal/totp"
)

var ErrNotFound = errors.New("admin principal not found")

type Repository interface {
	GetByUsername(ctx context.Context, username string) (*domain.AdminPrincipal, error)
	Create(ctx context.Context, p *domain.AdminPrincipal) error
	UpdatePassword(ctx context.Context, username, hash string, forceChange bool, now time.Time) error
	UpdateTOTP(ctx context.Context, username, secret string, enabled bool, now time.Time) error
}

type LoginResult struct {
	Token               string
	ExpiresIn           time.Duration
	ForcePasswordChange bool
	TOTPRequired        bool
}

type TOTPSetup struct {
	Secret          string // shown exactly once
	ProvisioningURI string
}

// Service backs the operator console: login, forced first password
// change, second-factor enrollment and session tokens.
type Service struct {
	repo     Repository
	tokens   *TokenIssuer
	verifier *totp.Verifier
	issuer   string // TOTP provisioning issuer label
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]string    // username -> unconfirmed TOTP secret
	revoked map[string]time.Time // jti -> token expiry
}

func NewService(repo Repository, tokens *TokenIssuer, verifier *totp.Verifier, issuer string, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     repo,
		tokens:   tokens,
		verifier: verifier,
		issuer:   issuer,
		now:      now,
		pending:  make(map[string]string),
		revoked:  make(map[string]time.Time),
	}
}

// Bootstrap seeds a provisioned account when missing. The account stays
// on force_password_change until the operator rotates the password.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("admin bootstrap lookup: %w", err)
	}

	hash, err := security.HashPassword(password, nil)
	if err != nil {
		return fmt.Errorf("admin bootstrap hash: %w", err)
	}

	now := s.now()
	p := &domain.AdminPrincipal{
		Username:            username,
		PasswordHash:        hash,
		ForcePasswordChange: true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return fmt.Errorf("admin bootstrap create: %w", err)
	}
	slog.Info("admin principal provisioned", "username", username)
	return nil
}

// Login verifies the password and, when 2FA is enabled, a fresh code.
// Unknown usernames burn a dummy compare so the failure is
// indistinguishable from a wrong password.
func (s *Service) Login(ctx context.Context, username, password, code string) (*LoginResult, error) {
	p, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			security.EqualizeCompare(password)
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := security.ComparePassword(p.PasswordHash, password); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	if p.TOTPEnabled {
		if code == "" {
			return &LoginResult{TOTPRequired: true}, domain.ErrInvalidCode
		}
		if err := s.verifier.Verify(p.TOTPSecret, code); err != nil {
			return nil, err
		}
	}

	token, err := s.tokens.Sign(username)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	return &LoginResult{
		Token:               token,
		ExpiresIn:           s.tokens.TTL(),
		ForcePasswordChange: p.ForcePasswordChange,
	}, nil
}

// Authenticate resolves a bearer token to a username, honoring logout.
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := s.tokens.ParseAndValidate(token)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	_, dead := s.revoked[claims.Id]
	s.pruneRevokedLocked()
	s.mu.Unlock()
	if dead {
		return "", domain.ErrInvalidToken
	}
	return claims.Subject, nil
}

// Logout denylists the token's jti until its natural expiry.
func (s *Service) Logout(token string) {
	claims, err := s.tokens.ParseAndValidate(token)
	if err != nil {
		return // already unusable
	}

	s.mu.Lock()
	s.revoked[claims.Id] = time.Unix(claims.ExpiresAt, 0)
	s.pruneRevokedLocked()
	s.mu.Unlock()
}

func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	p, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := security.ComparePassword(p.PasswordHash, current); err != nil {
		return domain.ErrInvalidCredentials
	}

	hash, err := security.HashPassword(next, nil)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, username, hash, false, s.now())
}

// SetupTOTP starts enrollment: the secret is generated, returned once,
// and held pending until the first successful VerifyTOTP confirms the
// authenticator actually has it.
func (s *Service) SetupTOTP(ctx context.Context, username, password string) (*TOTPSetup, error) {
	p, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := security.ComparePassword(p.PasswordHash, password); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	s.mu.Lock()
	s.pending[username] = secret
	s.mu.Unlock()

	return &TOTPSetup{
		Secret:          secret,
		ProvisioningURI: totp.ProvisioningURI(secret, username, s.issuer),
	}, nil
}

// VerifyTOTP consumes a 6-digit code. During enrollment a valid code
// persists the pending secret and enables 2FA; afterwards it is a plain
// check against the stored secret.
func (s *Service) VerifyTOTP(ctx context.Context, username, code string) error {
	s.mu.Lock()
	pendingSecret, enrolling := s.pending[username]
	s.mu.Unlock()

	if enrolling {
		if err := s.verifier.Verify(pendingSecret, code); err != nil {
			return err
		}
		if err := s.repo.UpdateTOTP(ctx, username, pendingSecret, true, s.now()); err != nil {
			return fmt.Errorf("persist totp secret: %w", err)
		}
		s.mu.Lock()
		delete(s.pending, username)
		s.mu.Unlock()
		return nil
	}

	p, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if !p.TOTPEnabled {
		return domain.ErrInvalidCode
	}
	return s.verifier.Verify(p.TOTPSecret, code)
}

// DisableTOTP requires the password and a fresh code.
func (s *Service) DisableTOTP(ctx context.Context, username, password, code string) error {
	p, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := security.ComparePassword(p.PasswordHash, password); err != nil {
		return domain.ErrInvalidCredentials
	}
	if !p.TOTPEnabled {
		return nil
	}
	if err := s.verifier.Verify(p.TOTPSecret, code); err != nil {
		return err
	}
	if err := s.repo.UpdateTOTP(ctx, username, "", false, s.now()); err != nil {
		return err
	}
	s.verifier.Forget(p.TOTPSecret)
	return nil
}

// pruneRevokedLocked drops denylist entries past token expiry.
func (s *Service) pruneRevokedLocked() {
	now := s.now()
	for jti, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, jti)
		}
	}
}
