package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cwrk-planet/signal-service/internal/admin"
	"github.com/cwrk-planet/signal-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AdminRepository struct {
	db *pgxpool.Pool
}

func NewAdminRepository(db *pgxpool.Pool) *AdminRepository {
	return &AdminRepository{db: db}
}

func (r *AdminRepository) GetByUsername(ctx context.Context, username string) (*domain.AdminPrincipal, error) {
	var p domain.AdminPrincipal
	query := `
		SELECT username, password_hash, totp_secret, totp_enabled, force_password_change,
		       created_at, updated_at
		FROM admin_principals WHERE username=$1`
	err := r.db.QueryRow(ctx, query, username).Scan(
		&p.Username, &p.PasswordHash, &p.TOTPSecret, &p.TOTPEnabled,
		&p.ForcePasswordChange, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, admin.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *AdminRepository) Create(ctx context.Context, p *domain.AdminPrincipal) error {
	query := `
		INSERT INTO admin_principals (username, password_hash, totp_secret, totp_enabled,
		                              force_password_change, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		p.Username, p.PasswordHash, p.TOTPSecret, p.TOTPEnabled,
		p.ForcePasswordChange, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *AdminRepository) UpdatePassword(ctx context.Context, username, hash string, forceChange bool, now time.Time) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE admin_principals
		SET password_hash=$2, force_password_change=$3, updated_at=$4
		WHERE username=$1`,
		username, hash, forceChange, now)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return admin.ErrNotFound
	}
	return nil
}

func (r *AdminRepository) UpdateTOTP(ctx context.Context, username, secret string, enabled bool, now time.Time) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE admin_principals
		SET totp_secret=$2, totp_enabled=$3, updated_at=$4
		WHERE username=$1`,
		username, secret, enabled, now)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return admin.ErrNotFound
	}
	return nil
}
