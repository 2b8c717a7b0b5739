package postgres

import (
	"context"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RoomRepository mirrors the in-memory room table for durability and
// operator queries. The lifecycle manager is the single writer.
type RoomRepository struct {
	db *pgxpool.Pool
}

func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

func (r *RoomRepository) SaveRoom(ctx context.Context, room *domain.Room) error {
	query := `
		INSERT INTO rooms (id, password_hash, created_by, created_at, expires_at,
		                   peer_slot_a, peer_slot_b, is_active, relay_credential_seed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Exec(ctx, query,
		room.ID, room.PasswordHash, room.CreatedBy, room.CreatedAt, room.ExpiresAt,
		room.PeerSlotA, room.PeerSlotB, room.IsActive, room.RelayCredentialSeed)
	return err
}

func (r *RoomRepository) UpdateSlots(ctx context.Context, id, slotA, slotB string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE rooms SET peer_slot_a=$2, peer_slot_b=$3 WHERE id=$1`,
		id, slotA, slotB)
	return err
}

func (r *RoomRepository) CloseRoom(ctx context.Context, id string, closedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rooms
		SET is_active=false, peer_slot_a='', peer_slot_b='', closed_at=$2
		WHERE id=$1 AND is_active`,
		id, closedAt)
	return err
}
