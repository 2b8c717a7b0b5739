package postgres

import (
	"context"

	"github.com/cwrk-planet/signal-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepository is the durable audit trail behind the in-memory
// admission limiter. Writes are best-effort from the limiter's view.
type AttemptRepository struct {
	db *pgxpool.Pool
}

func NewAttemptRepository(db *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) RecordAttempt(ctx context.Context, rec *domain.FailedAttemptRecord) error {
	query := `
		INSERT INTO failed_attempts (room_id, origin, attempts, last_attempt_at, banned_until)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, origin)
		DO UPDATE SET attempts=$3, last_attempt_at=$4, banned_until=$5`
	_, err := r.db.Exec(ctx, query,
		rec.RoomID, rec.Origin, rec.Attempts, rec.LastAttemptAt, rec.BannedUntil)
	return err
}

func (r *AttemptRepository) ClearAttempts(ctx context.Context, roomID, origin string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM failed_attempts WHERE room_id=$1 AND origin=$2`,
		roomID, origin)
	return err
}
