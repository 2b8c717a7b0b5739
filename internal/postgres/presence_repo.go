package postgres

import (
	"context"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PresenceRepository struct {
	db *pgxpool.Pool
}

func NewPresenceRepository(db *pgxpool.Pool) *PresenceRepository {
	return &PresenceRepository{db: db}
}

func (r *PresenceRepository) InsertConnection(ctx context.Context, rec *domain.PeerConnectionRecord) error {
	query := `
		INSERT INTO peer_connections (peer_id, room_id, nickname, remote_addr, user_agent, connected_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, query,
		rec.PeerID, rec.RoomID, rec.Nickname, rec.RemoteAddr, rec.UserAgent, rec.ConnectedAt)
	return err
}

func (r *PresenceRepository) MarkDisconnected(ctx context.Context, peerID, roomID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE peer_connections
		SET disconnected_at=$3
		WHERE peer_id=$1 AND room_id=$2 AND disconnected_at IS NULL`,
		peerID, roomID, at)
	return err
}

// ListSince returns connections opened or still open after the cutoff,
// newest first. Used for historic audit queries beyond the in-memory
// retention window.
func (r *PresenceRepository) ListSince(ctx context.Context, cutoff time.Time) ([]domain.PeerConnectionRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT peer_id, room_id, nickname, remote_addr, user_agent, connected_at, disconnected_at
		FROM peer_connections
		WHERE disconnected_at IS NULL OR disconnected_at > $1
		ORDER BY connected_at DESC`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.PeerConnectionRecord
	for rows.Next() {
		var rec domain.PeerConnectionRecord
		if err := rows.Scan(&rec.PeerID, &rec.RoomID, &rec.Nickname, &rec.RemoteAddr,
			&rec.UserAgent, &rec.ConnectedAt, &rec.DisconnectedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}
