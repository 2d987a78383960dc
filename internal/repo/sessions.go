package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cdk/internal/domain"
)

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,user_id,ip,user_agent,created_at,expires_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.UserID, nullable(s.IP), nullable(s.UserAgent), formatTime(s.CreatedAt), formatTime(s.ExpiresAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var (
		s                    domain.Session
		ip, ua, revoked      sql.NullString
		createdAt, expiresAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,ip,user_agent,created_at,expires_at,revoked_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.UserID, &ip, &ua, &createdAt, &expiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IP = ip.String
	s.UserAgent = ua.String
	s.CreatedAt = parseTime(createdAt)
	s.ExpiresAt = parseTime(expiresAt)
	s.RevokedAt = parseNullTime(revoked)
	return s, nil
}

func (r Repo) RevokeSession(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, formatTime(at), id)
	return err
}

