package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cdk/internal/domain"
)

const userColumns = `id,username,nickname,COALESCE(email,''),avatar_url,COALESCE(password_hash,''),source,COALESCE(external_id,''),trust_level,risk_level,is_admin,banned,COALESCE(ban_reason,''),last_login_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u                    domain.User
		source               string
		isAdmin, banned      int
		lastLogin            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Nickname, &u.Email, &u.AvatarURL, &u.PasswordHash, &source, &u.ExternalID,
		&u.TrustLevel, &u.RiskLevel, &isAdmin, &banned, &u.BanReason, &lastLogin, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Source = domain.UserSource(source)
	u.IsAdmin = isAdmin == 1
	u.Banned = banned == 1
	u.LastLoginAt = parseNullTime(lastLogin)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return u, nil
}

// InsertUser stores a new user and returns it with its id.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) (domain.User, error) {
	if u.Source == "" {
		u.Source = domain.SourceLocal
	}
	now := formatTime(u.CreatedAt)
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(username,nickname,email,avatar_url,password_hash,source,external_id,trust_level,risk_level,is_admin,banned,ban_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.Username, u.Nickname, nullable(u.Email), u.AvatarURL, nullable(u.PasswordHash), string(u.Source), nullable(u.ExternalID),
		int(u.TrustLevel), u.RiskLevel, boolInt(u.IsAdmin), boolInt(u.Banned), nullable(u.BanReason), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return u, ErrDuplicate
		}
		return u, err
	}
	u.ID, err = res.LastInsertId()
	u.UpdatedAt = u.CreatedAt
	return u, err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id int64) (domain.User, error) {
	return scanUser(r.conn(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
}

func (r Repo) GetUserByExternalID(ctx context.Context, tx *sql.Tx, source domain.UserSource, externalID string) (domain.User, error) {
	return scanUser(r.conn(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE source=? AND external_id=?`, string(source), externalID))
}

// SyncExternalUser refreshes identity fields owned by the OAuth provider.
func (r Repo) SyncExternalUser(ctx context.Context, tx *sql.Tx, id int64, username, avatarURL string, trust domain.TrustLevel, at time.Time) error {
	ts := formatTime(at)
	_, err := r.conn(tx).ExecContext(ctx, `UPDATE users SET username=?, avatar_url=?, trust_level=?, last_login_at=?, updated_at=? WHERE id=?`,
		username, avatarURL, int(trust), ts, ts, id)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) TouchLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, formatTime(at), id)
	return err
}

func (r Repo) UpdateUserBasic(ctx context.Context, tx *sql.Tx, id int64, nickname, email, avatarURL string, at time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE users SET nickname=?, email=?, avatar_url=?, updated_at=? WHERE id=?`,
		nickname, nullable(email), avatarURL, formatTime(at), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetPasswordHash(ctx context.Context, tx *sql.Tx, id int64, hash string, at time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE users SET password_hash=?, updated_at=? WHERE id=?`, hash, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBan(ctx context.Context, tx *sql.Tx, id int64, banned bool, reason string, at time.Time) error {
	if !banned {
		reason = ""
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE users SET banned=?, ban_reason=?, updated_at=? WHERE id=?`,
		boolInt(banned), nullable(reason), formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStanding updates trust, risk and admin flags.
func (r Repo) SetStanding(ctx context.Context, id int64, trust domain.TrustLevel, risk int, admin bool, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET trust_level=?, risk_level=?, is_admin=?, updated_at=? WHERE id=?`,
		int(trust), risk, boolInt(admin), formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context, page Page) ([]domain.User, error) {
	page = page.Normalize()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id LIMIT ? OFFSET ?`, page.Limit(), page.Offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
