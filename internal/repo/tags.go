package repo

import (
	"context"
	"database/sql"
	"time"
)

// InsertTag registers a tag name; ErrDuplicate when it already exists.
func (r Repo) InsertTag(ctx context.Context, tx *sql.Tx, name string, createdBy int64, at time.Time) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tags(name, created_by, created_at) VALUES (?,?,?)`, name, createdBy, formatTime(at))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// EnsureTags registers any unknown names without failing on existing ones.
func (r Repo) EnsureTags(ctx context.Context, tx *sql.Tx, names []string, createdBy int64, at time.Time) error {
	q := r.conn(tx)
	for _, n := range names {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO tags(name, created_by, created_at) VALUES (?,?,?)`, n, createdBy, formatTime(at)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) TagExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE name=?`, name).Scan(&n)
	return n > 0, err
}

// ListTags returns every known tag name in order.
func (r Repo) ListTags(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM tags
UNION SELECT t.tag FROM project_tags t JOIN projects p ON p.id=t.project_id WHERE p.deleted_at IS NULL AND p.hidden=0
ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
