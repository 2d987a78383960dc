package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"cdk/internal/domain"
)

const applicationColumns = `a.id,a.project_id,a.user_id,u.username,a.status,a.reason,COALESCE(a.claim_ip,''),a.item_id,a.decided_by,a.decided_at,a.created_at`

func scanApplication(row rowScanner) (domain.Application, error) {
	var (
		a                 domain.Application
		status, createdAt string
		itemID, decidedBy sql.NullInt64
		decidedAt         sql.NullString
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.Username, &status, &a.Reason, &a.ClaimIP, &itemID, &decidedBy, &decidedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.ApplicationStatus(status)
	if itemID.Valid {
		a.ItemID = &itemID.Int64
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.Int64
	}
	a.DecidedAt = parseNullTime(decidedAt)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// InsertApplication records a PENDING application; ErrDuplicate when the user
// already applied to the project.
func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) (domain.Application, error) {
	a.Status = domain.ApplicationPending
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO applications(project_id,user_id,status,reason,claim_ip,created_at) VALUES (?,?,?,?,?,?)`,
		a.ProjectID, a.UserID, string(a.Status), a.Reason, nullable(a.ClaimIP), formatTime(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return a, ErrDuplicate
		}
		return a, err
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

func (r Repo) GetApplication(ctx context.Context, tx *sql.Tx, id int64) (domain.Application, error) {
	return scanApplication(r.conn(tx).QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications a JOIN users u ON u.id=a.user_id WHERE a.id=?`, id))
}

// UserApplication returns the application a user filed for a project.
func (r Repo) UserApplication(ctx context.Context, tx *sql.Tx, projectID string, userID int64) (domain.Application, error) {
	return scanApplication(r.conn(tx).QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications a JOIN users u ON u.id=a.user_id WHERE a.project_id=? AND a.user_id=?`, projectID, userID))
}

// DecideApplication moves a PENDING application to status; ErrNotFound means
// it was no longer pending.
func (r Repo) DecideApplication(ctx context.Context, tx *sql.Tx, id int64, status domain.ApplicationStatus, itemID *int64, decidedBy int64, at time.Time) error {
	var item any
	if itemID != nil {
		item = *itemID
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE applications SET status=?, item_id=?, decided_by=?, decided_at=? WHERE id=? AND status='PENDING'`,
		string(status), item, decidedBy, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListApplications pages through the applications of a project; an empty
// status lists all of them.
func (r Repo) ListApplications(ctx context.Context, projectID string, status domain.ApplicationStatus, page Page) ([]domain.Application, int, error) {
	page = page.Normalize()
	where := sq.Eq{"a.project_id": projectID}
	if status != "" {
		where["a.status"] = string(status)
	}
	base := sq.Select().From("applications a").Join("users u ON u.id=a.user_id").Where(where)
	total, err := r.count(ctx, base)
	if err != nil {
		return nil, 0, err
	}
	query, args, err := base.Columns(applicationColumns).OrderBy("a.id").Limit(page.Limit()).Offset(page.Offset()).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.Application{}
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, a)
	}
	return res, total, rows.Err()
}

func (r Repo) CountPendingApplications(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications WHERE project_id=? AND status='PENDING'`, projectID).Scan(&n)
	return n, err
}
