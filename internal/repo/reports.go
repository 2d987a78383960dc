package repo

import (
	"context"
	"database/sql"
	"errors"

	"cdk/internal/domain"
)

// InsertReport stores a report; ErrDuplicate when the reporter already
// reported the project.
func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) (domain.Report, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO reports(project_id,reporter_id,reason,created_at) VALUES (?,?,?,?)`,
		rep.ProjectID, rep.ReporterID, rep.Reason, formatTime(rep.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return rep, ErrDuplicate
		}
		return rep, err
	}
	rep.ID, err = res.LastInsertId()
	return rep, err
}

func (r Repo) GetReport(ctx context.Context, projectID string, reporterID int64) (domain.Report, error) {
	var (
		rep       domain.Report
		createdAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,reporter_id,reason,created_at FROM reports WHERE project_id=? AND reporter_id=?`, projectID, reporterID).
		Scan(&rep.ID, &rep.ProjectID, &rep.ReporterID, &rep.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.CreatedAt = parseTime(createdAt)
	return rep, nil
}

func (r Repo) ListReports(ctx context.Context, projectID string) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,reporter_id,reason,created_at FROM reports WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Report{}
	for rows.Next() {
		var rep domain.Report
		var createdAt string
		if err := rows.Scan(&rep.ID, &rep.ProjectID, &rep.ReporterID, &rep.Reason, &createdAt); err != nil {
			return nil, err
		}
		rep.CreatedAt = parseTime(createdAt)
		res = append(res, rep)
	}
	return res, rows.Err()
}
