package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"cdk/internal/domain"
)

const projectColumns = `p.id,p.owner_id,p.name,p.description,p.distribution_type,p.start_time,p.end_time,p.minimum_trust_level,p.allow_same_ip,p.risk_level,p.status,p.report_count,p.hidden,p.hide_from_explore,p.total_items,p.deleted_at,p.created_at,p.updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                                   domain.Project
		distribution, status                string
		start, end, createdAt, updatedAt    string
		allowSameIP, hidden, hideFromExplore int
		deletedAt                           sql.NullString
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &distribution, &start, &end, &p.MinimumTrustLevel,
		&allowSameIP, &p.RiskLevel, &status, &p.ReportCount, &hidden, &hideFromExplore, &p.TotalItems, &deletedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.DistributionType = domain.DistributionType(distribution)
	p.Status = domain.ProjectStatus(status)
	p.StartTime = parseTime(start)
	p.EndTime = parseTime(end)
	p.AllowSameIP = allowSameIP == 1
	p.Hidden = hidden == 1
	p.HideFromExplore = hideFromExplore == 1
	p.DeletedAt = parseNullTime(deletedAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO projects(id,owner_id,name,description,distribution_type,start_time,end_time,minimum_trust_level,allow_same_ip,risk_level,status,hide_from_explore,total_items,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, p.Description, string(p.DistributionType), formatTime(p.StartTime), formatTime(p.EndTime),
		int(p.MinimumTrustLevel), boolInt(p.AllowSameIP), p.RiskLevel, string(p.Status), boolInt(p.HideFromExplore), p.TotalItems,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetProject loads a project including soft-deleted ones; callers decide visibility.
func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	p, err := scanProject(r.conn(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id=?`, id))
	if err != nil {
		return p, err
	}
	p.Tags, err = r.ProjectTags(ctx, tx, id)
	return p, err
}

// UpdateProjectSettings writes the owner-editable fields.
func (r Repo) UpdateProjectSettings(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE projects SET name=?, description=?, start_time=?, end_time=?, minimum_trust_level=?, allow_same_ip=?, risk_level=?, hide_from_explore=?, updated_at=? WHERE id=?`,
		p.Name, p.Description, formatTime(p.StartTime), formatTime(p.EndTime), int(p.MinimumTrustLevel), boolInt(p.AllowSameIP),
		p.RiskLevel, boolInt(p.HideFromExplore), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a project from one status to another; ErrNotFound
// means the project was no longer in the from status.
func (r Repo) TransitionStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.ProjectStatus, at time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), formatTime(at), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SoftDeleteProject(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE projects SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`,
		formatTime(at), formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddTotalItems(ctx context.Context, tx *sql.Tx, id string, delta int) error {
	_, err := r.conn(tx).ExecContext(ctx, `UPDATE projects SET total_items=total_items+? WHERE id=?`, delta, id)
	return err
}

// BumpReportCount increments the report counter and hides the project once
// it reaches threshold. It reports whether this call hid the project.
func (r Repo) BumpReportCount(ctx context.Context, tx *sql.Tx, id string, threshold int) (bool, error) {
	var count, hidden int
	err := r.conn(tx).QueryRowContext(ctx, `UPDATE projects SET report_count=report_count+1,
hidden=CASE WHEN ? > 0 AND report_count+1 >= ? THEN 1 ELSE hidden END
WHERE id=? RETURNING report_count, hidden`, threshold, threshold, id).Scan(&count, &hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return hidden == 1 && threshold > 0 && count == threshold, nil
}

// ExpireEnded persists EXPIRED for live projects whose end time has passed and
// returns their ids.
func (r Repo) ExpireEnded(ctx context.Context, tx *sql.Tx, now time.Time) ([]string, error) {
	ts := formatTime(now)
	rows, err := r.conn(tx).QueryContext(ctx, `UPDATE projects SET status='EXPIRED', updated_at=?
WHERE status IN ('ACTIVE','PAUSED') AND end_time <= ? RETURNING id`, ts, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceProjectTags rewrites the tag set of a project.
func (r Repo) ReplaceProjectTags(ctx context.Context, tx *sql.Tx, projectID string, tags []string) error {
	q := r.conn(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM project_tags WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for _, tag := range tags {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO project_tags(project_id, tag) VALUES (?,?)`, projectID, tag); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ProjectTags(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT tag FROM project_tags WHERE project_id=? ORDER BY tag`, projectID)
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

// ExploreFilter narrows the public project listing.
type ExploreFilter struct {
	Tags   []string
	Search string
	// Eligible, when set, keeps only projects this viewer could still claim.
	Eligible *Eligibility
	Now      time.Time
	Page     Page
}

type Eligibility struct {
	ViewerID   int64
	TrustLevel domain.TrustLevel
	RiskLevel  int
}

// ListExplore returns visible, live projects a viewer could claim.
func (r Repo) ListExplore(ctx context.Context, f ExploreFilter) ([]domain.Project, int, error) {
	f.Page = f.Page.Normalize()
	now := formatTime(f.Now)
	where := sq.And{
		sq.Eq{"p.status": string(domain.StatusActive), "p.hidden": 0, "p.hide_from_explore": 0, "p.deleted_at": nil},
		sq.Gt{"p.end_time": now},
	}
	if el := f.Eligible; el != nil {
		where = append(where,
			sq.LtOrEq{"p.minimum_trust_level": int(el.TrustLevel)},
			sq.GtOrEq{"p.risk_level": el.RiskLevel},
			sq.Expr(`NOT EXISTS (SELECT 1 FROM pool_items i WHERE i.project_id=p.id AND i.consumer_id=?)`, el.ViewerID),
			sq.Expr(`NOT EXISTS (SELECT 1 FROM applications a WHERE a.project_id=p.id AND a.user_id=?)`, el.ViewerID),
		)
	}
	if len(f.Tags) > 0 {
		where = append(where, sq.Expr(`EXISTS (SELECT 1 FROM project_tags t WHERE t.project_id=p.id AND t.tag IN (`+sq.Placeholders(len(f.Tags))+`))`, stringsToArgs(f.Tags)...))
	}
	if f.Search != "" {
		where = append(where, sq.Expr(`(p.name LIKE ? ESCAPE '\' OR p.description LIKE ? ESCAPE '\')`, likePattern(f.Search), likePattern(f.Search)))
	}
	return r.listProjects(ctx, where, f.Page)
}

// ListOwnedProjects returns the non-deleted projects of an owner.
func (r Repo) ListOwnedProjects(ctx context.Context, ownerID int64, page Page) ([]domain.Project, int, error) {
	return r.listProjects(ctx, sq.Eq{"p.owner_id": ownerID, "p.deleted_at": nil}, page.Normalize())
}

// ListAllProjects is the admin listing; includeDeleted shows soft-deleted rows.
func (r Repo) ListAllProjects(ctx context.Context, includeDeleted bool, page Page) ([]domain.Project, int, error) {
	var where sq.Sqlizer = sq.Eq{"p.deleted_at": nil}
	if includeDeleted {
		where = sq.Expr("1=1")
	}
	return r.listProjects(ctx, where, page.Normalize())
}

func (r Repo) listProjects(ctx context.Context, where sq.Sqlizer, page Page) ([]domain.Project, int, error) {
	countSQL, countArgs, err := sq.Select("COUNT(*)").From("projects p").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query, args, err := sq.Select(projectColumns).From("projects p").Where(where).
		OrderBy("p.created_at DESC", "p.id DESC").
		Limit(page.Limit()).Offset(page.Offset()).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range res {
		if res[i].Tags, err = r.ProjectTags(ctx, nil, res[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return res, total, nil
}

func stringsToArgs(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
