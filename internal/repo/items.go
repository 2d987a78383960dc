package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"cdk/internal/domain"
)

// InsertItems appends pool entries in order.
func (r Repo) InsertItems(ctx context.Context, tx *sql.Tx, projectID string, contents []string, at time.Time) error {
	q := r.conn(tx)
	ts := formatTime(at)
	for _, c := range contents {
		if _, err := q.ExecContext(ctx, `INSERT INTO pool_items(project_id, content, created_at) VALUES (?,?,?)`, projectID, c, ts); err != nil {
			return err
		}
	}
	return nil
}

// ItemContents returns every pool entry content of a project, oldest first.
func (r Repo) ItemContents(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT content FROM pool_items WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ConsumeNext atomically binds the first unconsumed entry of a project to
// userID. The conditional update is the only write path for consumption, so
// two callers can never bind the same entry. ErrNotFound means the pool is
// empty; ErrDuplicate means the user already holds an entry in this project.
func (r Repo) ConsumeNext(ctx context.Context, tx *sql.Tx, projectID string, userID int64, ip string, at time.Time) (domain.PoolItem, error) {
	item := domain.PoolItem{ProjectID: projectID, Consumed: true, ConsumerID: &userID, ClaimIP: ip}
	var createdAt string
	err := r.conn(tx).QueryRowContext(ctx, `UPDATE pool_items SET consumed=1, consumer_id=?, claim_ip=?, consumed_at=?
WHERE id=(SELECT id FROM pool_items WHERE project_id=? AND consumed=0 ORDER BY id LIMIT 1) AND consumed=0
RETURNING id, content, created_at`, userID, nullable(ip), formatTime(at), projectID).Scan(&item.ID, &item.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PoolItem{}, ErrNotFound
	}
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PoolItem{}, ErrDuplicate
		}
		return domain.PoolItem{}, err
	}
	consumedAt := at.UTC().Truncate(time.Second)
	item.ConsumedAt = &consumedAt
	item.CreatedAt = parseTime(createdAt)
	return item, nil
}

func (r Repo) CountAvailable(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM pool_items WHERE project_id=? AND consumed=0`, projectID).Scan(&n)
	return n, err
}

func (r Repo) CountConsumed(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM pool_items WHERE project_id=? AND consumed=1`, projectID).Scan(&n)
	return n, err
}

// ReceivedItem returns the entry a user holds in a project.
func (r Repo) ReceivedItem(ctx context.Context, tx *sql.Tx, projectID string, userID int64) (domain.PoolItem, error) {
	var (
		item           domain.PoolItem
		consumer       int64
		ip, consumedAt sql.NullString
		createdAt      string
	)
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id, project_id, content, consumer_id, claim_ip, consumed_at, created_at FROM pool_items WHERE project_id=? AND consumer_id=?`, projectID, userID).
		Scan(&item.ID, &item.ProjectID, &item.Content, &consumer, &ip, &consumedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	item.Consumed = true
	item.ConsumerID = &consumer
	item.ClaimIP = ip.String
	item.ConsumedAt = parseNullTime(consumedAt)
	item.CreatedAt = parseTime(createdAt)
	return item, nil
}

// IPUsedByOther reports whether another user already claimed or applied in
// the project from ip.
func (r Repo) IPUsedByOther(ctx context.Context, tx *sql.Tx, projectID, ip string, userID int64) (bool, error) {
	if ip == "" {
		return false, nil
	}
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM pool_items WHERE project_id=? AND claim_ip=? AND consumer_id<>?) +
  (SELECT COUNT(*) FROM applications WHERE project_id=? AND claim_ip=? AND user_id<>? AND status<>'REJECTED')`,
		projectID, ip, userID, projectID, ip, userID).Scan(&n)
	return n > 0, err
}

// ListReceivers pages through consumed entries of a project.
func (r Repo) ListReceivers(ctx context.Context, projectID, search string, page Page) ([]domain.Receiver, int, error) {
	page = page.Normalize()
	where := sq.And{sq.Eq{"i.project_id": projectID, "i.consumed": 1}}
	if search != "" {
		where = append(where, sq.Expr(`(u.username LIKE ? ESCAPE '\' OR u.nickname LIKE ? ESCAPE '\' OR i.content LIKE ? ESCAPE '\')`,
			likePattern(search), likePattern(search), likePattern(search)))
	}
	base := sq.Select().From("pool_items i").Join("users u ON u.id=i.consumer_id").Where(where)
	total, err := r.count(ctx, base)
	if err != nil {
		return nil, 0, err
	}
	query, args, err := base.Columns("u.id", "u.username", "u.nickname", "i.content", "i.consumed_at").
		OrderBy("i.consumed_at DESC", "i.id DESC").Limit(page.Limit()).Offset(page.Offset()).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.Receiver{}
	for rows.Next() {
		var rc domain.Receiver
		var at string
		if err := rows.Scan(&rc.UserID, &rc.Username, &rc.Nickname, &rc.Content, &at); err != nil {
			return nil, 0, err
		}
		rc.ReceivedAt = parseTime(at)
		res = append(res, rc)
	}
	return res, total, rows.Err()
}

// ListReceived pages through the entries a user has received.
func (r Repo) ListReceived(ctx context.Context, userID int64, search string, page Page) ([]domain.ReceivedItem, int, error) {
	page = page.Normalize()
	where := sq.And{sq.Eq{"i.consumer_id": userID}}
	if search != "" {
		where = append(where, sq.Expr(`(p.name LIKE ? ESCAPE '\' OR i.content LIKE ? ESCAPE '\')`, likePattern(search), likePattern(search)))
	}
	base := sq.Select().From("pool_items i").Join("projects p ON p.id=i.project_id").Join("users u ON u.id=p.owner_id").Where(where)
	total, err := r.count(ctx, base)
	if err != nil {
		return nil, 0, err
	}
	query, args, err := base.Columns("p.id", "p.name", "u.username", "u.nickname", "i.content", "i.consumed_at").
		OrderBy("i.consumed_at DESC", "i.id DESC").Limit(page.Limit()).Offset(page.Offset()).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.ReceivedItem{}
	for rows.Next() {
		var it domain.ReceivedItem
		var at string
		if err := rows.Scan(&it.ProjectID, &it.ProjectName, &it.CreatorUsername, &it.CreatorNickname, &it.Content, &at); err != nil {
			return nil, 0, err
		}
		it.ReceivedAt = parseTime(at)
		res = append(res, it)
	}
	return res, total, rows.Err()
}

// ReceivedPerDay counts a user's received entries per UTC day since from.
func (r Repo) ReceivedPerDay(ctx context.Context, userID int64, from time.Time) (map[string]int, error) {
	res := map[string]int{}
	err := r.groupCount(ctx, `SELECT substr(consumed_at,1,10) AS day, COUNT(*) FROM pool_items
WHERE consumer_id=? AND consumed_at >= ? GROUP BY day`, res, userID, formatTime(from))
	return res, err
}

func (r Repo) count(ctx context.Context, base sq.SelectBuilder) (int, error) {
	query, args, err := base.Columns("COUNT(*)").ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	err = r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
