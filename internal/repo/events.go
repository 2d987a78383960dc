package repo

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"cdk/internal/domain"
)

const eventColumns = `id, ts, type, COALESCE(project_id,''), entity_kind, COALESCE(entity_id,''), actor_id, payload_json`

// EventsAfter returns up to limit events with an id greater than afterID, in
// id order. A non-empty projectID restricts the result to that project.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, projectID string, limit uint64) ([]domain.Event, error) {
	if limit == 0 {
		limit = 100
	}
	where := sq.And{sq.Gt{"id": afterID}}
	if projectID != "" {
		where = append(where, sq.Eq{"project_id": projectID})
	}
	query, args, err := sq.Select(eventColumns).From("events").Where(where).OrderBy("id").Limit(limit).ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the highest event id, 0 when there is none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// ProjectEvents returns the newest events of a project, newest first.
func (r Repo) ProjectEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE project_id=? ORDER BY id DESC LIMIT ?`, projectID, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
