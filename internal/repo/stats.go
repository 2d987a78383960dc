package repo

import (
	"context"
	"time"
)

// Totals are point-in-time counters for the admin dashboard.
type Totals struct {
	Users             int            `json:"users"`
	NewUsers          int            `json:"new_users"`
	LinuxDoUsers      int            `json:"linuxdo_users"`
	BannedUsers       int            `json:"banned_users"`
	Projects          int            `json:"projects"`
	ActiveProjects    int            `json:"active_projects"`
	NewProjects       int            `json:"new_projects"`
	Claims            int            `json:"claims"`
	NewClaims         int            `json:"new_claims"`
	Applications      map[string]int `json:"applications"`
	DistributionTypes map[string]int `json:"distribution_types"`
}

// DashboardTotals counts users, projects and claims; "new" means created at
// or after since.
func (r Repo) DashboardTotals(ctx context.Context, since, now time.Time) (Totals, error) {
	s, n := formatTime(since), formatTime(now)
	t := Totals{Applications: map[string]int{}, DistributionTypes: map[string]int{}}
	err := r.DB.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM users),
  (SELECT COUNT(*) FROM users WHERE created_at >= ?),
  (SELECT COUNT(*) FROM users WHERE source='linuxdo'),
  (SELECT COUNT(*) FROM users WHERE banned=1),
  (SELECT COUNT(*) FROM projects WHERE deleted_at IS NULL),
  (SELECT COUNT(*) FROM projects WHERE deleted_at IS NULL AND status='ACTIVE' AND end_time > ?),
  (SELECT COUNT(*) FROM projects WHERE deleted_at IS NULL AND created_at >= ?),
  (SELECT COUNT(*) FROM pool_items WHERE consumed=1),
  (SELECT COUNT(*) FROM pool_items WHERE consumed=1 AND consumed_at >= ?)`, s, n, s, s).
		Scan(&t.Users, &t.NewUsers, &t.LinuxDoUsers, &t.BannedUsers, &t.Projects, &t.ActiveProjects, &t.NewProjects, &t.Claims, &t.NewClaims)
	if err != nil {
		return t, err
	}
	if err := r.groupCount(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`, t.Applications); err != nil {
		return t, err
	}
	if err := r.groupCount(ctx, `SELECT distribution_type, COUNT(*) FROM projects WHERE deleted_at IS NULL GROUP BY distribution_type`, t.DistributionTypes); err != nil {
		return t, err
	}
	return t, nil
}

// ClaimsPerDay counts claims per UTC day since from.
func (r Repo) ClaimsPerDay(ctx context.Context, from time.Time) (map[string]int, error) {
	res := map[string]int{}
	err := r.groupCount(ctx, `SELECT substr(consumed_at,1,10) AS day, COUNT(*) FROM pool_items WHERE consumed=1 AND consumed_at >= ? GROUP BY day`, res, formatTime(from))
	return res, err
}

// UsersPerDay counts sign-ups per UTC day since from.
func (r Repo) UsersPerDay(ctx context.Context, from time.Time) (map[string]int, error) {
	res := map[string]int{}
	err := r.groupCount(ctx, `SELECT substr(created_at,1,10) AS day, COUNT(*) FROM users WHERE created_at >= ? GROUP BY day`, res, formatTime(from))
	return res, err
}

func (r Repo) groupCount(ctx context.Context, query string, into map[string]int, args ...any) error {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
