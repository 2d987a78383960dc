package engine

import (
	"context"
	"fmt"

	"cdk/internal/domain"
	"cdk/internal/repo"
)

const maxStatsDays = 90

// DashboardStats aggregates site activity over the last days days.
type DashboardStats struct {
	Days        int               `json:"days"`
	Totals      repo.Totals       `json:"totals"`
	ClaimTrend  []domain.DayCount `json:"claim_trend"`
	SignupTrend []domain.DayCount `json:"signup_trend"`
}

// DashboardStats is restricted to admins.
func (e Engine) DashboardStats(ctx context.Context, userID int64, days int) (DashboardStats, error) {
	if days < 1 || days > maxStatsDays {
		return DashboardStats{}, ValidationError{Field: "days", Message: fmt.Sprintf("must be between 1 and %d", maxStatsDays)}
	}
	u, err := e.loadUser(ctx, nil, userID)
	if err != nil {
		return DashboardStats{}, err
	}
	if !u.IsAdmin {
		return DashboardStats{}, ForbiddenError{Reason: domain.ReasonNotAdmin, Message: "admin only"}
	}
	return e.Stats(ctx, days)
}

// Stats computes the dashboard without an access check, for the CLI.
func (e Engine) Stats(ctx context.Context, days int) (DashboardStats, error) {
	now := e.now()
	from := dayStart(now).AddDate(0, 0, -(days - 1))
	totals, err := e.Repo.DashboardTotals(ctx, from, now)
	if err != nil {
		return DashboardStats{}, fmt.Errorf("dashboard totals: %w", err)
	}
	claims, err := e.Repo.ClaimsPerDay(ctx, from)
	if err != nil {
		return DashboardStats{}, fmt.Errorf("claim trend: %w", err)
	}
	signups, err := e.Repo.UsersPerDay(ctx, from)
	if err != nil {
		return DashboardStats{}, fmt.Errorf("signup trend: %w", err)
	}
	return DashboardStats{
		Days:        days,
		Totals:      totals,
		ClaimTrend:  fillDays(from, days, claims),
		SignupTrend: fillDays(from, days, signups),
	}, nil
}
