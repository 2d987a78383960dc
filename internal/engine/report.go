package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cdk/internal/domain"
	"cdk/internal/events"
	"cdk/internal/repo"
)

const maxReportReason = 255

// Report files one report per user and project. Reaching the configured
// threshold hides the project from listings.
func (e Engine) Report(ctx context.Context, projectID string, userID int64, reason string) (domain.Report, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" || len([]rune(reason)) > maxReportReason {
		return domain.Report{}, ValidationError{Field: "reason", Message: fmt.Sprintf("must be 1 to %d characters", maxReportReason)}
	}
	var out domain.Report
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		u, err := e.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.Banned {
			return refusal(domain.ReasonBanned, "account is banned")
		}
		p, err := e.loadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		out, err = e.Repo.InsertReport(ctx, tx, domain.Report{ProjectID: p.ID, ReporterID: u.ID, Reason: reason, CreatedAt: e.now()})
		if errors.Is(err, repo.ErrDuplicate) {
			return refusal(domain.ReasonAlreadyReported, "you already reported this project")
		}
		if err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		actor := events.Actor(u.ID)
		if err := e.Events.Append(ctx, tx, events.ReportCreated, p.ID, "report", fmt.Sprint(out.ID), actor, events.EventPayload{"reason": reason}); err != nil {
			return err
		}
		hidden, err := e.Repo.BumpReportCount(ctx, tx, p.ID, e.config().ProjectApp.HiddenThreshold)
		if err != nil {
			return fmt.Errorf("bump report count: %w", err)
		}
		if hidden {
			return e.Events.Append(ctx, tx, events.ProjectHidden, p.ID, "project", p.ID, events.SystemActor, events.EventPayload{"report_count": p.ReportCount + 1})
		}
		return nil
	})
	return out, err
}

// ListReports returns every report filed against a project, oldest first.
// Admins only.
func (e Engine) ListReports(ctx context.Context, projectID string, adminID int64) ([]domain.Report, error) {
	u, err := e.loadUser(ctx, nil, adminID)
	if err != nil {
		return nil, err
	}
	if !u.IsAdmin {
		return nil, ForbiddenError{Reason: domain.ReasonNotAdmin, Message: "admin only"}
	}
	if _, err := e.Repo.GetProject(ctx, nil, projectID); errors.Is(err, repo.ErrNotFound) {
		return nil, NotFoundError{What: "project"}
	} else if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	reports, err := e.Repo.ListReports(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}
