package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cdk/internal/domain"
	"cdk/internal/events"
	"cdk/internal/importer"
	"cdk/internal/repo"
)

// ClaimResult is the outcome of a claim. ONE_FOR_EACH claims carry the code;
// INVITE claims carry the PENDING application.
type ClaimResult struct {
	Success       bool                     `json:"success"`
	Code          string                   `json:"code,omitempty"`
	Reason        domain.Reason            `json:"reason,omitempty"`
	ApplicationID int64                    `json:"application_id,omitempty"`
	Status        domain.ApplicationStatus `json:"status,omitempty"`
}

// ClaimOptions identify the claimant.
type ClaimOptions struct {
	ProjectID string
	UserID    int64
	IP        string
	// Reason is the application text for INVITE projects.
	Reason string
}

const maxApplicationReason = 255

// Claim hands the next pool entry to a user, or files an application for
// INVITE projects. Refusals return a typed error and the matching reason.
func (e Engine) Claim(ctx context.Context, opts ClaimOptions) (ClaimResult, error) {
	opts.Reason = strings.TrimSpace(opts.Reason)
	if len([]rune(opts.Reason)) > maxApplicationReason {
		return ClaimResult{}, ValidationError{Field: "reason", Message: fmt.Sprintf("must be at most %d characters", maxApplicationReason)}
	}
	var res ClaimResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.checkClaim(ctx, tx, opts)
		if err != nil {
			return err
		}
		if p.DistributionType == domain.DistributionInvite {
			res, err = e.apply(ctx, tx, p, opts)
			return err
		}
		item, err := e.Repo.ConsumeNext(ctx, tx, p.ID, opts.UserID, opts.IP, e.now())
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return refusal(domain.ReasonPoolExhausted, "no codes left in this project")
		case errors.Is(err, repo.ErrDuplicate):
			return refusal(domain.ReasonAlreadyClaimed, "you already received a code from this project")
		case err != nil:
			return fmt.Errorf("consume item: %w", err)
		}
		actor := events.Actor(opts.UserID)
		if err := e.Events.Append(ctx, tx, events.ItemClaimed, p.ID, "item", fmt.Sprint(item.ID), actor, events.EventPayload{"user_id": opts.UserID}); err != nil {
			return err
		}
		if _, err := e.markCompletedIfDrained(ctx, tx, p, events.SystemActor); err != nil {
			return err
		}
		res = ClaimResult{Success: true, Code: item.Content}
		return nil
	})
	if err != nil {
		return ClaimResult{Reason: ReasonOf(err)}, err
	}
	return res, nil
}

// checkClaim applies the eligibility rules in their fixed order.
func (e Engine) checkClaim(ctx context.Context, tx *sql.Tx, opts ClaimOptions) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, tx, opts.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, refusal(domain.ReasonNotFound, "")
	}
	if err != nil {
		return p, fmt.Errorf("load project: %w", err)
	}
	if p.DeletedAt != nil || (p.Hidden && p.OwnerID != opts.UserID) {
		return p, refusal(domain.ReasonNotFound, "")
	}
	if p.Drained(e.now()) {
		return p, refusal(domain.ReasonPoolExhausted, "no codes left in this project")
	}
	if !p.Claimable(e.now()) {
		return p, refusal(domain.ReasonNotActive, "project is not accepting claims")
	}
	u, err := e.loadUser(ctx, tx, opts.UserID)
	if err != nil {
		return p, err
	}
	if u.Banned {
		return p, refusal(domain.ReasonBanned, "account is banned")
	}
	if u.TrustLevel < p.MinimumTrustLevel {
		return p, refusal(domain.ReasonTrustTooLow, fmt.Sprintf("trust level %d required", p.MinimumTrustLevel))
	}
	if u.RiskLevel > p.RiskLevel {
		return p, refusal(domain.ReasonRiskTooHigh, "account risk level too high for this project")
	}
	if _, err := e.Repo.ReceivedItem(ctx, tx, p.ID, u.ID); err == nil {
		return p, refusal(domain.ReasonAlreadyClaimed, "you already received a code from this project")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	if _, err := e.Repo.UserApplication(ctx, tx, p.ID, u.ID); err == nil {
		return p, refusal(domain.ReasonAlreadyClaimed, "you already applied to this project")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	if !p.AllowSameIP {
		used, err := e.Repo.IPUsedByOther(ctx, tx, p.ID, opts.IP, u.ID)
		if err != nil {
			return p, err
		}
		if used {
			return p, refusal(domain.ReasonAlreadyClaimed, "this address was already used to claim from this project")
		}
	}
	left, err := e.Repo.CountAvailable(ctx, tx, p.ID)
	if err != nil {
		return p, err
	}
	if left == 0 {
		return p, refusal(domain.ReasonPoolExhausted, "no codes left in this project")
	}
	return p, nil
}

func (e Engine) apply(ctx context.Context, tx *sql.Tx, p domain.Project, opts ClaimOptions) (ClaimResult, error) {
	app, err := e.Repo.InsertApplication(ctx, tx, domain.Application{
		ProjectID: p.ID,
		UserID:    opts.UserID,
		Reason:    opts.Reason,
		ClaimIP:   opts.IP,
		CreatedAt: e.now(),
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return ClaimResult{}, refusal(domain.ReasonAlreadyClaimed, "you already applied to this project")
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ApplicationCreated, p.ID, "application", fmt.Sprint(app.ID), events.Actor(opts.UserID), nil); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Success: true, ApplicationID: app.ID, Status: app.Status}, nil
}

// Decide approves or rejects a PENDING application. Approval consumes a pool
// entry for the applicant; an empty pool leaves the application PENDING.
func (e Engine) Decide(ctx context.Context, applicationID, deciderID int64, approve bool) (domain.Application, error) {
	var out domain.Application
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		app, err := e.Repo.GetApplication(ctx, tx, applicationID)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{What: "application"}
		}
		if err != nil {
			return fmt.Errorf("load application: %w", err)
		}
		p, _, err := e.ownedProject(ctx, tx, app.ProjectID, deciderID)
		if err != nil {
			return err
		}
		if app.Status != domain.ApplicationPending {
			return refusal(domain.ReasonAlreadyDecided, "application already "+strings.ToLower(string(app.Status)))
		}
		now := e.now()
		actor := events.Actor(deciderID)
		if !approve {
			if err := e.Repo.DecideApplication(ctx, tx, app.ID, domain.ApplicationRejected, nil, deciderID, now); err != nil {
				return decideErr(err)
			}
			if err := e.Events.Append(ctx, tx, events.ApplicationRejected, p.ID, "application", fmt.Sprint(app.ID), actor, nil); err != nil {
				return err
			}
			out, err = e.Repo.GetApplication(ctx, tx, app.ID)
			return err
		}
		if p.Ended(now) {
			return refusal(domain.ReasonNotActive, "project has ended")
		}
		item, err := e.Repo.ConsumeNext(ctx, tx, p.ID, app.UserID, app.ClaimIP, now)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return refusal(domain.ReasonPoolExhausted, "no codes left in this project")
		case errors.Is(err, repo.ErrDuplicate):
			return refusal(domain.ReasonAlreadyClaimed, "applicant already holds a code from this project")
		case err != nil:
			return fmt.Errorf("consume item: %w", err)
		}
		if err := e.Repo.DecideApplication(ctx, tx, app.ID, domain.ApplicationApproved, &item.ID, deciderID, now); err != nil {
			return decideErr(err)
		}
		if err := e.Events.Append(ctx, tx, events.ApplicationApproved, p.ID, "application", fmt.Sprint(app.ID), actor, events.EventPayload{"item_id": item.ID}); err != nil {
			return err
		}
		if _, err := e.markCompletedIfDrained(ctx, tx, p, events.SystemActor); err != nil {
			return err
		}
		out, err = e.Repo.GetApplication(ctx, tx, app.ID)
		return err
	})
	return out, err
}

func decideErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return refusal(domain.ReasonAlreadyDecided, "application already decided")
	}
	return fmt.Errorf("decide application: %w", err)
}

// ImportItems appends text lines to a project's pool. Topping up a project
// its claimants drained puts it back to ACTIVE.
func (e Engine) ImportItems(ctx context.Context, projectID string, userID int64, text string, allowDuplicates bool) (importer.Result, error) {
	var res importer.Result
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, _, err := e.ownedProject(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		now := e.now()
		if p.Ended(now) {
			return refusal(domain.ReasonNotActive, "project has ended")
		}
		res, err = e.importInto(ctx, tx, p.ID, text, allowDuplicates)
		if err != nil {
			return err
		}
		actor := events.Actor(userID)
		if err := e.Events.Append(ctx, tx, events.ItemsImported, p.ID, "project", p.ID, actor,
			events.EventPayload{"imported": res.ImportedCount, "skipped": res.SkippedCount}); err != nil {
			return err
		}
		if !p.Drained(now) {
			return nil
		}
		if err := e.Repo.TransitionStatus(ctx, tx, p.ID, domain.StatusCompleted, domain.StatusActive, now); err != nil {
			return fmt.Errorf("reopen project: %w", err)
		}
		return e.Events.Append(ctx, tx, events.ProjectReopened, p.ID, "project", p.ID, actor,
			events.EventPayload{"from": domain.StatusCompleted, "to": domain.StatusActive})
	})
	return res, err
}

// importInto runs the de-duplicating import against the stored pool.
func (e Engine) importInto(ctx context.Context, tx *sql.Tx, projectID, text string, allowDuplicates bool) (importer.Result, error) {
	existing, err := e.Repo.ItemContents(ctx, tx, projectID)
	if err != nil {
		return importer.Result{}, fmt.Errorf("load items: %w", err)
	}
	res := importer.ImportLines(text, existing, allowDuplicates)
	if res.ImportedCount == 0 {
		msg := "no items to import"
		if res.SkippedCount > 0 {
			msg = fmt.Sprintf("all %d items are duplicates", res.SkippedCount)
		}
		return res, ValidationError{Field: "items", Message: msg}
	}
	if err := e.Repo.InsertItems(ctx, tx, projectID, res.Accepted(), e.now()); err != nil {
		return res, fmt.Errorf("insert items: %w", err)
	}
	if err := e.Repo.AddTotalItems(ctx, tx, projectID, res.ImportedCount); err != nil {
		return res, err
	}
	return res, nil
}
