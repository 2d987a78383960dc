package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cdk/internal/domain"
	"cdk/internal/events"
	"cdk/internal/importer"
	"cdk/internal/repo"
)

const (
	maxProjectName        = 32
	maxProjectDescription = 1024
	maxProjectTags        = 10
	maxProjectTagLength   = 16
)

// ProjectSettings are the owner-editable fields of a project.
type ProjectSettings struct {
	Name              string
	Description       string
	StartTime         time.Time
	EndTime           time.Time
	MinimumTrustLevel domain.TrustLevel
	AllowSameIP       bool
	RiskLevel         int
	HideFromExplore   bool
	Tags              []string
}

type ProjectCreateOptions struct {
	ProjectSettings
	OwnerID          int64
	DistributionType domain.DistributionType
	// Items is newline separated pool content.
	Items           string
	AllowDuplicates bool
}

type ProjectUpdateOptions struct {
	ProjectSettings
	ID     string
	UserID int64
	// Items, when not blank, is appended to the pool.
	Items           string
	AllowDuplicates bool
}

func (s *ProjectSettings) normalize() error {
	s.Name = strings.TrimSpace(s.Name)
	s.Description = strings.TrimSpace(s.Description)
	n := len([]rune(s.Name))
	if n == 0 || n > maxProjectName {
		return ValidationError{Field: "name", Message: fmt.Sprintf("must be 1 to %d characters", maxProjectName)}
	}
	if len([]rune(s.Description)) > maxProjectDescription {
		return ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", maxProjectDescription)}
	}
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return ValidationError{Field: "end_time", Message: "start and end time are required"}
	}
	s.StartTime = s.StartTime.UTC().Truncate(time.Second)
	s.EndTime = s.EndTime.UTC().Truncate(time.Second)
	if !s.StartTime.Before(s.EndTime) {
		return ValidationError{Field: "end_time", Message: "end time must be after start time"}
	}
	if !s.MinimumTrustLevel.Valid() {
		return ValidationError{Field: "minimum_trust_level", Message: "must be between 0 and 4"}
	}
	if s.RiskLevel < 0 || s.RiskLevel > 100 {
		return ValidationError{Field: "risk_level", Message: "must be between 0 and 100"}
	}
	tags, err := normalizeTags(s.Tags)
	if err != nil {
		return err
	}
	s.Tags = tags
	return nil
}

func normalizeTags(in []string) ([]string, error) {
	seen := map[string]struct{}{}
	out := []string{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len([]rune(t)) > maxProjectTagLength {
			return nil, ValidationError{Field: "tags", Message: fmt.Sprintf("tag %q longer than %d characters", t, maxProjectTagLength)}
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) > maxProjectTags {
		return nil, ValidationError{Field: "tags", Message: fmt.Sprintf("at most %d tags", maxProjectTags)}
	}
	return out, nil
}

// CreateProject registers a project with its initial pool.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if err := opts.ProjectSettings.normalize(); err != nil {
		return domain.Project{}, err
	}
	if !opts.DistributionType.Valid() {
		return domain.Project{}, ValidationError{Field: "distribution_type", Message: "must be ONE_FOR_EACH or INVITE"}
	}
	if !opts.EndTime.After(e.now()) {
		return domain.Project{}, ValidationError{Field: "end_time", Message: "end time must be in the future"}
	}
	if len(importer.Lines(opts.Items)) == 0 {
		return domain.Project{}, ValidationError{Field: "items", Message: "at least one item is required"}
	}
	u, err := e.loadUser(ctx, nil, opts.OwnerID)
	if err != nil {
		return domain.Project{}, err
	}
	if u.Banned {
		return domain.Project{}, ForbiddenError{Reason: domain.ReasonBanned, Message: "account is banned"}
	}
	if err := e.checkCreateLimit(ctx, u); err != nil {
		return domain.Project{}, err
	}

	now := e.now()
	p := domain.Project{
		ID:                uuid.NewString(),
		OwnerID:           u.ID,
		Name:              opts.Name,
		Description:       opts.Description,
		DistributionType:  opts.DistributionType,
		StartTime:         opts.StartTime,
		EndTime:           opts.EndTime,
		MinimumTrustLevel: opts.MinimumTrustLevel,
		AllowSameIP:       opts.AllowSameIP,
		RiskLevel:         opts.RiskLevel,
		Status:            domain.StatusActive,
		HideFromExplore:   opts.HideFromExplore,
		Tags:              opts.Tags,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.ReplaceProjectTags(ctx, tx, p.ID, p.Tags); err != nil {
			return fmt.Errorf("project tags: %w", err)
		}
		if err := e.Repo.EnsureTags(ctx, tx, p.Tags, u.ID, now); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		res, err := e.importInto(ctx, tx, p.ID, opts.Items, opts.AllowDuplicates)
		if err != nil {
			return err
		}
		p.TotalItems = res.ImportedCount
		return e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, events.Actor(u.ID),
			events.EventPayload{"name": p.Name, "distribution_type": p.DistributionType, "items": res.ImportedCount})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) checkCreateLimit(ctx context.Context, u domain.User) error {
	limit, ok := e.config().ProjectApp.CreateLimitFor(int(u.TrustLevel))
	if !ok || u.IsAdmin {
		return nil
	}
	window := time.Duration(limit.IntervalSeconds) * time.Second
	allowed, err := e.Limiter.Allow(ctx, fmt.Sprintf("project:create:%d", u.ID), limit.MaxCount, window)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		return RateLimitError{Message: fmt.Sprintf("at most %d projects per %s at trust level %d", limit.MaxCount, window, u.TrustLevel)}
	}
	return nil
}

// UpdateProject rewrites the settings of a live project and optionally
// appends items.
func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if err := opts.ProjectSettings.normalize(); err != nil {
		return domain.Project{}, err
	}
	var out domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, _, err := e.ownedProject(ctx, tx, opts.ID, opts.UserID)
		if err != nil {
			return err
		}
		now := e.now()
		if p.EffectiveStatus(now).Terminal() {
			return refusal(domain.ReasonTerminal, "project has ended")
		}
		s := opts.ProjectSettings
		if !s.EndTime.After(now) {
			return ValidationError{Field: "end_time", Message: "end time must be in the future"}
		}
		p.Name, p.Description = s.Name, s.Description
		p.StartTime, p.EndTime = s.StartTime, s.EndTime
		p.MinimumTrustLevel, p.AllowSameIP = s.MinimumTrustLevel, s.AllowSameIP
		p.RiskLevel, p.HideFromExplore = s.RiskLevel, s.HideFromExplore
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectSettings(ctx, tx, p); err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		if err := e.Repo.ReplaceProjectTags(ctx, tx, p.ID, s.Tags); err != nil {
			return fmt.Errorf("project tags: %w", err)
		}
		if err := e.Repo.EnsureTags(ctx, tx, s.Tags, opts.UserID, now); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		payload := events.EventPayload{"name": p.Name}
		if strings.TrimSpace(opts.Items) != "" {
			res, err := e.importInto(ctx, tx, p.ID, opts.Items, opts.AllowDuplicates)
			if err != nil {
				return err
			}
			payload["imported"] = res.ImportedCount
		}
		if err := e.Events.Append(ctx, tx, events.ProjectUpdated, p.ID, "project", p.ID, events.Actor(opts.UserID), payload); err != nil {
			return err
		}
		out, err = e.Repo.GetProject(ctx, tx, p.ID)
		return err
	})
	return out, err
}

// PauseProject stops claims on an active project.
func (e Engine) PauseProject(ctx context.Context, projectID string, userID int64) (domain.Project, error) {
	return e.transition(ctx, projectID, userID, domain.StatusActive, domain.StatusPaused, events.ProjectPaused)
}

// ResumeProject reopens a paused project before its end time.
func (e Engine) ResumeProject(ctx context.Context, projectID string, userID int64) (domain.Project, error) {
	return e.transition(ctx, projectID, userID, domain.StatusPaused, domain.StatusActive, events.ProjectResumed)
}

func (e Engine) transition(ctx context.Context, projectID string, userID int64, from, to domain.ProjectStatus, evt string) (domain.Project, error) {
	var out domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, _, err := e.ownedProject(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		now := e.now()
		current := p.EffectiveStatus(now)
		if current.Terminal() {
			return refusal(domain.ReasonTerminal, "project has ended")
		}
		if current != from {
			return refusal(domain.ReasonInvalidStatus, fmt.Sprintf("project is %s", current))
		}
		if err := e.Repo.TransitionStatus(ctx, tx, p.ID, from, to, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return refusal(domain.ReasonInvalidStatus, "project status changed")
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, evt, p.ID, "project", p.ID, events.Actor(userID), events.EventPayload{"from": from, "to": to}); err != nil {
			return err
		}
		out, err = e.Repo.GetProject(ctx, tx, p.ID)
		return err
	})
	return out, err
}

// DeleteProject soft-deletes a project nobody has received from yet.
func (e Engine) DeleteProject(ctx context.Context, projectID string, userID int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		p, _, err := e.ownedProject(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		consumed, err := e.Repo.CountConsumed(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if consumed > 0 {
			return refusal(domain.ReasonAlreadyReceived, "codes were already received from this project")
		}
		if err := e.Repo.SoftDeleteProject(ctx, tx, p.ID, e.now()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return NotFoundError{What: "project"}
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.ProjectDeleted, p.ID, "project", p.ID, events.Actor(userID), nil)
	})
}

// ExpireProjects persists EXPIRED for every live project past its end time.
func (e Engine) ExpireProjects(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = e.Repo.ExpireEnded(ctx, tx, e.now())
		if err != nil {
			return fmt.Errorf("expire projects: %w", err)
		}
		for _, id := range ids {
			if err := e.Events.Append(ctx, tx, events.ProjectExpired, id, "project", id, events.SystemActor, nil); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}
