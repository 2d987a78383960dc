package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cdk/internal/cache"
	"cdk/internal/config"
	"cdk/internal/domain"
	"cdk/internal/events"
	"cdk/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Limiter cache.Limiter
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, limiter cache.Limiter) Engine {
	if limiter == nil {
		limiter = cache.NewMemory()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{Now: time.Now},
		Config:  cfg,
		Limiter: limiter,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// inTx runs fn in one transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// loadUser resolves an authenticated user; a missing row is an AuthError.
func (e Engine) loadUser(ctx context.Context, tx *sql.Tx, userID int64) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return u, AuthError{Message: "unknown user"}
	}
	if err != nil {
		return u, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// loadProject returns a non-deleted project.
func (e Engine) loadProject(ctx context.Context, tx *sql.Tx, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, tx, projectID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && p.DeletedAt != nil) {
		return p, NotFoundError{What: "project"}
	}
	if err != nil {
		return p, fmt.Errorf("load project: %w", err)
	}
	return p, nil
}

// ownedProject returns a project the user may manage.
func (e Engine) ownedProject(ctx context.Context, tx *sql.Tx, projectID string, userID int64) (domain.Project, domain.User, error) {
	u, err := e.loadUser(ctx, tx, userID)
	if err != nil {
		return domain.Project{}, u, err
	}
	p, err := e.loadProject(ctx, tx, projectID)
	if err != nil {
		return p, u, err
	}
	if p.OwnerID != userID && !u.IsAdmin {
		return p, u, ForbiddenError{Reason: domain.ReasonNotOwner, Message: "only the project owner can do this"}
	}
	return p, u, nil
}

// markCompletedIfDrained completes a live project whose pool just emptied.
func (e Engine) markCompletedIfDrained(ctx context.Context, tx *sql.Tx, p domain.Project, actorID string) (bool, error) {
	left, err := e.Repo.CountAvailable(ctx, tx, p.ID)
	if err != nil {
		return false, err
	}
	if left > 0 || p.Status.Terminal() {
		return false, nil
	}
	if err := e.Repo.TransitionStatus(ctx, tx, p.ID, p.Status, domain.StatusCompleted, e.now()); err != nil {
		return false, fmt.Errorf("complete project: %w", err)
	}
	return true, e.Events.Append(ctx, tx, events.ProjectCompleted, p.ID, "project", p.ID, actorID, events.EventPayload{"total_items": p.TotalItems})
}
