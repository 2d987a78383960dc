package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdk/internal/domain"
	"cdk/internal/repo"
)

// Creator is the public face of a project owner.
type Creator struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ProjectView is a project as shown to one viewer. PendingApplications is
// only filled for the owner and admins of INVITE projects.
type ProjectView struct {
	domain.Project
	EffectiveStatus     domain.ProjectStatus `json:"effective_status"`
	Creator             Creator              `json:"creator"`
	AvailableItems      int                  `json:"available_items"`
	PendingApplications int                  `json:"pending_applications,omitempty"`
	IsOwner             bool                 `json:"is_owner"`
	IsReceived          bool                 `json:"is_received"`
	ReceivedContent     string               `json:"received_content,omitempty"`
	Application         *domain.Application  `json:"application,omitempty"`
}

// GetProjectView loads a project for viewerID. Hidden projects are visible to
// their owner and admins only.
func (e Engine) GetProjectView(ctx context.Context, projectID string, viewerID int64) (ProjectView, error) {
	viewer, err := e.loadUser(ctx, nil, viewerID)
	if err != nil {
		return ProjectView{}, err
	}
	p, err := e.loadProject(ctx, nil, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	isOwner := p.OwnerID == viewerID
	if p.Hidden && !isOwner && !viewer.IsAdmin {
		return ProjectView{}, NotFoundError{What: "project"}
	}
	owner, err := e.Repo.GetUser(ctx, nil, p.OwnerID)
	if err != nil {
		return ProjectView{}, fmt.Errorf("load owner: %w", err)
	}
	available, err := e.Repo.CountAvailable(ctx, nil, p.ID)
	if err != nil {
		return ProjectView{}, err
	}
	v := ProjectView{
		Project:         p,
		EffectiveStatus: p.EffectiveStatus(e.now()),
		Creator:         Creator{ID: owner.ID, Username: owner.Username, Nickname: owner.Nickname, AvatarURL: owner.AvatarURL},
		AvailableItems:  available,
		IsOwner:         isOwner,
	}
	if p.DistributionType == domain.DistributionInvite && (isOwner || viewer.IsAdmin) {
		if v.PendingApplications, err = e.Repo.CountPendingApplications(ctx, p.ID); err != nil {
			return ProjectView{}, fmt.Errorf("count pending applications: %w", err)
		}
	}
	item, err := e.Repo.ReceivedItem(ctx, nil, p.ID, viewerID)
	switch {
	case err == nil:
		v.IsReceived = true
		v.ReceivedContent = item.Content
	case !errors.Is(err, repo.ErrNotFound):
		return ProjectView{}, err
	}
	app, err := e.Repo.UserApplication(ctx, nil, p.ID, viewerID)
	switch {
	case err == nil:
		v.Application = &app
	case !errors.Is(err, repo.ErrNotFound):
		return ProjectView{}, err
	}
	return v, nil
}

// ExploreQuery filters the public listing.
type ExploreQuery struct {
	Tags   []string
	Search string
	// EligibleOnly keeps projects the viewer could still claim.
	EligibleOnly bool
	Page         repo.Page
}

type ProjectList struct {
	Items []domain.Project `json:"items"`
	Total int              `json:"total"`
}

func (e Engine) ListExplore(ctx context.Context, viewerID int64, q ExploreQuery) (ProjectList, error) {
	f := repo.ExploreFilter{Tags: q.Tags, Search: strings.TrimSpace(q.Search), Now: e.now(), Page: q.Page}
	if q.EligibleOnly {
		u, err := e.loadUser(ctx, nil, viewerID)
		if err != nil {
			return ProjectList{}, err
		}
		f.Eligible = &repo.Eligibility{ViewerID: u.ID, TrustLevel: u.TrustLevel, RiskLevel: u.RiskLevel}
	}
	items, total, err := e.Repo.ListExplore(ctx, f)
	if err != nil {
		return ProjectList{}, fmt.Errorf("list projects: %w", err)
	}
	return ProjectList{Items: nonNil(items), Total: total}, nil
}

// ListMine lists the projects a user created.
func (e Engine) ListMine(ctx context.Context, ownerID int64, page repo.Page) (ProjectList, error) {
	items, total, err := e.Repo.ListOwnedProjects(ctx, ownerID, page)
	if err != nil {
		return ProjectList{}, fmt.Errorf("list projects: %w", err)
	}
	return ProjectList{Items: nonNil(items), Total: total}, nil
}

// ListAllProjects is the admin listing.
func (e Engine) ListAllProjects(ctx context.Context, includeDeleted bool, page repo.Page) (ProjectList, error) {
	items, total, err := e.Repo.ListAllProjects(ctx, includeDeleted, page)
	if err != nil {
		return ProjectList{}, fmt.Errorf("list projects: %w", err)
	}
	return ProjectList{Items: nonNil(items), Total: total}, nil
}

type ReceiverList struct {
	Items []domain.Receiver `json:"items"`
	Total int               `json:"total"`
}

// ListReceivers shows the owner who received which code.
func (e Engine) ListReceivers(ctx context.Context, projectID string, userID int64, search string, page repo.Page) (ReceiverList, error) {
	if _, _, err := e.ownedProject(ctx, nil, projectID, userID); err != nil {
		return ReceiverList{}, err
	}
	items, total, err := e.Repo.ListReceivers(ctx, projectID, strings.TrimSpace(search), page)
	if err != nil {
		return ReceiverList{}, fmt.Errorf("list receivers: %w", err)
	}
	return ReceiverList{Items: items, Total: total}, nil
}

type ReceivedList struct {
	Items []domain.ReceivedItem `json:"items"`
	Total int                   `json:"total"`
}

// ListReceived lists the codes a user holds.
func (e Engine) ListReceived(ctx context.Context, userID int64, search string, page repo.Page) (ReceivedList, error) {
	items, total, err := e.Repo.ListReceived(ctx, userID, strings.TrimSpace(search), page)
	if err != nil {
		return ReceivedList{}, fmt.Errorf("list received: %w", err)
	}
	return ReceivedList{Items: items, Total: total}, nil
}

const maxChartDays = 180

// ReceivedChart returns one bucket per UTC day for the last days days,
// oldest first and including today.
func (e Engine) ReceivedChart(ctx context.Context, userID int64, days int) ([]domain.DayCount, error) {
	if days < 1 || days > maxChartDays {
		return nil, ValidationError{Field: "days", Message: fmt.Sprintf("must be between 1 and %d", maxChartDays)}
	}
	from := dayStart(e.now()).AddDate(0, 0, -(days - 1))
	counts, err := e.Repo.ReceivedPerDay(ctx, userID, from)
	if err != nil {
		return nil, fmt.Errorf("received chart: %w", err)
	}
	return fillDays(from, days, counts), nil
}

type ApplicationList struct {
	Items []domain.Application `json:"items"`
	Total int                  `json:"total"`
}

// ListApplications lists a project's applications for its owner.
func (e Engine) ListApplications(ctx context.Context, projectID string, userID int64, status domain.ApplicationStatus, page repo.Page) (ApplicationList, error) {
	switch status {
	case "", domain.ApplicationPending, domain.ApplicationApproved, domain.ApplicationRejected:
	default:
		return ApplicationList{}, ValidationError{Field: "status", Message: "must be PENDING, APPROVED or REJECTED"}
	}
	if _, _, err := e.ownedProject(ctx, nil, projectID, userID); err != nil {
		return ApplicationList{}, err
	}
	items, total, err := e.Repo.ListApplications(ctx, projectID, status, page)
	if err != nil {
		return ApplicationList{}, fmt.Errorf("list applications: %w", err)
	}
	return ApplicationList{Items: items, Total: total}, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func fillDays(from time.Time, days int, counts map[string]int) []domain.DayCount {
	out := make([]domain.DayCount, 0, days)
	for i := 0; i < days; i++ {
		d := from.AddDate(0, 0, i).Format("2006-01-02")
		out = append(out, domain.DayCount{Date: d, Count: counts[d]})
	}
	return out
}

func nonNil(in []domain.Project) []domain.Project {
	if in == nil {
		return []domain.Project{}
	}
	return in
}

// ProjectEvents returns the newest audit events of a project for its owner.
func (e Engine) ProjectEvents(ctx context.Context, projectID string, userID int64, limit int) ([]domain.Event, error) {
	if _, _, err := e.ownedProject(ctx, nil, projectID, userID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ProjectEvents(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("project events: %w", err)
	}
	if items == nil {
		items = []domain.Event{}
	}
	return items, nil
}
