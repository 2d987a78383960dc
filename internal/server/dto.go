package server

import (
	"time"

	"cdk/internal/domain"
	"cdk/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Username string `json:"username" minLength:"1"`
	Password string `json:"password" minLength:"1"`
}

type ClaimRequest struct {
	ProjectID string `json:"project_id" minLength:"1"`
	// Reason is shown to the owner of an INVITE project.
	Reason string `json:"reason,omitempty" maxLength:"255"`
}

type ProjectSettingsRequest struct {
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	MinimumTrustLevel int       `json:"minimum_trust_level" minimum:"0" maximum:"4"`
	AllowSameIP       bool      `json:"allow_same_ip"`
	RiskLevel         int       `json:"risk_level" minimum:"0" maximum:"100"`
	HideFromExplore   bool      `json:"hide_from_explore,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
}

type CreateProjectRequest struct {
	ProjectSettingsRequest
	DistributionType string `json:"distribution_type" enum:"ONE_FOR_EACH,INVITE"`
	// Items holds one code per line.
	Items           string `json:"items"`
	AllowDuplicates bool   `json:"allow_duplicates,omitempty"`
}

type UpdateProjectRequest struct {
	ProjectSettingsRequest
	Items           string `json:"items,omitempty"`
	AllowDuplicates bool   `json:"allow_duplicates,omitempty"`
}

type ImportItemsRequest struct {
	Items           string `json:"items"`
	AllowDuplicates bool   `json:"allow_duplicates,omitempty"`
}

type ReportRequest struct {
	Reason string `json:"reason"`
}

type DecisionRequest struct {
	Approve bool `json:"approve"`
}

type CreateTagRequest struct {
	Name string `json:"name"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password,omitempty"`
	NewPassword     string `json:"new_password"`
}

type UpdateBasicRequest struct {
	Nickname  string `json:"nickname"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type BanRequest struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type UserResponse struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	Nickname    string  `json:"nickname"`
	Email       string  `json:"email,omitempty"`
	AvatarURL   string  `json:"avatar_url,omitempty"`
	Source      string  `json:"source"`
	TrustLevel  int     `json:"trust_level"`
	RiskLevel   int     `json:"risk_level"`
	IsAdmin     bool    `json:"is_admin"`
	Banned      bool    `json:"banned"`
	HasPassword bool    `json:"has_password"`
	LastLoginAt *string `json:"last_login_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type SessionResponse struct {
	ExpiresAt string       `json:"expires_at" format:"date-time"`
	User      UserResponse `json:"user"`
}

type LoginURLResponse struct {
	URL string `json:"url"`
}

type ProjectListResponse struct {
	Items []domain.Project `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Size  int              `json:"size"`
}

// ProjectViewResponse flattens engine.ProjectView for the OpenAPI schema.
type ProjectViewResponse struct {
	ID                  string              `json:"id"`
	OwnerID             int64               `json:"owner_id"`
	Name                string              `json:"name"`
	Description         string              `json:"description"`
	DistributionType    string              `json:"distribution_type"`
	StartTime           time.Time           `json:"start_time"`
	EndTime             time.Time           `json:"end_time"`
	MinimumTrustLevel   int                 `json:"minimum_trust_level"`
	AllowSameIP         bool                `json:"allow_same_ip"`
	RiskLevel           int                 `json:"risk_level"`
	Status              string              `json:"status"`
	EffectiveStatus     string              `json:"effective_status"`
	ReportCount         int                 `json:"report_count"`
	Hidden              bool                `json:"hidden"`
	HideFromExplore     bool                `json:"hide_from_explore"`
	TotalItems          int                 `json:"total_items"`
	AvailableItems      int                 `json:"available_items"`
	PendingApplications int                 `json:"pending_applications,omitempty"`
	Tags                []string            `json:"tags"`
	Creator             engine.Creator      `json:"creator"`
	IsOwner             bool                `json:"is_owner"`
	IsReceived          bool                `json:"is_received"`
	ReceivedContent     string              `json:"received_content,omitempty"`
	Application         *domain.Application `json:"application,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

type ImportResponse struct {
	ImportedCount int `json:"imported_count"`
	SkippedCount  int `json:"skipped_count"`
}

type TagListResponse struct {
	Items []string `json:"items"`
}

type TagResponse struct {
	Name string `json:"name"`
}

type OKResponse struct {
	Success bool `json:"success"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeySummary struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

func userResponse(u domain.User) UserResponse {
	out := UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Nickname:    u.Nickname,
		Email:       u.Email,
		AvatarURL:   u.AvatarURL,
		Source:      string(u.Source),
		TrustLevel:  int(u.TrustLevel),
		RiskLevel:   u.RiskLevel,
		IsAdmin:     u.IsAdmin,
		Banned:      u.Banned,
		HasPassword: u.HasPassword(),
		CreatedAt:   u.CreatedAt.UTC().Format(time.RFC3339),
	}
	if u.LastLoginAt != nil {
		ts := u.LastLoginAt.UTC().Format(time.RFC3339)
		out.LastLoginAt = &ts
	}
	return out
}

func mapUsers(items []domain.User) []UserResponse {
	out := make([]UserResponse, 0, len(items))
	for _, u := range items {
		out = append(out, userResponse(u))
	}
	return out
}

func projectViewResponse(v engine.ProjectView) ProjectViewResponse {
	return ProjectViewResponse{
		ID:                  v.ID,
		OwnerID:             v.OwnerID,
		Name:                v.Name,
		Description:         v.Description,
		DistributionType:    string(v.DistributionType),
		StartTime:           v.StartTime,
		EndTime:             v.EndTime,
		MinimumTrustLevel:   int(v.MinimumTrustLevel),
		AllowSameIP:         v.AllowSameIP,
		RiskLevel:           v.RiskLevel,
		Status:              string(v.Status),
		EffectiveStatus:     string(v.EffectiveStatus),
		ReportCount:         v.ReportCount,
		Hidden:              v.Hidden,
		HideFromExplore:     v.HideFromExplore,
		TotalItems:          v.TotalItems,
		AvailableItems:      v.AvailableItems,
		PendingApplications: v.PendingApplications,
		Tags:                v.Tags,
		Creator:             v.Creator,
		IsOwner:             v.IsOwner,
		IsReceived:          v.IsReceived,
		ReceivedContent:     v.ReceivedContent,
		Application:         v.Application,
		CreatedAt:           v.CreatedAt,
		UpdatedAt:           v.UpdatedAt,
	}
}

func apiKeySummaries(keys []domain.APIKey) []APIKeySummary {
	out := make([]APIKeySummary, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKeySummary{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    evt.Payload,
	}
}

func (r ProjectSettingsRequest) settings() engine.ProjectSettings {
	return engine.ProjectSettings{
		Name:              r.Name,
		Description:       r.Description,
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
		MinimumTrustLevel: domain.TrustLevel(r.MinimumTrustLevel),
		AllowSameIP:       r.AllowSameIP,
		RiskLevel:         r.RiskLevel,
		HideFromExplore:   r.HideFromExplore,
		Tags:              r.Tags,
	}
}

func projectList(l engine.ProjectList, current, size int) ProjectListResponse {
	return ProjectListResponse{Items: l.Items, Total: l.Total, Page: current, Size: size}
}
