package domain

import "time"

type TrustLevel int

const (
	TrustNew TrustLevel = iota
	TrustBasic
	TrustMember
	TrustRegular
	TrustLeader
)

func (t TrustLevel) Valid() bool { return t >= TrustNew && t <= TrustLeader }

func (t TrustLevel) String() string {
	switch t {
	case TrustNew:
		return "NEW"
	case TrustBasic:
		return "BASIC"
	case TrustMember:
		return "MEMBER"
	case TrustRegular:
		return "REGULAR"
	case TrustLeader:
		return "LEADER"
	}
	return "UNKNOWN"
}

type DistributionType string

const (
	DistributionOneForEach DistributionType = "ONE_FOR_EACH"
	DistributionInvite     DistributionType = "INVITE"
)

func (d DistributionType) Valid() bool {
	return d == DistributionOneForEach || d == DistributionInvite
}

type ProjectStatus string

const (
	StatusActive    ProjectStatus = "ACTIVE"
	StatusPaused    ProjectStatus = "PAUSED"
	StatusCompleted ProjectStatus = "COMPLETED"
	StatusExpired   ProjectStatus = "EXPIRED"
)

// Terminal statuses are final except COMPLETED, which an import of new codes
// reopens while the end time has not passed.
func (s ProjectStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "PENDING"
	ApplicationApproved ApplicationStatus = "APPROVED"
	ApplicationRejected ApplicationStatus = "REJECTED"
)

type UserSource string

const (
	SourceLocal   UserSource = "local"
	SourceLinuxDo UserSource = "linuxdo"
)

// Reason is a machine-readable refusal code surfaced to clients.
type Reason string

const (
	ReasonNotFound        Reason = "NOT_FOUND"
	ReasonNotActive       Reason = "NOT_ACTIVE"
	ReasonBanned          Reason = "BANNED"
	ReasonTrustTooLow     Reason = "TRUST_TOO_LOW"
	ReasonRiskTooHigh     Reason = "RISK_TOO_HIGH"
	ReasonAlreadyClaimed  Reason = "ALREADY_CLAIMED"
	ReasonPoolExhausted   Reason = "POOL_EXHAUSTED"
	ReasonAlreadyReported Reason = "ALREADY_REPORTED"
	ReasonAlreadyDecided  Reason = "ALREADY_DECIDED"
	ReasonAlreadyReceived Reason = "ALREADY_RECEIVED"
	ReasonNotOwner        Reason = "NOT_OWNER"
	ReasonNotAdmin        Reason = "NOT_ADMIN"
	ReasonTagExists       Reason = "TAG_EXISTS"
	ReasonEmailTaken      Reason = "EMAIL_TAKEN"
	ReasonRateLimited     Reason = "RATE_LIMITED"
	ReasonTerminal        Reason = "PROJECT_TERMINAL"
	ReasonInvalidStatus   Reason = "INVALID_STATUS"
	ReasonUsernameTaken   Reason = "USERNAME_TAKEN"
)

type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Nickname     string     `json:"nickname"`
	Email        string     `json:"email,omitempty"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	PasswordHash string     `json:"-"`
	Source       UserSource `json:"source"`
	ExternalID   string     `json:"-"`
	TrustLevel   TrustLevel `json:"trust_level"`
	RiskLevel    int        `json:"risk_level"`
	IsAdmin      bool       `json:"is_admin"`
	Banned       bool       `json:"banned"`
	BanReason    string     `json:"ban_reason,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasPassword is false for third-party accounts that never set one.
func (u User) HasPassword() bool { return u.PasswordHash != "" }

type Project struct {
	ID                string           `json:"id"`
	OwnerID           int64            `json:"owner_id"`
	Name              string           `json:"name"`
	Description       string           `json:"description"`
	DistributionType  DistributionType `json:"distribution_type"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	MinimumTrustLevel TrustLevel       `json:"minimum_trust_level"`
	AllowSameIP       bool             `json:"allow_same_ip"`
	RiskLevel         int              `json:"risk_level"`
	Status            ProjectStatus    `json:"status"`
	ReportCount       int              `json:"report_count"`
	Hidden            bool             `json:"hidden"`
	HideFromExplore   bool             `json:"hide_from_explore"`
	TotalItems        int              `json:"total_items"`
	Tags              []string         `json:"tags"`
	DeletedAt         *time.Time       `json:"deleted_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// EffectiveStatus folds the time window into the stored status.
func (p Project) EffectiveStatus(now time.Time) ProjectStatus {
	if p.Status.Terminal() {
		return p.Status
	}
	if !now.Before(p.EndTime) {
		return StatusExpired
	}
	return p.Status
}

// Ended reports whether the project's window closed at now.
func (p Project) Ended(now time.Time) bool {
	return p.Status == StatusExpired || !now.Before(p.EndTime)
}

// Drained reports a project completed by its last consume.
func (p Project) Drained(now time.Time) bool {
	return p.Status == StatusCompleted && !p.Ended(now)
}

// Claimable reports whether the project accepts claims at now.
func (p Project) Claimable(now time.Time) bool {
	return p.DeletedAt == nil && p.EffectiveStatus(now) == StatusActive && !now.Before(p.StartTime)
}

type PoolItem struct {
	ID         int64      `json:"id"`
	ProjectID  string     `json:"project_id"`
	Content    string     `json:"content"`
	Consumed   bool       `json:"consumed"`
	ConsumerID *int64     `json:"consumer_id,omitempty"`
	ClaimIP    string     `json:"-"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Application struct {
	ID        int64             `json:"id"`
	ProjectID string            `json:"project_id"`
	UserID    int64             `json:"user_id"`
	Username  string            `json:"username,omitempty"`
	Status    ApplicationStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	ClaimIP   string            `json:"-"`
	ItemID    *int64            `json:"item_id,omitempty"`
	DecidedBy *int64            `json:"decided_by,omitempty"`
	DecidedAt *time.Time        `json:"decided_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Report struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	ReporterID int64     `json:"reporter_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

type Session struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"user_id"`
	IP        string     `json:"ip,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Receiver is one consumed entry as seen by the project owner.
type Receiver struct {
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	Nickname   string    `json:"nickname"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// ReceivedItem is one consumed entry as seen by its consumer.
type ReceivedItem struct {
	ProjectID       string    `json:"project_id"`
	ProjectName     string    `json:"project_name"`
	CreatorUsername string    `json:"project_creator"`
	CreatorNickname string    `json:"project_creator_nickname"`
	Content         string    `json:"content"`
	ReceivedAt      time.Time `json:"received_at"`
}

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
