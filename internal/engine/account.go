package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"cdk/internal/domain"
	"cdk/internal/engine/auth"
	"cdk/internal/events"
	"cdk/internal/repo"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
	maxNickname       = 50
	maxUsername       = 32
)

func (e Engine) tokens() auth.Tokens {
	cfg := e.config()
	return auth.Tokens{
		Secret: cfg.Session.Secret,
		TTL:    time.Duration(cfg.Session.AgeSeconds) * time.Second,
		Now:    e.now,
	}
}

// SessionToken is what a login hands back for the session cookie.
type SessionToken struct {
	Token     string      `json:"-"`
	SessionID string      `json:"session_id"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
}

type LoginOptions struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
}

// Login checks local credentials and opens a session.
func (e Engine) Login(ctx context.Context, opts LoginOptions) (SessionToken, error) {
	u, err := e.Repo.GetUserByUsername(ctx, strings.TrimSpace(opts.Username))
	if errors.Is(err, repo.ErrNotFound) {
		return SessionToken{}, AuthError{Message: "invalid username or password"}
	}
	if err != nil {
		return SessionToken{}, fmt.Errorf("load user: %w", err)
	}
	if !auth.CheckPassword(u.PasswordHash, opts.Password) {
		return SessionToken{}, AuthError{Message: "invalid username or password"}
	}
	return e.OpenSession(ctx, u, opts.IP, opts.UserAgent)
}

// OpenSession creates a session row and signs a token for it.
func (e Engine) OpenSession(ctx context.Context, u domain.User, ip, userAgent string) (SessionToken, error) {
	if u.Banned {
		return SessionToken{}, ForbiddenError{Reason: domain.ReasonBanned, Message: "account is banned"}
	}
	now := e.now()
	sid := uuid.NewString()
	token, exp, err := e.tokens().Issue(u.ID, sid)
	if err != nil {
		return SessionToken{}, err
	}
	if err := e.Repo.InsertSession(ctx, domain.Session{ID: sid, UserID: u.ID, IP: ip, UserAgent: userAgent, CreatedAt: now, ExpiresAt: exp}); err != nil {
		return SessionToken{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Repo.TouchLogin(ctx, u.ID, now); err != nil {
		return SessionToken{}, err
	}
	return SessionToken{Token: token, SessionID: sid, ExpiresAt: exp, User: u}, nil
}

// Authenticate resolves a session token to its user. Banned users get a
// ForbiddenError.
func (e Engine) Authenticate(ctx context.Context, token string) (domain.User, string, error) {
	userID, sid, err := e.tokens().Parse(token)
	if err != nil {
		return domain.User{}, "", AuthError{Message: "invalid session"}
	}
	s, err := e.Repo.GetSession(ctx, sid)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, "", AuthError{Message: "invalid session"}
	}
	if err != nil {
		return domain.User{}, "", fmt.Errorf("load session: %w", err)
	}
	if s.UserID != userID || s.RevokedAt != nil || !e.now().Before(s.ExpiresAt) {
		return domain.User{}, "", AuthError{Message: "session expired"}
	}
	u, err := e.activeUser(ctx, userID)
	return u, sid, err
}

// AuthenticateAPIKey resolves a personal API key to its user.
func (e Engine) AuthenticateAPIKey(ctx context.Context, key string) (domain.User, error) {
	k, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, AuthError{Message: "invalid api key"}
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load api key: %w", err)
	}
	if err := e.Repo.TouchAPIKey(ctx, k.ID, e.now()); err != nil {
		log.WithError(err).WithField("api_key_id", k.ID).Warn("record api key use")
	}
	return e.activeUser(ctx, k.UserID)
}

func (e Engine) activeUser(ctx context.Context, userID int64) (domain.User, error) {
	u, err := e.loadUser(ctx, nil, userID)
	if err != nil {
		return u, err
	}
	if u.Banned {
		return u, ForbiddenError{Reason: domain.ReasonBanned, Message: "account is banned"}
	}
	return u, nil
}

func (e Engine) Logout(ctx context.Context, sessionID string) error {
	return e.Repo.RevokeSession(ctx, sessionID, e.now())
}

func (e Engine) Me(ctx context.Context, userID int64) (domain.User, error) {
	return e.loadUser(ctx, nil, userID)
}

// ChangePassword sets a new password. The current one is required unless the
// account never had a password.
func (e Engine) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if n := len([]rune(next)); n < minPasswordLength || n > maxPasswordLength {
		return ValidationError{Field: "new_password", Message: fmt.Sprintf("must be %d to %d characters", minPasswordLength, maxPasswordLength)}
	}
	u, err := e.loadUser(ctx, nil, userID)
	if err != nil {
		return err
	}
	if u.HasPassword() {
		if current == "" {
			return ValidationError{Field: "current_password", Message: "current password is required"}
		}
		if !auth.CheckPassword(u.PasswordHash, current) {
			return ValidationError{Field: "current_password", Message: "current password is incorrect"}
		}
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	return e.Repo.SetPasswordHash(ctx, nil, u.ID, hash, e.now())
}

type BasicProfile struct {
	Nickname  string
	Email     string
	AvatarURL string
}

// UpdateBasic edits nickname, email and avatar.
func (e Engine) UpdateBasic(ctx context.Context, userID int64, in BasicProfile) (domain.User, error) {
	in.Nickname = strings.TrimSpace(in.Nickname)
	in.Email = strings.TrimSpace(in.Email)
	in.AvatarURL = strings.TrimSpace(in.AvatarURL)
	if n := len([]rune(in.Nickname)); n == 0 || n > maxNickname {
		return domain.User{}, ValidationError{Field: "nickname", Message: fmt.Sprintf("must be 1 to %d characters", maxNickname)}
	}
	if in.Email != "" {
		addr, err := mail.ParseAddress(in.Email)
		if err != nil || addr.Address != in.Email {
			return domain.User{}, ValidationError{Field: "email", Message: "invalid email address"}
		}
	}
	if in.AvatarURL != "" {
		u, err := url.Parse(in.AvatarURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return domain.User{}, ValidationError{Field: "avatar_url", Message: "must be an http or https URL"}
		}
	}
	err := e.Repo.UpdateUserBasic(ctx, nil, userID, in.Nickname, in.Email, in.AvatarURL, e.now())
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		return domain.User{}, refusal(domain.ReasonEmailTaken, "email is already in use")
	case errors.Is(err, repo.ErrNotFound):
		return domain.User{}, AuthError{Message: "unknown user"}
	case err != nil:
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return e.loadUser(ctx, nil, userID)
}

type NewUser struct {
	Username   string
	Password   string
	Nickname   string
	TrustLevel domain.TrustLevel
	RiskLevel  int
	IsAdmin    bool
}

// CreateLocalUser adds a password account.
func (e Engine) CreateLocalUser(ctx context.Context, in NewUser) (domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if n := len([]rune(in.Username)); n == 0 || n > maxUsername || strings.ContainsAny(in.Username, " \t\r\n") {
		return domain.User{}, ValidationError{Field: "username", Message: fmt.Sprintf("must be 1 to %d characters without spaces", maxUsername)}
	}
	if n := len([]rune(in.Password)); n < minPasswordLength || n > maxPasswordLength {
		return domain.User{}, ValidationError{Field: "password", Message: fmt.Sprintf("must be %d to %d characters", minPasswordLength, maxPasswordLength)}
	}
	if !in.TrustLevel.Valid() {
		return domain.User{}, ValidationError{Field: "trust_level", Message: "must be between 0 and 4"}
	}
	if in.RiskLevel < 0 || in.RiskLevel > 100 {
		return domain.User{}, ValidationError{Field: "risk_level", Message: "must be between 0 and 100"}
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	if in.Nickname == "" {
		in.Nickname = in.Username
	}
	u, err := e.Repo.InsertUser(ctx, nil, domain.User{
		Username:     in.Username,
		Nickname:     in.Nickname,
		PasswordHash: hash,
		Source:       domain.SourceLocal,
		TrustLevel:   in.TrustLevel,
		RiskLevel:    in.RiskLevel,
		IsAdmin:      in.IsAdmin,
		CreatedAt:    e.now(),
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return domain.User{}, ConflictError{Reason: domain.ReasonUsernameTaken, Message: fmt.Sprintf("username %q is taken", in.Username)}
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// LinuxDoProfile is the identity returned by the Linux Do user endpoint.
type LinuxDoProfile struct {
	ID         string
	Username   string
	Name       string
	AvatarURL  string
	TrustLevel int
	Active     bool
}

// UpsertLinuxDoUser creates or refreshes the account linked to a Linux Do
// identity. Trust level always follows the provider.
func (e Engine) UpsertLinuxDoUser(ctx context.Context, p LinuxDoProfile) (domain.User, error) {
	if p.ID == "" || p.Username == "" {
		return domain.User{}, AuthError{Message: "incomplete identity from provider"}
	}
	if !p.Active {
		return domain.User{}, ForbiddenError{Reason: domain.ReasonBanned, Message: "linux.do account is not active"}
	}
	trust := domain.TrustLevel(p.TrustLevel)
	if !trust.Valid() {
		trust = domain.TrustNew
	}
	var out domain.User
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		u, err := e.Repo.GetUserByExternalID(ctx, tx, domain.SourceLinuxDo, p.ID)
		if err == nil {
			if err := e.Repo.SyncExternalUser(ctx, tx, u.ID, u.Username, p.AvatarURL, trust, now); err != nil {
				return fmt.Errorf("sync user: %w", err)
			}
			out, err = e.Repo.GetUser(ctx, tx, u.ID)
			return err
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("load user: %w", err)
		}
		nickname := strings.TrimSpace(p.Name)
		if nickname == "" {
			nickname = p.Username
		}
		nu := domain.User{
			Username:   p.Username,
			Nickname:   nickname,
			AvatarURL:  p.AvatarURL,
			Source:     domain.SourceLinuxDo,
			ExternalID: p.ID,
			TrustLevel: trust,
			CreatedAt:  now,
		}
		out, err = e.Repo.InsertUser(ctx, tx, nu)
		if errors.Is(err, repo.ErrDuplicate) {
			nu.Username = fmt.Sprintf("%s_%s", p.Username, p.ID)
			out, err = e.Repo.InsertUser(ctx, tx, nu)
		}
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
	return out, err
}

// SetBan bans or unbans a user. Sessions stay valid so a banned caller keeps
// getting 403 from the per-request check and regains access on unban.
func (e Engine) SetBan(ctx context.Context, userID int64, banned bool, reason string, actorID int64) (domain.User, error) {
	var out domain.User
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		if err := e.Repo.SetBan(ctx, tx, userID, banned, strings.TrimSpace(reason), now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return NotFoundError{What: "user"}
			}
			return err
		}
		evt := events.UserUnbanned
		if banned {
			evt = events.UserBanned
		}
		if err := e.Events.Append(ctx, tx, evt, "", "user", fmt.Sprint(userID), events.Actor(actorID), events.EventPayload{"reason": reason}); err != nil {
			return err
		}
		var err error
		out, err = e.Repo.GetUser(ctx, tx, userID)
		return err
	})
	return out, err
}

// SetStanding changes trust, risk and admin flags of a user.
func (e Engine) SetStanding(ctx context.Context, userID int64, trust domain.TrustLevel, risk int, admin bool) (domain.User, error) {
	if !trust.Valid() {
		return domain.User{}, ValidationError{Field: "trust_level", Message: "must be between 0 and 4"}
	}
	if risk < 0 || risk > 100 {
		return domain.User{}, ValidationError{Field: "risk_level", Message: "must be between 0 and 100"}
	}
	if err := e.Repo.SetStanding(ctx, userID, trust, risk, admin, e.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, NotFoundError{What: "user"}
		}
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, nil, userID)
}

func (e Engine) ListUsers(ctx context.Context, page repo.Page) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, page)
}

// CreateAPIKey issues a personal key; the plain key is only returned here.
func (e Engine) CreateAPIKey(ctx context.Context, userID int64, name string) (string, domain.APIKey, error) {
	if _, err := e.loadUser(ctx, nil, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "cdk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return plain, key, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, userID int64) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// DeleteAPIKey revokes one of the user's keys.
func (e Engine) DeleteAPIKey(ctx context.Context, userID int64, id string) error {
	err := e.Repo.DeleteAPIKey(ctx, userID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{What: "api key"}
	}
	return err
}
