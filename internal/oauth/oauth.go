// Package oauth runs the Linux Do authorization-code login.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"cdk/internal/cache"
	"cdk/internal/config"
	"cdk/internal/engine"
)

const (
	stateKeyFormat = "oauth:state:%s"
	StateTTL       = 10 * time.Minute
	maxUserInfo    = 1 << 20
)

var (
	ErrDisabled     = errors.New("oauth login is not configured")
	ErrInvalidState = errors.New("invalid oauth state")
)

// Provider builds login URLs and turns callbacks into Linux Do profiles.
type Provider struct {
	conf    *oauth2.Config
	userURL string
	states  cache.StateStore
	// HTTPClient is used for the token and user requests when set.
	HTTPClient *http.Client
}

func New(cfg config.OAuth2Config, states cache.StateStore) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"user:email:profile"}
	}
	return &Provider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
		},
		userURL: cfg.UserEndpoint,
		states:  states,
	}
}

func (p *Provider) enabled() bool {
	return p != nil && p.conf.ClientID != "" && p.conf.Endpoint.AuthURL != "" && p.conf.Endpoint.TokenURL != "" && p.userURL != ""
}

func (p *Provider) ctx(ctx context.Context) context.Context {
	if p.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	return ctx
}

// LoginURL stores a fresh state and returns the authorization URL carrying it.
func (p *Provider) LoginURL(ctx context.Context) (string, error) {
	if !p.enabled() {
		return "", ErrDisabled
	}
	state := uuid.NewString()
	if err := p.states.Put(ctx, fmt.Sprintf(stateKeyFormat, state), state, StateTTL); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return p.conf.AuthCodeURL(state), nil
}

type userInfo struct {
	ID         json.Number `json:"id"`
	Username   string      `json:"username"`
	Name       string      `json:"name"`
	Active     bool        `json:"active"`
	AvatarURL  string      `json:"avatar_url"`
	TrustLevel int         `json:"trust_level"`
}

// Exchange consumes state, trades code for a token and fetches the user
// behind it. A state is accepted once.
func (p *Provider) Exchange(ctx context.Context, state, code string) (engine.LinuxDoProfile, error) {
	if !p.enabled() {
		return engine.LinuxDoProfile{}, ErrDisabled
	}
	if state == "" || code == "" {
		return engine.LinuxDoProfile{}, ErrInvalidState
	}
	stored, err := p.states.Take(ctx, fmt.Sprintf(stateKeyFormat, state))
	if errors.Is(err, cache.ErrStateNotFound) || (err == nil && stored != state) {
		return engine.LinuxDoProfile{}, ErrInvalidState
	}
	if err != nil {
		return engine.LinuxDoProfile{}, fmt.Errorf("load oauth state: %w", err)
	}

	ctx = p.ctx(ctx)
	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return engine.LinuxDoProfile{}, fmt.Errorf("exchange code: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userURL, nil)
	if err != nil {
		return engine.LinuxDoProfile{}, err
	}
	resp, err := p.conf.Client(ctx, token).Do(req)
	if err != nil {
		return engine.LinuxDoProfile{}, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfo))
	if err != nil {
		return engine.LinuxDoProfile{}, fmt.Errorf("read user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return engine.LinuxDoProfile{}, fmt.Errorf("user info returned %d", resp.StatusCode)
	}
	var info userInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return engine.LinuxDoProfile{}, fmt.Errorf("decode user info: %w", err)
	}
	if _, err := strconv.ParseUint(info.ID.String(), 10, 64); err != nil {
		return engine.LinuxDoProfile{}, fmt.Errorf("user info has invalid id %q", info.ID)
	}
	log.WithFields(log.Fields{"linuxdo_id": info.ID.String(), "username": info.Username}).Info("oauth login")
	return engine.LinuxDoProfile{
		ID:         info.ID.String(),
		Username:   info.Username,
		Name:       info.Name,
		AvatarURL:  info.AvatarURL,
		TrustLevel: info.TrustLevel,
		Active:     info.Active,
	}, nil
}
