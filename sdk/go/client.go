package cdksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Linux Do CDK HTTP API client. It authenticates with
// an API key or, after Login, with the session cookie.
type Client struct {
	BaseURL    string
	BasePath   string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID                string    `json:"id"`
	OwnerID           int64     `json:"owner_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	DistributionType  string    `json:"distribution_type"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	MinimumTrustLevel int       `json:"minimum_trust_level"`
	AllowSameIP       bool      `json:"allow_same_ip"`
	RiskLevel         int       `json:"risk_level"`
	Status            string    `json:"status"`
	TotalItems        int       `json:"total_items"`
	Tags              []string  `json:"tags"`
}

// NewProject is the body of CreateProject.
type NewProject struct {
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	MinimumTrustLevel int       `json:"minimum_trust_level"`
	AllowSameIP       bool      `json:"allow_same_ip"`
	RiskLevel         int       `json:"risk_level"`
	Tags              []string  `json:"tags,omitempty"`
	DistributionType  string    `json:"distribution_type"`
	Items             string    `json:"items"`
	AllowDuplicates   bool      `json:"allow_duplicates,omitempty"`
}

// ClaimResult is returned by Claim.
type ClaimResult struct {
	Success       bool   `json:"success"`
	Code          string `json:"code,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ApplicationID int64  `json:"application_id,omitempty"`
	Status        string `json:"status,omitempty"`
}

// ImportResult is returned by ImportItems.
type ImportResult struct {
	ImportedCount int `json:"imported_count"`
	SkippedCount  int `json:"skipped_count"`
}

// User represents the current account.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Nickname   string `json:"nickname"`
	TrustLevel int    `json:"trust_level"`
	IsAdmin    bool   `json:"is_admin"`
	Banned     bool   `json:"banned"`
}

// ReceivedItem is one code held by the caller.
type ReceivedItem struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Content     string    `json:"content"`
	ReceivedAt  time.Time `json:"received_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int               `json:"-"`
	Message    string            `json:"error"`
	Reason     string            `json:"reason"`
	Fields     map[string]string `json:"fields"`
	Body       string            `json:"-"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api error: status=%d reason=%s: %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login opens a session; later calls carry its cookie.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	if err := c.ensureHTTP(); err != nil {
		return User{}, err
	}
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	return resp.User, err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateProject publishes a project with its initial codes.
func (c *Client) CreateProject(ctx context.Context, p NewProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", p, &resp)
	return resp, err
}

// Claim takes a code from a ONE_FOR_EACH project or applies to an INVITE
// project with reason.
func (c *Client) Claim(ctx context.Context, projectID, reason string) (ClaimResult, error) {
	body := map[string]string{"project_id": projectID}
	if reason != "" {
		body["reason"] = reason
	}
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "claim", body, &resp)
	return resp, err
}

// ImportItems appends newline separated codes to a project.
func (c *Client) ImportItems(ctx context.Context, projectID, items string, allowDuplicates bool) (ImportResult, error) {
	var resp ImportResult
	endpoint := fmt.Sprintf("projects/%s/items", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{
		"items":            items,
		"allow_duplicates": allowDuplicates,
	}, &resp)
	return resp, err
}

// Received lists codes the caller holds.
func (c *Client) Received(ctx context.Context, page, size int) ([]ReceivedItem, int, error) {
	var resp struct {
		Items []ReceivedItem `json:"items"`
		Total int            `json:"total"`
	}
	endpoint := fmt.Sprintf("received?current=%d&size=%d", max(page, 1), max(size, 1))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, resp.Total, err
}

// Decide approves or rejects an application to one of the caller's projects.
func (c *Client) Decide(ctx context.Context, applicationID int64, approve bool) error {
	endpoint := fmt.Sprintf("applications/%d/decision", applicationID)
	return c.do(ctx, http.MethodPost, endpoint, map[string]bool{"approve": approve}, nil)
}

func (c *Client) ensureHTTP() error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.HTTPClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return err
		}
		c.HTTPClient.Jar = jar
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if err := c.ensureHTTP(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
