package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cdk/internal/cache"
	"cdk/internal/config"
	"cdk/internal/db"
	"cdk/internal/domain"
	"cdk/internal/engine"
	"cdk/internal/engine/auth"
	"cdk/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	close  func()
}

func (s *testServer) Close() { s.close() }

func (s *testServer) api(p string) string { return s.URL + "/api/v1" + p }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	auth.BcryptCost = bcrypt.MinCost
	conn, err := db.Open(db.Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.ProjectApp.CreateProjectRateLimit = nil
	cfg.ProjectApp.HiddenThreshold = 2
	e := engine.New(conn, cfg, cache.NewMemory())
	handler, err := New(Config{Engine: e, BasePath: "/api/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func (s *testServer) user(t *testing.T, name string, trust domain.TrustLevel, admin bool) domain.User {
	t.Helper()
	u, err := s.Engine.CreateLocalUser(context.Background(), engine.NewUser{
		Username:   name,
		Password:   "password1",
		TrustLevel: trust,
		IsAdmin:    admin,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

// login returns a client holding a session cookie for username.
func (s *testServer) login(t *testing.T, username string) *http.Client {
	t.Helper()
	client := newClient(t)
	res, data := doJSON(t, client, http.MethodPost, s.api("/auth/login"), map[string]string{
		"username": username,
		"password": "password1",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	return client
}

func projectBody(name, dist, items string) map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"name":                name,
		"description":         "test giveaway",
		"start_time":          now.Add(-time.Hour).Format(time.RFC3339),
		"end_time":            now.Add(24 * time.Hour).Format(time.RFC3339),
		"minimum_trust_level": 0,
		"allow_same_ip":       true,
		"risk_level":          100,
		"tags":                []string{"keys"},
		"distribution_type":   dist,
		"items":               items,
	}
}

func (s *testServer) createProject(t *testing.T, client *http.Client, dist, items string) domain.Project {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, s.api("/projects"), projectBody("giveaway", dist, items), nil)
	expectStatus(t, res, data, http.StatusCreated)
	return decode[domain.Project](t, data)
}

func TestLoginSessionCookie(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "alice", 1, false)

	client := newClient(t)
	res, data := doJSON(t, client, http.MethodPost, srv.api("/auth/login"), map[string]string{
		"username": "alice",
		"password": "password1",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == "linux_do_cdk_session_id" {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected session cookie, got %v", res.Header.Values("Set-Cookie"))
	}
	if !cookie.HttpOnly {
		t.Fatalf("session cookie must be HttpOnly")
	}
	session := decode[SessionResponse](t, data)
	if session.User.Username != "alice" || !session.User.HasPassword {
		t.Fatalf("unexpected session user: %+v", session.User)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.api("/me"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if me := decode[UserResponse](t, data); me.Username != "alice" {
		t.Fatalf("me = %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.api("/auth/logout"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	// logout revokes the session server side, so replaying the old token fails too
	replay := newClient(t)
	res, data = doJSON(t, replay, http.MethodGet, srv.api("/me"), nil, map[string]string{
		"Cookie": cookie.Name + "=" + cookie.Value,
	})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestWrongPasswordIsUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "alice", 1, false)
	res, data := doJSON(t, newClient(t), http.MethodPost, srv.api("/auth/login"), map[string]string{
		"username": "alice",
		"password": "nope-nope",
	}, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestMissingSessionIsUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	for _, p := range []string{"/me", "/projects", "/received", "/tags"} {
		res, data := doJSON(t, newClient(t), http.MethodGet, srv.api(p), nil, nil)
		expectStatus(t, res, data, http.StatusUnauthorized)
		body := decode[map[string]any](t, data)
		if body["success"] != false || body["error"] == "" {
			t.Fatalf("unexpected error envelope for %s: %s", p, string(data))
		}
	}

	res, data := doJSON(t, newClient(t), http.MethodGet, srv.api("/me"), nil, map[string]string{
		"Cookie": "linux_do_cdk_session_id=garbage",
	})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestPublicRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := newClient(t)

	res, data := doJSON(t, client, http.MethodGet, srv.api("/health"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.api("/openapi.json"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	spec := decode[map[string]any](t, data)
	paths, _ := spec["paths"].(map[string]any)
	if _, ok := paths["/api/v1/claim"]; !ok {
		t.Fatalf("openapi missing /api/v1/claim")
	}

	// OAuth is not configured in tests
	res, data = doJSON(t, client, http.MethodGet, srv.api("/oauth/login"), nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestBannedUserIsForbidden(t *testing.T) {
	srv := newTestServer(t)
	admin := srv.user(t, "root", 4, true)
	bob := srv.user(t, "bob", 1, false)
	client := srv.login(t, "bob")

	adminClient := srv.login(t, "root")
	res, data := doJSON(t, adminClient, http.MethodPut, srv.api("/admin/users/"+itoa(bob.ID)+"/ban"), map[string]any{
		"banned": true,
		"reason": "spam",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if u := decode[UserResponse](t, data); !u.Banned {
		t.Fatalf("expected banned user, got %+v", u)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.api("/me"), nil, nil)
	expectStatus(t, res, data, http.StatusForbidden)
	if body := decode[map[string]any](t, data); body["reason"] != string(domain.ReasonBanned) {
		t.Fatalf("expected BANNED reason: %s", string(data))
	}

	if _, err := srv.Engine.SetBan(context.Background(), bob.ID, false, "", admin.ID); err != nil {
		t.Fatalf("unban: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.api("/me"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "bob", 1, false)
	client := srv.login(t, "bob")
	for _, p := range []string{"/admin/users", "/admin/projects", "/dashboard/stats"} {
		res, data := doJSON(t, client, http.MethodGet, srv.api(p), nil, nil)
		expectStatus(t, res, data, http.StatusForbidden)
	}
}

func TestClaimFlow(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "owner", 2, false)
	srv.user(t, "alice", 1, false)
	srv.user(t, "bob", 1, false)
	srv.user(t, "carol", 1, false)
	owner := srv.login(t, "owner")
	p := srv.createProject(t, owner, "ONE_FOR_EACH", "CODE-1\nCODE-2\nCODE-1")
	if p.TotalItems != 2 {
		t.Fatalf("expected 2 items after de-dup, got %d", p.TotalItems)
	}

	alice := srv.login(t, "alice")
	res, data := doJSON(t, alice, http.MethodPost, srv.api("/claim"), map[string]any{"project_id": p.ID}, nil)
	expectStatus(t, res, data, http.StatusOK)
	first := decode[engine.ClaimResult](t, data)
	if !first.Success || first.Code != "CODE-1" {
		t.Fatalf("first claim = %+v", first)
	}

	res, data = doJSON(t, alice, http.MethodPost, srv.api("/claim"), map[string]any{"project_id": p.ID}, nil)
	expectStatus(t, res, data, http.StatusConflict)
	if body := decode[map[string]any](t, data); body["reason"] != string(domain.ReasonAlreadyClaimed) {
		t.Fatalf("expected ALREADY_CLAIMED: %s", string(data))
	}

	bob := srv.login(t, "bob")
	res, data = doJSON(t, bob, http.MethodPost, srv.api("/claim"), map[string]any{"project_id": p.ID}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[engine.ClaimResult](t, data); got.Code != "CODE-2" {
		t.Fatalf("second claim = %+v", got)
	}

	carol := srv.login(t, "carol")
	res, data = doJSON(t, carol, http.MethodPost, srv.api("/claim"), map[string]any{"project_id": p.ID}, nil)
	expectStatus(t, res, data, http.StatusConflict)
	if body := decode[apiErrorBody](t, data); body.Reason != string(domain.ReasonPoolExhausted) {
		t.Fatalf("expected POOL_EXHAUSTED: %s", string(data))
	}

	res, data = doJSON(t, alice, http.MethodGet, srv.api("/received"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	received := decode[engine.ReceivedList](t, data)
	if received.Total != 1 || received.Items[0].Content != "CODE-1" {
		t.Fatalf("received = %+v", received)
	}

	res, data = doJSON(t, owner, http.MethodGet, srv.api("/projects/"+p.ID+"/receivers"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if receivers := decode[engine.ReceiverList](t, data); receivers.Total != 2 {
		t.Fatalf("receivers = %+v", receivers)
	}

	res, data = doJSON(t, alice, http.MethodGet, srv.api("/projects/"+p.ID+"/receivers"), nil, nil)
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, owner, http.MethodGet, srv.api("/projects/"+p.ID), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if view := decode[ProjectViewResponse](t, data); view.EffectiveStatus != string(domain.StatusCompleted) {
		t.Fatalf("expected COMPLETED, got %s", view.EffectiveStatus)
	}

	res, data = doJSON(t, owner, http.MethodDelete, srv.api("/projects/"+p.ID), nil, nil)
	expectStatus(t, res, data, http.StatusConflict)
}

func TestClaimUnknownProject(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "alice", 1, false)
	alice := srv.login(t, "alice")
	res, data := doJSON(t, alice, http.MethodPost, srv.api("/claim"), map[string]any{"project_id": "missing"}, nil)
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestInviteApplication(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "owner", 2, false)
	srv.user(t, "alice", 1, false)
	owner := srv.login(t, "owner")
	p := srv.createProject(t, owner, "INVITE", "INV-1")

	alice := srv.login(t, "alice")
	res, data := doJSON(t, alice, http.MethodPost, srv.api("/claim"), map[string]any{
		"project_id": p.ID,
		"reason":     "please",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	applied := decode[engine.ClaimResult](t, data)
	if applied.ApplicationID == 0 || applied.Status != domain.ApplicationPending {
		t.Fatalf("apply = %+v", applied)
	}

	res, data = doJSON(t, owner, http.MethodGet, srv.api("/projects/"+p.ID+"/applications?status=PENDING"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if list := decode[engine.ApplicationList](t, data); list.Total != 1 {
		t.Fatalf("applications = %+v", list)
	}

	res, data = doJSON(t, owner, http.MethodGet, srv.api("/projects/"+p.ID), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if view := decode[ProjectViewResponse](t, data); view.PendingApplications != 1 {
		t.Fatalf("owner view pending = %d", view.PendingApplications)
	}
	res, data = doJSON(t, alice, http.MethodGet, srv.api("/projects/"+p.ID), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if view := decode[ProjectViewResponse](t, data); view.PendingApplications != 0 || view.Application == nil {
		t.Fatalf("applicant view = %+v", view)
	}

	res, data = doJSON(t, alice, http.MethodPost, srv.api("/applications/"+itoa(applied.ApplicationID)+"/decision"), map[string]any{"approve": true}, nil)
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, owner, http.MethodPost, srv.api("/applications/"+itoa(applied.ApplicationID)+"/decision"), map[string]any{"approve": true}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if app := decode[domain.Application](t, data); app.Status != domain.ApplicationApproved {
		t.Fatalf("decision = %+v", app)
	}

	res, data = doJSON(t, owner, http.MethodPost, srv.api("/applications/"+itoa(applied.ApplicationID)+"/decision"), map[string]any{"approve": false}, nil)
	expectStatus(t, res, data, http.StatusConflict)
}

func TestCreateProjectValidationEnvelope(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "owner", 2, false)
	owner := srv.login(t, "owner")

	res, data := doJSON(t, owner, http.MethodPost, srv.api("/projects"), projectBody("  ", "ONE_FOR_EACH", "A"), nil)
	expectStatus(t, res, data, http.StatusBadRequest)
	body := decode[apiErrorBody](t, data)
	if body.Success || body.Fields["name"] == "" {
		t.Fatalf("expected name field error: %s", string(data))
	}

	bad := projectBody("giveaway", "LOTTERY", "A")
	res, data = doJSON(t, owner, http.MethodPost, srv.api("/projects"), bad, nil)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, owner, http.MethodPost, srv.api("/projects"), map[string]any{"name": "x"}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
}

type apiErrorBody struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Reason  string            `json:"reason"`
	Fields  map[string]string `json:"fields"`
}

func TestImportAndUploadItems(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "owner", 2, false)
	owner := srv.login(t, "owner")
	p := srv.createProject(t, owner, "ONE_FOR_EACH", "A\nB")

	res, data := doJSON(t, owner, http.MethodPost, srv.api("/projects/"+p.ID+"/items"), map[string]any{
		"items": "B\nC\nC\n\nD",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	imported := decode[ImportResponse](t, data)
	if imported.ImportedCount != 2 || imported.SkippedCount != 2 {
		t.Fatalf("import = %+v", imported)
	}

	upload := func(filename, body string) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodPost, srv.api("/projects/"+p.ID+"/items/upload?filename="+filename), strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "text/plain")
		res, err := owner.Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		return res, data
	}

	res, data = upload("codes.txt", "E\r\nF\r\nA\r\n")
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[ImportResponse](t, data); got.ImportedCount != 2 || got.SkippedCount != 1 {
		t.Fatalf("upload = %+v", got)
	}

	res, data = upload("codes.csv", "G")
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, owner, http.MethodGet, srv.api("/projects/"+p.ID), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if view := decode[ProjectViewResponse](t, data); view.AvailableItems != 6 {
		t.Fatalf("expected 6 available items, got %d", view.AvailableItems)
	}

	srv.user(t, "mallory", 1, false)
	mallory := srv.login(t, "mallory")
	res, data = doJSON(t, mallory, http.MethodPost, srv.api("/projects/"+p.ID+"/items"), map[string]any{"items": "X"}, nil)
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestReportAndExplore(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "owner", 2, false)
	srv.user(t, "alice", 1, false)
	srv.user(t, "bob", 1, false)
	owner := srv.login(t, "owner")
	p := srv.createProject(t, owner, "ONE_FOR_EACH", "A\nB")

	alice := srv.login(t, "alice")
	res, data := doJSON(t, alice, http.MethodGet, srv.api("/projects?tags=keys"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if list := decode[ProjectListResponse](t, data); list.Total != 1 || list.Items[0].ID != p.ID {
		t.Fatalf("explore = %+v", list)
	}

	res, data = doJSON(t, alice, http.MethodPost, srv.api("/projects/"+p.ID+"/report"), map[string]any{"reason": "fake codes"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, alice, http.MethodPost, srv.api("/projects/"+p.ID+"/report"), map[string]any{"reason": "again"}, nil)
	expectStatus(t, res, data, http.StatusConflict)

	bob := srv.login(t, "bob")
	res, data = doJSON(t, bob, http.MethodPost, srv.api("/projects/"+p.ID+"/report"), map[string]any{"reason": "spam"}, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, alice, http.MethodGet, srv.api("/projects"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if list := decode[ProjectListResponse](t, data); list.Total != 0 {
		t.Fatalf("reported project should be hidden: %+v", list)
	}
}

func TestPauseResume(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "owner", 2, false)
	srv.user(t, "alice", 1, false)
	owner := srv.login(t, "owner")
	p := srv.createProject(t, owner, "ONE_FOR_EACH", "A")

	res, data := doJSON(t, owner, http.MethodPost, srv.api("/projects/"+p.ID+"/pause"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[domain.Project](t, data); got.Status != domain.StatusPaused {
		t.Fatalf("pause = %+v", got)
	}

	alice := srv.login(t, "alice")
	res, data = doJSON(t, alice, http.MethodPost, srv.api("/claim"), map[string]any{"project_id": p.ID}, nil)
	expectStatus(t, res, data, http.StatusForbidden)
	if body := decode[apiErrorBody](t, data); body.Reason != string(domain.ReasonNotActive) {
		t.Fatalf("expected NOT_ACTIVE: %s", string(data))
	}

	res, data = doJSON(t, owner, http.MethodPost, srv.api("/projects/"+p.ID+"/resume"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, alice, http.MethodPost, srv.api("/claim"), map[string]any{"project_id": p.ID}, nil)
	expectStatus(t, res, data, http.StatusOK)
}

func TestAccountAndTags(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "alice", 1, false)
	alice := srv.login(t, "alice")

	res, data := doJSON(t, alice, http.MethodPut, srv.api("/account/basic"), map[string]any{
		"nickname": "Alice A",
		"email":    "alice@example.com",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if u := decode[UserResponse](t, data); u.Nickname != "Alice A" || u.Email != "alice@example.com" {
		t.Fatalf("basic = %+v", u)
	}

	res, data = doJSON(t, alice, http.MethodPut, srv.api("/account/password"), map[string]any{
		"current_password": "wrong-one",
		"new_password":     "password2",
	}, nil)
	if res.StatusCode < 400 {
		t.Fatalf("wrong current password accepted: %s", string(data))
	}
	res, data = doJSON(t, alice, http.MethodPut, srv.api("/account/password"), map[string]any{
		"current_password": "password1",
		"new_password":     "password2",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, alice, http.MethodPost, srv.api("/tags"), map[string]any{"name": "games"}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, alice, http.MethodPost, srv.api("/tags"), map[string]any{"name": "games"}, nil)
	expectStatus(t, res, data, http.StatusConflict)
	res, data = doJSON(t, alice, http.MethodGet, srv.api("/tags"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if tags := decode[TagListResponse](t, data); len(tags.Items) != 1 || tags.Items[0] != "games" {
		t.Fatalf("tags = %+v", tags)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "alice", 1, false)
	alice := srv.login(t, "alice")
	res, data := doJSON(t, alice, http.MethodPost, srv.api("/account/api-keys"), map[string]any{"name": "cli"}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	key := decode[APIKeyResponse](t, data)
	if !strings.HasPrefix(key.Key, "cdk_") {
		t.Fatalf("unexpected key %q", key.Key)
	}

	res, data = doJSON(t, newClient(t), http.MethodGet, srv.api("/me"), nil, map[string]string{apiKeyHeader: key.Key})
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, newClient(t), http.MethodGet, srv.api("/me"), nil, map[string]string{apiKeyHeader: "cdk_bogus"})
	expectStatus(t, res, data, http.StatusUnauthorized)

	var lastUsed *string
	if err := srv.Engine.Repo.DB.QueryRow(`SELECT last_used_at FROM api_keys WHERE id=?`, key.ID).Scan(&lastUsed); err != nil {
		t.Fatalf("read last_used_at: %v", err)
	}
	if lastUsed == nil || *lastUsed == "" {
		t.Fatalf("api key use not recorded")
	}

	res, data = doJSON(t, alice, http.MethodGet, srv.api("/account/api-keys"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if strings.Contains(string(data), key.Key) {
		t.Fatalf("key listing leaks the secret: %s", string(data))
	}
	keys := decode[[]APIKeySummary](t, data)
	if len(keys) != 1 || keys[0].ID != key.ID || keys[0].Name != "cli" {
		t.Fatalf("keys = %+v", keys)
	}

	srv.user(t, "bob", 1, false)
	bob := srv.login(t, "bob")
	res, data = doJSON(t, bob, http.MethodDelete, srv.api("/account/api-keys/"+key.ID), nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, alice, http.MethodDelete, srv.api("/account/api-keys/"+key.ID), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, newClient(t), http.MethodGet, srv.api("/me"), nil, map[string]string{apiKeyHeader: key.Key})
	expectStatus(t, res, data, http.StatusUnauthorized)
	res, data = doJSON(t, alice, http.MethodGet, srv.api("/account/api-keys"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if keys := decode[[]APIKeySummary](t, data); len(keys) != 0 {
		t.Fatalf("keys after delete = %+v", keys)
	}
}

func TestAdminListsProjectReports(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "owner", 2, false)
	srv.user(t, "alice", 1, false)
	srv.user(t, "root", 4, true)
	owner := srv.login(t, "owner")
	p := srv.createProject(t, owner, "ONE_FOR_EACH", "A")

	alice := srv.login(t, "alice")
	res, data := doJSON(t, alice, http.MethodPost, srv.api("/projects/"+p.ID+"/report"), map[string]any{"reason": "fake codes"}, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, alice, http.MethodGet, srv.api("/admin/projects/"+p.ID+"/reports"), nil, nil)
	expectStatus(t, res, data, http.StatusForbidden)

	admin := srv.login(t, "root")
	res, data = doJSON(t, admin, http.MethodGet, srv.api("/admin/projects/"+p.ID+"/reports"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	reports := decode[[]domain.Report](t, data)
	if len(reports) != 1 || reports[0].Reason != "fake codes" {
		t.Fatalf("reports = %+v", reports)
	}
	res, data = doJSON(t, admin, http.MethodGet, srv.api("/admin/projects/missing/reports"), nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestDashboardForAdmin(t *testing.T) {
	srv := newTestServer(t)
	srv.user(t, "root", 4, true)
	admin := srv.login(t, "root")
	res, data := doJSON(t, admin, http.MethodGet, srv.api("/dashboard/stats?days=7"), nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	stats := decode[engine.DashboardStats](t, data)
	if stats.Days != 7 || len(stats.ClaimTrend) != 7 {
		t.Fatalf("stats = %+v", stats)
	}
	res, data = doJSON(t, admin, http.MethodGet, srv.api("/dashboard/stats?days=91"), nil, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
		bodies   [][]byte
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get(signatureHeader))
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer hook.Close()

	srv := newTestServer(t)
	srv.Engine.Config.Webhooks = []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"project.created"},
		Secret: "s3cret",
	}}
	d := newWebhookDispatcher(srv.Engine, time.Hour)
	ctx := context.Background()
	d.dispatchAll(ctx)

	srv.user(t, "owner", 2, false)
	owner := srv.login(t, "owner")
	p := srv.createProject(t, owner, "ONE_FOR_EACH", "A")
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	if received[0].Type != "project.created" || received[0].ProjectID != p.ID {
		t.Fatalf("delivery = %+v", received[0])
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(bodies[0])
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); sigs[0] != want {
		t.Fatalf("signature %q, want %q", sigs[0], want)
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter([]string{" ", ""})
	if !all.match("item.claimed") {
		t.Fatalf("blank filter should match everything")
	}
	some := newEventFilter([]string{"item.claimed"})
	if !some.match("item.claimed") || some.match("project.created") {
		t.Fatalf("filter mismatch")
	}
	glob := newEventFilter([]string{"project.*"})
	if !glob.match("project.reopened") || glob.match("item.claimed") {
		t.Fatalf("glob filter mismatch")
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		ids      []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ids = append(ids, r.Header.Get(deliveryHeader))
	}))
	defer hook.Close()

	srv := newTestServer(t)
	disabled := false
	srv.Engine.Config.Webhooks = []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"project.*"}},
		{URL: hook.URL, Enabled: &disabled},
	}
	d := newWebhookDispatcher(srv.Engine, time.Hour)
	if len(d.targets) != 1 {
		t.Fatalf("expected disabled hook to be skipped, got %d targets", len(d.targets))
	}
	ctx := context.Background()
	d.dispatchAll(ctx)

	srv.user(t, "owner", 2, false)
	owner := srv.login(t, "owner")
	srv.createProject(t, owner, "ONE_FOR_EACH", "A")
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 || len(ids) != 1 || ids[0] == "" {
		t.Fatalf("attempts=%d deliveries=%v", attempts, ids)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
