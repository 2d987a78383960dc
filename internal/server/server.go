package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"cdk/internal/domain"
	"cdk/internal/engine"
	"cdk/internal/importer"
	"cdk/internal/oauth"
	"cdk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// OAuth is nil when third-party login is off.
	OAuth *oauth.Provider
	// SuccessRedirect is where the OAuth callback sends the browser.
	SuccessRedirect string
}

type requestKey struct{}

// apiError is the error envelope of every failed request.
type apiError struct {
	status  int
	Success bool              `json:"success"`
	Message string            `json:"error" example:"trust level 2 required"`
	Reason  string            `json:"reason,omitempty" example:"TRUST_TOO_LOW"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the CDK API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	appCfg := cfg.Engine.Config
	if appCfg == nil {
		return nil, errors.New("engine config is required")
	}
	cookies := sessionCookies{
		Name:     appCfg.Session.CookieName,
		Domain:   appCfg.Session.Domain,
		Secure:   appCfg.Session.Secure,
		HTTPOnly: appCfg.Session.HTTPOnly,
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, fieldErrors(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, fieldErrors(errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, accessLog, middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cookies, cfg.Engine))
	hcfg := huma.DefaultConfig("Linux Do CDK API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cookies)
	registerOAuth(group, cfg.Engine, cfg.OAuth, cookies, cfg.SuccessRedirect)
	registerClaims(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerReceived(group, cfg.Engine)
	registerTags(group, cfg.Engine)
	registerAccount(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cookies.Name)

	return router, nil
}

func newAPIError(status int, reason domain.Reason, message string, fields map[string]string) huma.StatusError {
	if message == "" {
		message = http.StatusText(status)
	}
	return &apiError{
		status:  status,
		Message: message,
		Reason:  string(reason),
		Fields:  fields,
	}
}

func fieldErrors(errs []error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	fields := map[string]string{}
	for _, err := range errs {
		var detail *huma.ErrorDetail
		if errors.As(err, &detail) {
			fields[strings.TrimPrefix(detail.Location, "body.")] = detail.Message
			continue
		}
		if err != nil {
			fields["request"] = err.Error()
		}
	}
	return fields
}

// handleError maps engine errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve engine.ValidationError
		ae engine.AuthError
		fe engine.ForbiddenError
		ne engine.NotFoundError
		ce engine.ConflictError
		re engine.RateLimitError
		se huma.StatusError
	)
	switch {
	case errors.As(err, &ve):
		var fields map[string]string
		if ve.Field != "" {
			fields = map[string]string{ve.Field: ve.Message}
		}
		return newAPIError(http.StatusBadRequest, "", ve.Error(), fields)
	case errors.As(err, &ae):
		return newAPIError(http.StatusUnauthorized, "", ae.Error(), nil)
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, fe.Reason, fe.Error(), nil)
	case errors.As(err, &ne):
		return newAPIError(http.StatusNotFound, domain.ReasonNotFound, ne.Error(), nil)
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, ce.Reason, ce.Error(), nil)
	case errors.As(err, &re):
		return newAPIError(http.StatusTooManyRequests, domain.ReasonRateLimited, re.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, domain.ReasonNotFound, "not found", nil)
	case errors.Is(err, importer.ErrUnsupportedFile), errors.Is(err, importer.ErrTooLarge), errors.Is(err, importer.ErrNotText):
		return newAPIError(http.StatusBadRequest, "", err.Error(), map[string]string{"file": err.Error()})
	case errors.Is(err, oauth.ErrInvalidState):
		return newAPIError(http.StatusBadRequest, "", err.Error(), map[string]string{"state": err.Error()})
	case errors.Is(err, oauth.ErrDisabled):
		return newAPIError(http.StatusNotFound, "", err.Error(), nil)
	case errors.As(err, &se):
		return se
	default:
		log.WithError(err).Error("request failed")
		return newAPIError(http.StatusInternalServerError, "", "internal error", nil)
	}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"ip":         r.RemoteAddr,
			"request_id": middleware.GetReqID(r.Context()),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath, cookieName string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, cookieName)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath, cookieName string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["sessionCookie"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "cookie",
		Name: cookieName,
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: apiKeyHeader,
	}
	security := []map[string][]string{
		{"sessionCookie": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{}
	for _, p := range []string{"health", "auth/login", "oauth/login", "oauth/callback"} {
		public[path.Join("/", basePath, p)] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Linux Do CDK API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with the session cookie from /auth/login or an X-Api-Key header.
    </p>
  </body>
</html>`, specURL)
}

type pageQuery struct {
	Current int `query:"current" default:"1" minimum:"1"`
	Size    int `query:"size" default:"20" minimum:"1" maximum:"100"`
}

func (q pageQuery) page() repo.Page {
	return repo.Page{Current: q.Current, Size: q.Size}.Normalize()
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type sessionOutput struct {
	SetCookie http.Cookie `header:"Set-Cookie"`
	Body      SessionResponse
}

func registerAuth(api huma.API, e engine.Engine, cookies sessionCookies) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in with username and password",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*sessionOutput, error) {
		tok, err := e.Login(ctx, engine.LoginOptions{
			Username:  input.Body.Username,
			Password:  input.Body.Password,
			IP:        clientIP(ctx),
			UserAgent: userAgent(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{
			SetCookie: cookies.set(tok.Token, tok.ExpiresAt),
			Body:      SessionResponse{ExpiresAt: tok.ExpiresAt.Format(time.RFC3339), User: userResponse(tok.User)},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "End the current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie http.Cookie `header:"Set-Cookie"`
		Body      OKResponse
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "", "authentication required", nil)
		}
		if p.SessionID != "" {
			if err := e.Logout(ctx, p.SessionID); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			SetCookie http.Cookie `header:"Set-Cookie"`
			Body      OKResponse
		}{SetCookie: cookies.clear(), Body: OKResponse{Success: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body UserResponse
		}{Body: userResponse(u)}, nil
	})
}

func registerOAuth(api huma.API, e engine.Engine, provider *oauth.Provider, cookies sessionCookies, successRedirect string) {
	if successRedirect == "" {
		successRedirect = "/"
	}
	huma.Register(api, huma.Operation{
		OperationID: "oauth-login",
		Method:      http.MethodGet,
		Path:        "/oauth/login",
		Summary:     "Linux Do authorization URL",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LoginURLResponse
	}, error) {
		if provider == nil {
			return nil, handleError(oauth.ErrDisabled)
		}
		u, err := provider.LoginURL(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginURLResponse
		}{Body: LoginURLResponse{URL: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "oauth-callback",
		Method:        http.MethodGet,
		Path:          "/oauth/callback",
		Summary:       "Finish Linux Do login",
		DefaultStatus: http.StatusFound,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Code  string `query:"code"`
	}) (*struct {
		Location  string      `header:"Location"`
		SetCookie http.Cookie `header:"Set-Cookie"`
	}, error) {
		if provider == nil {
			return nil, handleError(oauth.ErrDisabled)
		}
		profile, err := provider.Exchange(ctx, input.State, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := e.UpsertLinuxDoUser(ctx, profile)
		if err != nil {
			return nil, handleError(err)
		}
		tok, err := e.OpenSession(ctx, u, clientIP(ctx), userAgent(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Location  string      `header:"Location"`
			SetCookie http.Cookie `header:"Set-Cookie"`
		}{Location: successRedirect, SetCookie: cookies.set(tok.Token, tok.ExpiresAt)}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim",
		Method:      http.MethodPost,
		Path:        "/claim",
		Summary:     "Claim a code or apply to an INVITE project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimRequest
	}) (*struct {
		Body engine.ClaimResult
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Claim(ctx, engine.ClaimOptions{
			ProjectID: strings.TrimSpace(input.Body.ProjectID),
			UserID:    u.ID,
			IP:        clientIP(ctx),
			Reason:    input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClaimResult
		}{Body: res}, nil
	})
}

type projectPath struct {
	ID string `path:"id"`
}

type projectOutput struct {
	Body domain.Project
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  importer.MaxUploadBytes,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*projectOutput, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ProjectSettings:  input.Body.settings(),
			OwnerID:          u.ID,
			DistributionType: domain.DistributionType(input.Body.DistributionType),
			Items:            input.Body.Items,
			AllowDuplicates:  input.Body.AllowDuplicates,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "explore-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "Explore claimable projects",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		pageQuery
		Tags         []string `query:"tags,explode"`
		Search       string   `query:"search"`
		EligibleOnly bool     `query:"eligible"`
	}) (*struct {
		Body ProjectListResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page := input.page()
		list, err := e.ListExplore(ctx, u.ID, engine.ExploreQuery{
			Tags:         input.Tags,
			Search:       input.Search,
			EligibleOnly: input.EligibleOnly,
			Page:         page,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse
		}{Body: projectList(list, page.Current, page.Size)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-projects",
		Method:      http.MethodGet,
		Path:        "/projects/mine",
		Summary:     "Projects created by the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		pageQuery
	}) (*struct {
		Body ProjectListResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page := input.page()
		list, err := e.ListMine(ctx, u.ID, page)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse
		}{Body: projectList(list, page.Current, page.Size)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectViewResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.GetProjectView(ctx, input.ID, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectViewResponse
		}{Body: projectViewResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "update-project",
		Method:       http.MethodPut,
		Path:         "/projects/{id}",
		Summary:      "Update project",
		MaxBodyBytes: importer.MaxUploadBytes,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateProjectRequest
	}) (*projectOutput, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			ProjectSettings: input.Body.settings(),
			ID:              input.ID,
			UserID:          u.ID,
			Items:           input.Body.Items,
			AllowDuplicates: input.Body.AllowDuplicates,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{id}",
		Summary:     "Delete project",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body OKResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ID, u.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OKResponse
		}{Body: OKResponse{Success: true}}, nil
	})

	for _, t := range []struct {
		action string
		apply  func(context.Context, string, int64) (domain.Project, error)
	}{
		{"pause", e.PauseProject},
		{"resume", e.ResumeProject},
	} {
		apply := t.apply
		huma.Register(api, huma.Operation{
			OperationID: t.action + "-project",
			Method:      http.MethodPost,
			Path:        "/projects/{id}/" + t.action,
			Summary:     strings.ToUpper(t.action[:1]) + t.action[1:] + " project",
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
			u, authErr := userFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			p, err := apply(ctx, input.ID, u.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &projectOutput{Body: p}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "report-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/report",
		Summary:     "Report project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReportRequest
	}) (*struct {
		Body domain.Report
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Report(ctx, input.ID, u.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-receivers",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/receivers",
		Summary:     "Who received codes of a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		pageQuery
		ID     string `path:"id"`
		Search string `query:"search"`
	}) (*struct {
		Body engine.ReceiverList
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListReceivers(ctx, input.ID, u.ID, input.Search, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReceiverList
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/events",
		Summary:     "Recent audit events of a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"100"`
	}) (*struct {
		Body []EventResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ProjectEvents(ctx, input.ID, u.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse
		}{Body: out}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:  "import-items",
		Method:       http.MethodPost,
		Path:         "/projects/{id}/items",
		Summary:      "Append codes from text",
		MaxBodyBytes: importer.MaxUploadBytes,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ImportItemsRequest
	}) (*struct {
		Body ImportResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ImportItems(ctx, input.ID, u.ID, input.Body.Items, input.Body.AllowDuplicates)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse
		}{Body: ImportResponse{ImportedCount: res.ImportedCount, SkippedCount: res.SkippedCount}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "upload-items",
		Method:       http.MethodPost,
		Path:         "/projects/{id}/items/upload",
		Summary:      "Append codes from an uploaded text file",
		MaxBodyBytes: 2 * importer.MaxUploadBytes,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID              string `path:"id"`
		Filename        string `query:"filename" default:"items.txt"`
		AllowDuplicates bool   `query:"allow_duplicates"`
		RawBody         []byte `contentType:"text/plain"`
	}) (*struct {
		Body ImportResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		text, err := importer.ReadUpload(input.Filename, bytes.NewReader(input.RawBody))
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ImportItems(ctx, input.ID, u.ID, text, input.AllowDuplicates)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse
		}{Body: ImportResponse{ImportedCount: res.ImportedCount, SkippedCount: res.SkippedCount}}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/applications",
		Summary:     "Applications to an INVITE project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		pageQuery
		ID     string `path:"id"`
		Status string `query:"status" enum:"PENDING,APPROVED,REJECTED"`
	}) (*struct {
		Body engine.ApplicationList
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListApplications(ctx, input.ID, u.ID, domain.ApplicationStatus(input.Status), input.page())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ApplicationList
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/decision",
		Summary:     "Approve or reject an application",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body DecisionRequest
	}) (*struct {
		Body domain.Application
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.Decide(ctx, input.ID, u.ID, input.Body.Approve)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application
		}{Body: app}, nil
	})
}

func registerReceived(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-received",
		Method:      http.MethodGet,
		Path:        "/received",
		Summary:     "Codes received by the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		pageQuery
		Search string `query:"search"`
	}) (*struct {
		Body engine.ReceivedList
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListReceived(ctx, u.ID, input.Search, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReceivedList
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "received-chart",
		Method:      http.MethodGet,
		Path:        "/received/chart",
		Summary:     "Codes received per day",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"7"`
	}) (*struct {
		Body []domain.DayCount
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		days, err := e.ReceivedChart(ctx, u.ID, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DayCount
		}{Body: days}, nil
	})
}

func registerTags(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tags",
		Method:      http.MethodGet,
		Path:        "/tags",
		Summary:     "List tags",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TagListResponse
	}, error) {
		tags, err := e.ListTags(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TagListResponse
		}{Body: TagListResponse{Items: tags}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-tag",
		Method:        http.MethodPost,
		Path:          "/tags",
		Summary:       "Create tag",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTagRequest
	}) (*struct {
		Body TagResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name, err := e.CreateTag(ctx, u.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TagResponse
		}{Body: TagResponse{Name: name}}, nil
	})
}

func registerAccount(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "change-password",
		Method:      http.MethodPut,
		Path:        "/account/password",
		Summary:     "Change password",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ChangePasswordRequest
	}) (*struct {
		Body OKResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ChangePassword(ctx, u.ID, input.Body.CurrentPassword, input.Body.NewPassword); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OKResponse
		}{Body: OKResponse{Success: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-basic",
		Method:      http.MethodPut,
		Path:        "/account/basic",
		Summary:     "Update nickname, email and avatar",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body UpdateBasicRequest
	}) (*struct {
		Body UserResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := e.UpdateBasic(ctx, u.ID, engine.BasicProfile{
			Nickname:  input.Body.Nickname,
			Email:     input.Body.Email,
			AvatarURL: input.Body.AvatarURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse
		}{Body: userResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/account/api-keys",
		Summary:       "Create a personal API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := e.CreateAPIKey(ctx, u.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/account/api-keys",
		Summary:     "List personal API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeySummary
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeySummary
		}{Body: apiKeySummaries(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/account/api-keys/{id}",
		Summary:     "Revoke a personal API key",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OKResponse
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, u.ID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OKResponse
		}{Body: OKResponse{Success: true}}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-stats",
		Method:      http.MethodGet,
		Path:        "/dashboard/stats",
		Summary:     "Site statistics",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"7"`
	}) (*struct {
		Body engine.DashboardStats
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.DashboardStats(ctx, u.ID, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DashboardStats
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-users",
		Method:      http.MethodGet,
		Path:        "/admin/users",
		Summary:     "List users",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		pageQuery
	}) (*struct {
		Body []UserResponse
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.ListUsers(ctx, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse
		}{Body: mapUsers(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-ban-user",
		Method:      http.MethodPut,
		Path:        "/admin/users/{id}/ban",
		Summary:     "Ban or unban a user",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body BanRequest
	}) (*struct {
		Body UserResponse
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.SetBan(ctx, input.ID, input.Body.Banned, input.Body.Reason, admin.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-projects",
		Method:      http.MethodGet,
		Path:        "/admin/projects",
		Summary:     "List every project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		pageQuery
		IncludeDeleted bool `query:"include_deleted"`
	}) (*struct {
		Body ProjectListResponse
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		page := input.page()
		list, err := e.ListAllProjects(ctx, input.IncludeDeleted, page)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse
		}{Body: projectList(list, page.Current, page.Size)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-reports",
		Method:      http.MethodGet,
		Path:        "/admin/projects/{id}/reports",
		Summary:     "List reports filed against a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Report
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reports, err := e.ListReports(ctx, input.ID, admin.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Report
		}{Body: reports}, nil
	})
}
