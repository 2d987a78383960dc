package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"cdk/internal/domain"
	"cdk/internal/engine"
)

const apiKeyHeader = "X-Api-Key"

// Principal is the authenticated caller of a request.
type Principal struct {
	User      domain.User
	SessionID string
	Source    string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.User.ID > 0
}

func userFromContext(ctx context.Context) (domain.User, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p.User, nil
	}
	return domain.User{}, newAPIError(http.StatusUnauthorized, "", "authentication required", nil)
}

func requireAdmin(ctx context.Context) (domain.User, huma.StatusError) {
	u, authErr := userFromContext(ctx)
	if authErr != nil {
		return u, authErr
	}
	if !u.IsAdmin {
		return u, handleError(engine.ForbiddenError{Reason: domain.ReasonNotAdmin, Message: "admin only"})
	}
	return u, nil
}

// sessionCookies builds the session cookie and its removal.
type sessionCookies struct {
	Name     string
	Domain   string
	Secure   bool
	HTTPOnly bool
}

func (c sessionCookies) set(token string, expires time.Time) http.Cookie {
	return http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  expires.UTC(),
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c sessionCookies) clear() http.Cookie {
	return http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// newAuthMiddleware resolves the session cookie or API key on every API
// request outside the public paths. Bans are checked on each request.
func newAuthMiddleware(basePath string, cookies sessionCookies, e engine.Engine) func(http.Handler) http.Handler {
	public := map[string]bool{}
	for _, p := range []string{"health", "openapi.json", "auth/login", "oauth/login", "oauth/callback"} {
		public[path.Join(basePath, p)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			if key := strings.TrimSpace(req.Header.Get(apiKeyHeader)); key != "" {
				u, err := e.AuthenticateAPIKey(req.Context(), key)
				if err != nil {
					respondStatusError(w, handleError(err))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{User: u, Source: "api_key"})))
				return
			}

			cookie, err := req.Cookie(cookies.Name)
			if err != nil || strings.TrimSpace(cookie.Value) == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "", "authentication required", nil))
				return
			}
			u, sid, err := e.Authenticate(req.Context(), cookie.Value)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{User: u, SessionID: sid, Source: "session"})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

// clientIP returns the caller address; RealIP has already applied proxy
// headers to RemoteAddr.
func clientIP(ctx context.Context) string {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}

func userAgent(ctx context.Context) string {
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		return req.UserAgent()
	}
	return ""
}
