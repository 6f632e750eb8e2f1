package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/auth"
)

type authContextKey string

const contextKeySession authContextKey = "nut-session"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.authenticated(false, next)
}

// requireStreamAuth also accepts the token as an access_token query
// parameter, since browsers cannot set headers on WebSocket or EventSource
// requests.
func (r *Router) requireStreamAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.authenticated(true, next)
}

// requireRole restricts a handler to profiles with the given role.
func (r *Router) requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		session, ok := sessionFromContext(req.Context())
		if !ok {
			r.logger.Error("auth context missing", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		if session.Profile.Role != role {
			writeError(w, http.StatusForbidden, "this action requires the "+role+" role")
			return
		}
		if role == domain.RoleEntreprise && session.CompanyID() == "" {
			writeError(w, http.StatusForbidden, "no company is linked to this account")
			return
		}
		next(w, req)
	}
}

func (r *Router) authenticated(allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req, allowQuery)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the bearer token and stores the session in the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request, allowQuery bool) (context.Context, *auth.Session, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil && allowQuery {
		if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" {
			token, err = q, nil
		}
	}
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), nil, false
	}
	session, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), nil, false
	}
	ctx := context.WithValue(req.Context(), contextKeySession, session)
	return ctx, session, true
}

// sessionFromContext extracts the caller's session.
func sessionFromContext(ctx context.Context) (*auth.Session, bool) {
	session, ok := ctx.Value(contextKeySession).(*auth.Session)
	return session, ok && session != nil && session.Profile != nil
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
