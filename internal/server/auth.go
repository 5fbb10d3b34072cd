package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"caliber/internal/engine"
)

type AuthConfig struct {
	AdminKey string
	Logger   *log.Logger
}

// Principal identifies the caller. Admin principals come from the API key;
// candidate principals are session tokens scoped to one assessment.
type Principal struct {
	ActorID      string
	AssessmentID string
	Source       string
}

func (p Principal) Admin() bool { return p.Source == "api_key" }

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requireAdmin rejects candidate sessions on operator-only routes.
func requireAdmin(ctx context.Context) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !p.Admin() {
		return newAPIError(http.StatusForbidden, "forbidden", "admin access required", nil)
	}
	return nil
}

// requireAssessmentAccess lets admins reach any assessment and candidates
// reach only the one their session is bound to.
func requireAssessmentAccess(ctx context.Context, assessmentID string) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Admin() || p.AssessmentID == assessmentID {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "session not valid for this assessment", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			if apiKeyHeader != "" {
				if cfg.AdminKey == "" || subtle.ConstantTimeCompare([]byte(apiKeyHeader), []byte(cfg.AdminKey)) != 1 {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ctx := withPrincipal(req.Context(), Principal{ActorID: "admin", Source: "api_key"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				s, err := e.ValidateSession(req.Context(), token)
				if err != nil {
					respondStatusError(w, sessionError(err))
					return
				}
				ctx := withPrincipal(req.Context(), Principal{
					ActorID:      "candidate:" + s.ID,
					AssessmentID: s.AssessmentID,
					Source:       "session",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func sessionError(err error) huma.StatusError {
	switch err {
	case engine.ErrSessionRevoked:
		return newAPIError(http.StatusUnauthorized, "session_revoked", "session has been revoked", nil)
	case engine.ErrSessionExpired:
		return newAPIError(http.StatusUnauthorized, "session_expired", "session has expired", nil)
	default:
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
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
