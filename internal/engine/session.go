package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"caliber/internal/events"
	"caliber/internal/repo"
)

// DefaultSessionTTL bounds a candidate session independently of the
// assessment clock, which only starts on the first submission.
const DefaultSessionTTL = 2 * time.Hour

var (
	ErrSessionRevoked = errors.New("session revoked")
	ErrSessionExpired = errors.New("session expired")
	ErrInvalidSession = errors.New("invalid session token")
)

// IssueSession mints a candidate-scoped JWT bound to one assessment and
// records its hash. Validation later checks the stored row, so a finish can
// revoke outstanding tokens before they expire.
func (e Engine) IssueSession(ctx context.Context, assessmentID, actorID string, ttl time.Duration) (string, repo.Session, error) {
	if strings.TrimSpace(e.JWTSecret) == "" {
		return "", repo.Session{}, errors.New("jwt secret not configured")
	}
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return "", repo.Session{}, err
	}
	if a.Finished() {
		return "", repo.Session{}, ErrAssessmentFinished
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := e.now().UTC()
	expires := now.Add(ttl)
	sessionID := uuid.New().String()

	claims := jwt.RegisteredClaims{
		ID:        sessionID,
		Subject:   a.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e.JWTSecret))
	if err != nil {
		return "", repo.Session{}, err
	}

	s := repo.Session{
		ID:           sessionID,
		AssessmentID: a.ID,
		TokenHash:    repo.HashToken(token),
		CreatedAt:    now.Format(time.RFC3339),
		ExpiresAt:    expires.Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", repo.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return "", repo.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSessionIssued, a.ID, "session", s.ID, actorID, events.EventPayload{
		"expires_at": s.ExpiresAt,
	}); err != nil {
		return "", repo.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", repo.Session{}, err
	}
	return token, s, nil
}

// ValidateSession checks signature, stored state and expiry of a candidate
// token and returns the session it resolves to. Tokens for revoked sessions
// fail even before their JWT expiry.
func (e Engine) ValidateSession(ctx context.Context, token string) (repo.Session, error) {
	if strings.TrimSpace(e.JWTSecret) == "" {
		return repo.Session{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(e.now),
	)
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(e.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return repo.Session{}, ErrSessionExpired
		}
		return repo.Session{}, ErrInvalidSession
	}
	s, err := e.Repo.GetSessionByHash(ctx, repo.HashToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return repo.Session{}, ErrInvalidSession
		}
		return repo.Session{}, err
	}
	if s.RevokedAt != nil {
		return repo.Session{}, ErrSessionRevoked
	}
	if expires, err := time.Parse(time.RFC3339, s.ExpiresAt); err == nil {
		if e.now().After(expires) {
			return repo.Session{}, ErrSessionExpired
		}
	}
	if claims.Subject != s.AssessmentID {
		return repo.Session{}, ErrInvalidSession
	}
	return s, nil
}
