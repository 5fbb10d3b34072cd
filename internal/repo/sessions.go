package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
)

// HashToken returns a stable SHA-256 hex digest for a session token. Only
// the hash is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

type Session struct {
	ID           string
	AssessmentID string
	TokenHash    string
	CreatedAt    string
	ExpiresAt    string
	RevokedAt    *string
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s Session) error {
	if s.ID == "" {
		return errors.New("id required")
	}
	if s.AssessmentID == "" {
		return errors.New("assessment_id required")
	}
	if s.TokenHash == "" {
		return errors.New("token_hash required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,assessment_id,token_hash,created_at,expires_at) VALUES (?,?,?,?,?)`,
		s.ID, s.AssessmentID, s.TokenHash, s.CreatedAt, s.ExpiresAt)
	return err
}

func (r Repo) GetSessionByHash(ctx context.Context, hash string) (Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,assessment_id,token_hash,created_at,expires_at,revoked_at FROM sessions WHERE token_hash=? LIMIT 1`, hash)
	var s Session
	var revokedAt sql.NullString
	err := row.Scan(&s.ID, &s.AssessmentID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt, &revokedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if revokedAt.Valid {
		s.RevokedAt = &revokedAt.String
	}
	return s, nil
}

// RevokeSessionsTx revokes every active session for the assessment. Runs in
// the same transaction as the finish transition so a stop always cascades.
func (r Repo) RevokeSessionsTx(ctx context.Context, tx *sql.Tx, assessmentID, ts string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE assessment_id=? AND revoked_at IS NULL`, ts, assessmentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) ListSessions(ctx context.Context, assessmentID string) ([]Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,assessment_id,token_hash,created_at,expires_at,revoked_at FROM sessions WHERE assessment_id=? ORDER BY created_at DESC`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		var s Session
		var revokedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.AssessmentID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt, &revokedAt); err != nil {
			return nil, err
		}
		if revokedAt.Valid {
			s.RevokedAt = &revokedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
