package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
)

// ========== Session Methods ==========

// CreateSession stores a new admin session
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.AdminSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}

	query := `
		INSERT INTO admin_sessions (
			id, admin_id, company_id, token_hash, user_agent_hash,
			expires_at, created_at, last_seen_at, absolute_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		session.ID, session.AdminID, session.CompanyID, session.TokenHash,
		session.UserAgentHash, session.ExpiresAt, session.CreatedAt, session.LastSeenAt,
		session.AbsoluteExpiresAt,
	)

	return mapError(err)
}

// GetSessionByTokenHash gets a session by the sha256 of its bearer token
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.AdminSession, error) {
	query := `
		SELECT id, admin_id, company_id, token_hash, user_agent_hash,
		       expires_at, created_at, last_seen_at, absolute_expires_at
		FROM admin_sessions
		WHERE token_hash = $1`

	session := &models.AdminSession{}
	err := s.getDB().QueryRowContext(ctx, query, tokenHash).Scan(
		&session.ID, &session.AdminID, &session.CompanyID, &session.TokenHash,
		&session.UserAgentHash, &session.ExpiresAt, &session.CreatedAt, &session.LastSeenAt,
		&session.AbsoluteExpiresAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	return session, nil
}

// TouchSession records activity and slides the expiry
func (s *PostgresStore) TouchSession(ctx context.Context, id uuid.UUID, lastSeenAt, expiresAt time.Time) error {
	return expectOneRow(s.getDB().ExecContext(ctx,
		`UPDATE admin_sessions SET last_seen_at = $2, expires_at = $3 WHERE id = $1`,
		id, lastSeenAt, expiresAt,
	))
}

// DeleteSession deletes a session by ID
func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.getDB().ExecContext(ctx, `DELETE FROM admin_sessions WHERE id = $1`, id)
	return mapError(err)
}

// DeleteSessionByTokenHash deletes the session holding a token
func (s *PostgresStore) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (int64, error) {
	return affected(s.getDB().ExecContext(ctx,
		`DELETE FROM admin_sessions WHERE token_hash = $1`, tokenHash))
}

// DeleteAdminSessions deletes an admin's sessions, keeping except when set
func (s *PostgresStore) DeleteAdminSessions(ctx context.Context, companyID, adminID uuid.UUID, except *uuid.UUID) (int64, error) {
	if except != nil {
		return affected(s.getDB().ExecContext(ctx,
			`DELETE FROM admin_sessions WHERE company_id = $1 AND admin_id = $2 AND id <> $3`,
			companyID, adminID, *except))
	}
	return affected(s.getDB().ExecContext(ctx,
		`DELETE FROM admin_sessions WHERE company_id = $1 AND admin_id = $2`,
		companyID, adminID))
}

// DeleteCompanySessions deletes every session of a company, keeping except when set
func (s *PostgresStore) DeleteCompanySessions(ctx context.Context, companyID uuid.UUID, except *uuid.UUID) (int64, error) {
	if except != nil {
		return affected(s.getDB().ExecContext(ctx,
			`DELETE FROM admin_sessions WHERE company_id = $1 AND id <> $2`,
			companyID, *except))
	}
	return affected(s.getDB().ExecContext(ctx,
		`DELETE FROM admin_sessions WHERE company_id = $1`, companyID))
}

// DeleteExpiredSessions deletes sessions whose expiry is at or before now
func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return affected(s.getDB().ExecContext(ctx,
		`DELETE FROM admin_sessions WHERE expires_at <= $1`, now))
}

// ========== Login Attempt Methods ==========

// GetLoginAttempt gets the failure counter for a key
func (s *PostgresStore) GetLoginAttempt(ctx context.Context, key string) (*models.LoginAttempt, error) {
	attempt := &models.LoginAttempt{}
	err := s.getDB().QueryRowContext(ctx,
		`SELECT key, attempts, first_attempt_at, locked_until, updated_at FROM login_attempts WHERE key = $1`,
		key,
	).Scan(&attempt.Key, &attempt.Attempts, &attempt.FirstAttemptAt, &attempt.LockedUntil, &attempt.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}

	return attempt, nil
}

// SaveLoginAttempt upserts the failure counter for a key
func (s *PostgresStore) SaveLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (key, attempts, first_attempt_at, locked_until, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			first_attempt_at = EXCLUDED.first_attempt_at,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		attempt.Key, attempt.Attempts, attempt.FirstAttemptAt, attempt.LockedUntil, attempt.UpdatedAt,
	)

	return mapError(err)
}

// IncrementLoginAttempt adds one failure to the counter for key, creating it
// when missing, and returns the counter after the increment
func (s *PostgresStore) IncrementLoginAttempt(ctx context.Context, key string, now time.Time) (*models.LoginAttempt, error) {
	query := `
		INSERT INTO login_attempts (key, attempts, first_attempt_at, updated_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (key) DO UPDATE SET
			attempts = login_attempts.attempts + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING key, attempts, first_attempt_at, locked_until, updated_at`

	attempt := &models.LoginAttempt{}
	err := s.getDB().QueryRowContext(ctx, query, key, now).
		Scan(&attempt.Key, &attempt.Attempts, &attempt.FirstAttemptAt, &attempt.LockedUntil, &attempt.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}

	return attempt, nil
}

// LockLoginAttempt locks key until the given time. An existing later lock is kept.
func (s *PostgresStore) LockLoginAttempt(ctx context.Context, key string, until time.Time) (time.Time, error) {
	var lockedUntil time.Time
	err := s.getDB().QueryRowContext(ctx,
		`UPDATE login_attempts SET locked_until = GREATEST(locked_until, $2)
		 WHERE key = $1 RETURNING locked_until`,
		key, until,
	).Scan(&lockedUntil)
	if err != nil {
		return time.Time{}, mapError(err)
	}

	return lockedUntil, nil
}

// DeleteLoginAttempt clears the failure counter for a key
func (s *PostgresStore) DeleteLoginAttempt(ctx context.Context, key string) error {
	_, err := s.getDB().ExecContext(ctx, `DELETE FROM login_attempts WHERE key = $1`, key)
	return mapError(err)
}

// DeleteStaleLoginAttempts deletes counters untouched since before and not locked past it
func (s *PostgresStore) DeleteStaleLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	return affected(s.getDB().ExecContext(ctx,
		`DELETE FROM login_attempts
		 WHERE updated_at < $1 AND (locked_until IS NULL OR locked_until < $1)`,
		before))
}
