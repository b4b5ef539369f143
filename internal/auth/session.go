package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/pkg/crypto"
)

const tokenBytes = 32

// Session resolution errors
var (
	ErrNoSession       = errors.New("no session")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionMismatch = errors.New("session mismatch")
)

// Principal is an authenticated admin bound to a live session
type Principal struct {
	Session *models.AdminSession
	Admin   *models.Admin
	Company *models.Company

	// Renewed is set when the expiry slid forward and the cookie must be re-issued
	Renewed bool
}

// SessionManager creates and resolves server-side admin sessions
type SessionManager struct {
	store storage.Store
	cfg   config.SessionConfig
	now   func() time.Time
}

// NewSessionManager creates a session manager
func NewSessionManager(store storage.Store, cfg config.SessionConfig) *SessionManager {
	return &SessionManager{store: store, cfg: cfg, now: time.Now}
}

// Config returns the session settings
func (m *SessionManager) Config() config.SessionConfig {
	return m.cfg
}

// Create opens a session for admin and returns the bearer token
func (m *SessionManager) Create(ctx context.Context, admin *models.Admin, userAgent string) (string, *models.AdminSession, error) {
	if m.cfg.InvalidatePrevious {
		n, err := m.store.DeleteAdminSessions(ctx, admin.CompanyID, admin.ID, nil)
		if err != nil {
			return "", nil, fmt.Errorf("invalidate previous sessions: %w", err)
		}
		log.Debug().Str("admin_id", admin.ID.String()).Int64("deleted", n).Msg("Previous sessions invalidated")
	}

	now := m.now().UTC()
	return m.insert(ctx, admin, userAgent, now, now.Add(m.cfg.MaxLifetime))
}

// Rotate replaces the principal's session with a fresh one created strictly
// after notBefore, so it survives a revocation stamped at notBefore. The new
// session keeps the absolute expiry of the one it replaces.
func (m *SessionManager) Rotate(ctx context.Context, p *Principal, userAgent string, notBefore time.Time) (string, *models.AdminSession, error) {
	// stored timestamps are truncated to microseconds
	createdAt := m.now().UTC()
	if floor := notBefore.Add(time.Millisecond); createdAt.Before(floor) {
		createdAt = floor
	}

	limit := m.lifetimeLimit(p.Session)
	if !limit.After(createdAt) {
		return "", nil, ErrSessionExpired
	}

	token, session, err := m.insert(ctx, p.Admin, userAgent, createdAt, limit)
	if err != nil {
		return "", nil, err
	}
	if err := m.store.DeleteSession(ctx, p.Session.ID); err != nil {
		return "", nil, fmt.Errorf("delete rotated session: %w", err)
	}
	return token, session, nil
}

func (m *SessionManager) insert(ctx context.Context, admin *models.Admin, userAgent string, now, limit time.Time) (string, *models.AdminSession, error) {
	token, err := crypto.GenerateRandomString(tokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate session token: %w", err)
	}

	expiresAt := now.Add(m.cfg.TTL)
	if expiresAt.After(limit) {
		expiresAt = limit
	}

	session := &models.AdminSession{
		AdminID:           admin.ID,
		CompanyID:         admin.CompanyID,
		TokenHash:         crypto.SHA256Hex(token),
		UserAgentHash:     crypto.SHA256Hex(userAgent),
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
		LastSeenAt:        now,
		AbsoluteExpiresAt: limit,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}

	return token, session, nil
}

// Resolve validates a bearer token and slides its expiry when due
func (m *SessionManager) Resolve(ctx context.Context, token, userAgent string) (*Principal, error) {
	if token == "" {
		return nil, ErrNoSession
	}

	session, err := m.store.GetSessionByTokenHash(ctx, crypto.SHA256Hex(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	now := m.now().UTC()
	if session.Expired(now) {
		m.drop(ctx, session)
		return nil, ErrSessionExpired
	}

	if m.cfg.BindUserAgent && session.UserAgentHash != "" &&
		!crypto.ConstantTimeEqual(session.UserAgentHash, crypto.SHA256Hex(userAgent)) {
		return nil, ErrSessionMismatch
	}

	company, err := m.store.GetCompany(ctx, session.CompanyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.drop(ctx, session)
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("lookup session company: %w", err)
	}

	admin, err := m.store.GetAdmin(ctx, session.CompanyID, session.AdminID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.drop(ctx, session)
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("lookup session admin: %w", err)
	}

	if company.RevokedAfter(session.CreatedAt) || admin.RevokedAfter(session.CreatedAt) {
		m.drop(ctx, session)
		return nil, ErrSessionRevoked
	}

	p := &Principal{Session: session, Admin: admin, Company: company}

	if now.Sub(session.LastSeenAt) >= m.cfg.RenewAfter {
		expiresAt := now.Add(m.cfg.TTL)
		if limit := m.lifetimeLimit(session); expiresAt.After(limit) {
			expiresAt = limit
		}
		if err := m.store.TouchSession(ctx, session.ID, now, expiresAt); err != nil {
			return nil, fmt.Errorf("renew session: %w", err)
		}
		session.LastSeenAt = now
		session.ExpiresAt = expiresAt
		p.Renewed = true
	}

	return p, nil
}

// CookieMaxAge is the remaining lifetime to advertise on a re-issued cookie
func (m *SessionManager) CookieMaxAge(session *models.AdminSession) time.Duration {
	d := session.ExpiresAt.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}

// Logout deletes the session holding token, if any
func (m *SessionManager) Logout(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := m.store.DeleteSessionByTokenHash(ctx, crypto.SHA256Hex(token))
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n > 0, nil
}

// Cleanup deletes expired sessions and stale unlocked login counters
func (m *SessionManager) Cleanup(ctx context.Context, staleAfter time.Duration) (sessions, attempts int64, err error) {
	now := m.now().UTC()

	sessions, err = m.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	attempts, err = m.store.DeleteStaleLoginAttempts(ctx, now.Add(-staleAfter))
	if err != nil {
		return sessions, 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	return sessions, attempts, nil
}

// lifetimeLimit is the absolute expiry of session. Rows without one fall back
// to created_at plus the configured max lifetime.
func (m *SessionManager) lifetimeLimit(session *models.AdminSession) time.Time {
	if !session.AbsoluteExpiresAt.IsZero() {
		return session.AbsoluteExpiresAt
	}
	return session.CreatedAt.Add(m.cfg.MaxLifetime)
}

func (m *SessionManager) drop(ctx context.Context, session *models.AdminSession) {
	if err := m.store.DeleteSession(ctx, session.ID); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("Failed to delete dead session")
	}
}
