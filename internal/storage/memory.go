package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
)

// MemoryStore is an in-process Store for local development and tests.
// Transactions are not isolated: BeginTx returns the same store.
type MemoryStore struct {
	mu sync.RWMutex

	companies     map[uuid.UUID]*models.Company
	admins        map[uuid.UUID]*models.Admin
	sessions      map[uuid.UUID]*models.AdminSession
	loginAttempts map[string]*models.LoginAttempt
	subscribers   map[subscriberKey]*models.Subscriber
	companySubs   map[uuid.UUID]*models.CompanySubscription
	events        map[string]string
	audit         []*models.AuditLog
}

type subscriberKey struct {
	companyID uuid.UUID
	email     string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies:     make(map[uuid.UUID]*models.Company),
		admins:        make(map[uuid.UUID]*models.Admin),
		sessions:      make(map[uuid.UUID]*models.AdminSession),
		loginAttempts: make(map[string]*models.LoginAttempt),
		subscribers:   make(map[subscriberKey]*models.Subscriber),
		companySubs:   make(map[uuid.UUID]*models.CompanySubscription),
		events:        make(map[string]string),
	}
}

func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }
func (s *MemoryStore) Commit() error                               { return nil }
func (s *MemoryStore) Rollback() error                             { return nil }
func (s *MemoryStore) Close() error                                { return nil }

// ========== Companies ==========

func (s *MemoryStore) CreateCompany(ctx context.Context, company *models.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.companies {
		if c.Domain == company.Domain {
			return ErrDuplicateKey
		}
	}
	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}
	now := time.Now().UTC()
	company.CreatedAt, company.UpdatedAt = now, now

	c := *company
	s.companies[c.ID] = &c
	return nil
}

func (s *MemoryStore) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.companies {
		if c.Domain == domain {
			out := *c
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetCompanySessionsRevokedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	c.SessionsRevokedAt = &t
	c.UpdatedAt = at
	return nil
}

// ========== Admins ==========

func (s *MemoryStore) CreateAdmin(ctx context.Context, admin *models.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	admin.Email = models.NormalizeEmail(admin.Email)
	for _, a := range s.admins {
		if a.CompanyID == admin.CompanyID && a.Email == admin.Email {
			return ErrDuplicateKey
		}
	}
	if _, ok := s.companies[admin.CompanyID]; !ok {
		return ErrInvalidData
	}
	if admin.ID == uuid.Nil {
		admin.ID = uuid.New()
	}
	if admin.Role == "" {
		admin.Role = models.RoleAdmin
	}
	now := time.Now().UTC()
	admin.CreatedAt, admin.UpdatedAt = now, now

	a := *admin
	s.admins[a.ID] = &a
	return nil
}

func (s *MemoryStore) GetAdmin(ctx context.Context, companyID, id uuid.UUID) (*models.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.admins[id]
	if !ok || a.CompanyID != companyID {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) GetAdminByEmail(ctx context.Context, companyID uuid.UUID, email string) (*models.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = models.NormalizeEmail(email)
	for _, a := range s.admins {
		if a.CompanyID == companyID && a.Email == email {
			out := *a
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListAdminsByEmail(ctx context.Context, email string) ([]*models.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = models.NormalizeEmail(email)
	var out []*models.Admin
	for _, a := range s.admins {
		if a.Email == email {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AdminEmailExistsElsewhere(ctx context.Context, email string, companyID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = models.NormalizeEmail(email)
	for _, a := range s.admins {
		if a.Email == email && a.CompanyID != companyID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateAdminPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.admins[id]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetAdminSessionsRevokedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.admins[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	a.SessionsRevokedAt = &t
	a.UpdatedAt = at
	return nil
}

// ========== Sessions ==========

func (s *MemoryStore) CreateSession(ctx context.Context, session *models.AdminSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.TokenHash == session.TokenHash {
			return ErrDuplicateKey
		}
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	cp := *session
	s.sessions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.AdminSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.TokenHash == tokenHash {
			out := *session
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TouchSession(ctx context.Context, id uuid.UUID, lastSeenAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.LastSeenAt = lastSeenAt
	session.ExpiresAt = expiresAt
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (int64, error) {
	return s.deleteSessions(func(session *models.AdminSession) bool {
		return session.TokenHash == tokenHash
	}), nil
}

func (s *MemoryStore) DeleteAdminSessions(ctx context.Context, companyID, adminID uuid.UUID, except *uuid.UUID) (int64, error) {
	return s.deleteSessions(func(session *models.AdminSession) bool {
		if except != nil && session.ID == *except {
			return false
		}
		return session.CompanyID == companyID && session.AdminID == adminID
	}), nil
}

func (s *MemoryStore) DeleteCompanySessions(ctx context.Context, companyID uuid.UUID, except *uuid.UUID) (int64, error) {
	return s.deleteSessions(func(session *models.AdminSession) bool {
		if except != nil && session.ID == *except {
			return false
		}
		return session.CompanyID == companyID
	}), nil
}

func (s *MemoryStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteSessions(func(session *models.AdminSession) bool {
		return session.Expired(now)
	}), nil
}

func (s *MemoryStore) deleteSessions(match func(*models.AdminSession) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if match(session) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// SessionCount returns the number of stored sessions
func (s *MemoryStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ========== Login attempts ==========

func (s *MemoryStore) GetLoginAttempt(ctx context.Context, key string) (*models.LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.loginAttempts[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) SaveLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *attempt
	s.loginAttempts[cp.Key] = &cp
	return nil
}

func (s *MemoryStore) IncrementLoginAttempt(ctx context.Context, key string, now time.Time) (*models.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.loginAttempts[key]
	if !ok {
		a = &models.LoginAttempt{Key: key, FirstAttemptAt: now}
		s.loginAttempts[key] = a
	}
	a.Attempts++
	a.UpdatedAt = now

	out := *a
	return &out, nil
}

func (s *MemoryStore) LockLoginAttempt(ctx context.Context, key string, until time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.loginAttempts[key]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	if a.LockedUntil == nil || until.After(*a.LockedUntil) {
		a.LockedUntil = &until
	}
	return *a.LockedUntil, nil
}

func (s *MemoryStore) DeleteLoginAttempt(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.loginAttempts, key)
	return nil
}

func (s *MemoryStore) DeleteStaleLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, a := range s.loginAttempts {
		if a.UpdatedAt.Before(before) && (a.LockedUntil == nil || a.LockedUntil.Before(before)) {
			delete(s.loginAttempts, key)
			n++
		}
	}
	return n, nil
}

// ========== Billing ==========

func (s *MemoryStore) UpsertSubscriber(ctx context.Context, sub *models.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub.Email = models.NormalizeEmail(sub.Email)
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	cp := *sub
	s.subscribers[subscriberKey{companyID: cp.CompanyID, email: cp.Email}] = &cp
	return nil
}

func (s *MemoryStore) GetSubscriberByEmail(ctx context.Context, companyID uuid.UUID, email string) (*models.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[subscriberKey{companyID: companyID, email: models.NormalizeEmail(email)}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sub
	return &out, nil
}

func (s *MemoryStore) GetSubscriberByCustomer(ctx context.Context, companyID uuid.UUID, customerID string) (*models.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Subscriber
	for _, sub := range s.subscribers {
		if sub.CompanyID == companyID && sub.StripeCustomerID == customerID {
			if found == nil || sub.UpdatedAt.After(found.UpdatedAt) {
				found = sub
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := *found
	return &out, nil
}

func (s *MemoryStore) UpsertCompanySubscription(ctx context.Context, sub *models.CompanySubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub.UpdatedAt = time.Now().UTC()
	cp := *sub
	s.companySubs[cp.CompanyID] = &cp
	return nil
}

func (s *MemoryStore) GetCompanySubscription(ctx context.Context, companyID uuid.UUID) (*models.CompanySubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.companySubs[companyID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sub
	return &out, nil
}

func (s *MemoryStore) WebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

func (s *MemoryStore) RecordWebhookEvent(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = eventType
	}
	return nil
}

// ========== Audit ==========

func (s *MemoryStore) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAuditLogs(ctx context.Context, filters AuditLogFilters, limit, offset int) ([]*models.AuditLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.AuditLog
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filters.CompanyID != nil && (e.CompanyID == nil || *e.CompanyID != *filters.CompanyID) {
			continue
		}
		if filters.AdminID != nil && (e.AdminID == nil || *e.AdminID != *filters.AdminID) {
			continue
		}
		if filters.Action != nil && e.Action != *filters.Action {
			continue
		}
		if filters.Result != nil && e.Result != *filters.Result {
			continue
		}
		if filters.StartTime != nil && e.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && e.CreatedAt.After(*filters.EndTime) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}
