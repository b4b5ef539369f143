package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunker-saas/bunker/internal/models"
)

func seedCompany(t *testing.T, s Store, domain string) *models.Company {
	t.Helper()
	c := &models.Company{Name: domain, Domain: domain}
	require.NoError(t, s.CreateCompany(context.Background(), c))
	return c
}

func TestMemoryStore_AdminsScopedByCompany(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acme := seedCompany(t, s, "acme.com")
	globex := seedCompany(t, s, "globex.com")

	a := &models.Admin{CompanyID: acme.ID, Email: "Owner@Acme.com", Role: models.RoleOwner}
	require.NoError(t, s.CreateAdmin(ctx, a))
	assert.ErrorIs(t, s.CreateAdmin(ctx, &models.Admin{CompanyID: acme.ID, Email: "owner@acme.com"}), ErrDuplicateKey)
	require.NoError(t, s.CreateAdmin(ctx, &models.Admin{CompanyID: globex.ID, Email: "owner@acme.com"}))

	got, err := s.GetAdminByEmail(ctx, acme.ID, "OWNER@ACME.COM")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.GetAdmin(ctx, globex.ID, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListAdminsByEmail(ctx, "owner@acme.com")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	elsewhere, err := s.AdminEmailExistsElsewhere(ctx, "owner@acme.com", acme.ID)
	require.NoError(t, err)
	assert.True(t, elsewhere)
}

func TestMemoryStore_SessionDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	company := seedCompany(t, s, "acme.com")
	admin := &models.Admin{CompanyID: company.ID, Email: "a@acme.com"}
	require.NoError(t, s.CreateAdmin(ctx, admin))

	now := time.Now().UTC()
	mk := func(hash string, expires time.Time) *models.AdminSession {
		session := &models.AdminSession{
			AdminID: admin.ID, CompanyID: company.ID, TokenHash: hash,
			ExpiresAt: expires, CreatedAt: now, LastSeenAt: now,
		}
		require.NoError(t, s.CreateSession(ctx, session))
		return session
	}

	keep := mk("h1", now.Add(time.Hour))
	mk("h2", now.Add(time.Hour))
	mk("h3", now.Add(-time.Minute))

	n, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteAdminSessions(ctx, company.ID, admin.ID, &keep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, s.SessionCount())

	n, err = s.DeleteSessionByTokenHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, s.SessionCount())
}

func TestMemoryStore_StaleLoginAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, s.SaveLoginAttempt(ctx, &models.LoginAttempt{Key: "stale", Attempts: 2, UpdatedAt: old}))
	require.NoError(t, s.SaveLoginAttempt(ctx, &models.LoginAttempt{Key: "locked", Attempts: 12, UpdatedAt: old, LockedUntil: &future}))
	require.NoError(t, s.SaveLoginAttempt(ctx, &models.LoginAttempt{Key: "fresh", Attempts: 1, UpdatedAt: now}))

	n, err := s.DeleteStaleLoginAttempts(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetLoginAttempt(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	locked, err := s.GetLoginAttempt(ctx, "locked")
	require.NoError(t, err)
	assert.True(t, locked.Locked(now))
}

func TestMemoryStore_IncrementLoginAttemptConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementLoginAttempt(ctx, "k", now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := s.GetLoginAttempt(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, workers, a.Attempts)
	assert.Equal(t, now, a.FirstAttemptAt)

	until := now.Add(time.Hour)
	got, err := s.LockLoginAttempt(ctx, "k", until)
	require.NoError(t, err)
	assert.Equal(t, until, got)

	got, err = s.LockLoginAttempt(ctx, "k", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, until, got)

	_, err = s.LockLoginAttempt(ctx, "missing", until)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListAuditLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	companyID := uuid.New()

	for i := 0; i < 5; i++ {
		result := models.AuditOK
		if i%2 == 0 {
			result = models.AuditReject
		}
		require.NoError(t, s.CreateAuditLog(ctx, &models.AuditLog{
			CompanyID: &companyID,
			Action:    "login",
			Result:    result,
		}))
	}
	require.NoError(t, s.CreateAuditLog(ctx, &models.AuditLog{Action: "cleanup", Result: models.AuditOK}))

	reject := models.AuditReject
	entries, total, err := s.ListAuditLogs(ctx, AuditLogFilters{CompanyID: &companyID, Result: &reject}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, entries, 2)

	entries, total, err = s.ListAuditLogs(ctx, AuditLogFilters{}, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)
	require.Len(t, entries, 1)
	assert.Equal(t, companyID, *entries[0].CompanyID)
}
