package auth

import (
	"context"
	"errors"
	"time"

	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/pkg/crypto"
)

// LockoutStep locks a key for Duration once Threshold failures accumulate
type LockoutStep struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutSteps is the escalating lockout schedule
var DefaultLockoutSteps = []LockoutStep{
	{Threshold: 5, Duration: 15 * time.Minute},
	{Threshold: 8, Duration: 60 * time.Minute},
	{Threshold: 12, Duration: 240 * time.Minute},
}

// LockoutDuration returns how long a key is locked after attempts failures
func LockoutDuration(attempts int) time.Duration {
	var d time.Duration
	for _, step := range DefaultLockoutSteps {
		if attempts >= step.Threshold {
			d = step.Duration
		}
	}
	return d
}

// LoginKey derives the attempt counter key for an ip and normalized email
func LoginKey(ip, email string) string {
	return crypto.SHA256Hex(ip + "|" + email)
}

// Lockout tracks failed logins
type Lockout struct {
	store storage.Store
	now   func() time.Time
}

// NewLockout creates a lockout tracker
func NewLockout(store storage.Store) *Lockout {
	return &Lockout{store: store, now: time.Now}
}

// Check returns the current counter for key (nil when none) and whether it is locked
func (l *Lockout) Check(ctx context.Context, key string) (*models.LoginAttempt, bool, error) {
	attempt, err := l.store.GetLoginAttempt(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return attempt, attempt.Locked(l.now()), nil
}

// RegisterFailure increments the counter for key and applies the lockout schedule.
// The increment happens in the store so concurrent failures are all counted.
func (l *Lockout) RegisterFailure(ctx context.Context, key string) (*models.LoginAttempt, error) {
	now := l.now().UTC()
	attempt, err := l.store.IncrementLoginAttempt(ctx, key, now)
	if err != nil {
		return nil, err
	}

	if d := LockoutDuration(attempt.Attempts); d > 0 {
		until, err := l.store.LockLoginAttempt(ctx, key, now.Add(d))
		if err != nil {
			return nil, err
		}
		attempt.LockedUntil = &until
	}
	return attempt, nil
}

// Clear resets the counter after a successful login
func (l *Lockout) Clear(ctx context.Context, key string) error {
	return l.store.DeleteLoginAttempt(ctx, key)
}
