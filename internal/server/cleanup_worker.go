package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/bunker-saas/bunker/internal/metrics"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
)

// CleanupSubject is the NATS request subject that triggers an immediate cleanup
const CleanupSubject = "bunker.sessions.cleanup"

// Cleaner removes expired sessions and stale login counters
type Cleaner interface {
	Cleanup(ctx context.Context, staleAfter time.Duration) (sessions, attempts int64, err error)
}

// CleanupResult is the outcome of one cleanup run
type CleanupResult struct {
	Deleted              int64  `json:"deleted"`
	DeletedLoginAttempts int64  `json:"deleted_login_attempts"`
	Error                string `json:"error,omitempty"`
}

// CleanupWorker runs session cleanup on an interval and on NATS requests
type CleanupWorker struct {
	cleaner    Cleaner
	store      storage.Store
	nc         *nats.Conn
	interval   time.Duration
	staleAfter time.Duration

	// serializes runs from the ticker and NATS
	mu sync.Mutex
}

// NewCleanupWorker creates a worker. nc may be nil; interval 0 disables the ticker.
func NewCleanupWorker(cleaner Cleaner, store storage.Store, nc *nats.Conn, interval, staleAfter time.Duration) *CleanupWorker {
	return &CleanupWorker{
		cleaner:    cleaner,
		store:      store,
		nc:         nc,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Start blocks until ctx is done
func (w *CleanupWorker) Start(ctx context.Context) error {
	if w.nc != nil {
		sub, err := w.nc.Subscribe(CleanupSubject, func(msg *nats.Msg) {
			w.handleRequest(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", CleanupSubject, err)
		}
		defer sub.Unsubscribe()
	}

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	log.Info().
		Dur("interval", w.interval).
		Bool("nats", w.nc != nil).
		Msg("Session cleanup worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup and records it in the audit log
func (w *CleanupWorker) RunOnce(ctx context.Context) CleanupResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	sessions, attempts, err := w.cleaner.Cleanup(ctx, w.staleAfter)
	if err != nil {
		log.Error().Err(err).Msg("Scheduled session cleanup failed")
		w.audit(ctx, &models.AuditLog{Result: models.AuditError})
		return CleanupResult{Error: err.Error()}
	}

	metrics.CleanupDeleted(sessions, attempts)
	w.audit(ctx, &models.AuditLog{
		Result: models.AuditOK,
		Metadata: models.Variables{
			"deleted":                sessions,
			"deleted_login_attempts": attempts,
		},
	})

	log.Debug().
		Int64("deleted", sessions).
		Int64("deleted_login_attempts", attempts).
		Msg("Scheduled session cleanup")

	return CleanupResult{Deleted: sessions, DeletedLoginAttempts: attempts}
}

func (w *CleanupWorker) handleRequest(ctx context.Context, msg *nats.Msg) {
	log.Debug().Str("subject", msg.Subject).Msg("Received cleanup request")

	result := w.RunOnce(ctx)
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal cleanup result")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Msg("Failed to answer cleanup request")
	}
}

func (w *CleanupWorker) audit(ctx context.Context, entry *models.AuditLog) {
	entry.Action = "cleanup_sessions"
	entry.Route = "worker"
	if err := w.store.CreateAuditLog(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to write audit log")
	}
}
