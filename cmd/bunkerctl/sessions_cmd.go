package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
)

type cleanupOptions struct {
	StaleAttempts time.Duration
}

func newCleanupCmd(root *rootOptions) *cobra.Command {
	var opts cleanupOptions

	cmd := &cobra.Command{
		Use:   "cleanup-sessions",
		Short: "Delete expired sessions and stale login counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, store, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, attempts, err := auth.NewSessionManager(store, cfg.Session).Cleanup(cmd.Context(), opts.StaleAttempts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sessions, %d login attempts\n", sessions, attempts)
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.StaleAttempts, "stale-attempts", 24*time.Hour, "remove unlocked login counters idle for this long")
	return cmd
}

type auditOptions struct {
	Company string
	Action  string
	Result  string
	Since   time.Duration
	Limit   int
}

func newAuditCmd(root *rootOptions) *cobra.Command {
	var opts auditOptions

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit log entries as JSON lines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filters storage.AuditLogFilters
			if opts.Company != "" {
				id, err := uuid.Parse(opts.Company)
				if err != nil {
					return fmt.Errorf("--company: %w", err)
				}
				filters.CompanyID = &id
			}
			if opts.Action != "" {
				filters.Action = &opts.Action
			}
			if opts.Result != "" {
				result := models.AuditResult(opts.Result)
				filters.Result = &result
			}
			if opts.Since > 0 {
				start := time.Now().Add(-opts.Since)
				filters.StartTime = &start
			}

			_, store, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, total, err := store.ListAuditLogs(cmd.Context(), filters, opts.Limit, 0)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, entry := range entries {
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d entries\n", len(entries), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Company, "company", "", "company id")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action, e.g. login or revoke_company_sessions")
	cmd.Flags().StringVar(&opts.Result, "result", "", "ok, reject or error")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries")
	return cmd
}
