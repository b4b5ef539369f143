package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
)

// CreateAuditLog creates an audit log entry
func (s *PostgresStore) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (
			id, created_at, request_id, route, company_id, admin_id,
			action, result, error_code, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		entry.ID, entry.CreatedAt, entry.RequestID, entry.Route, entry.CompanyID,
		entry.AdminID, entry.Action, entry.Result, entry.ErrorCode, entry.Metadata,
	)

	return mapError(err)
}

// ListAuditLogs lists audit logs with filters
func (s *PostgresStore) ListAuditLogs(ctx context.Context, filters AuditLogFilters, limit, offset int) ([]*models.AuditLog, int64, error) {
	// Build query with filters
	query := "SELECT COUNT(*) FROM audit_logs WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.CompanyID != nil {
		argCount++
		query += fmt.Sprintf(" AND company_id = $%d", argCount)
		args = append(args, *filters.CompanyID)
	}

	if filters.AdminID != nil {
		argCount++
		query += fmt.Sprintf(" AND admin_id = $%d", argCount)
		args = append(args, *filters.AdminID)
	}

	if filters.Action != nil {
		argCount++
		query += fmt.Sprintf(" AND action = $%d", argCount)
		args = append(args, *filters.Action)
	}

	if filters.Result != nil {
		argCount++
		query += fmt.Sprintf(" AND result = $%d", argCount)
		args = append(args, *filters.Result)
	}

	if filters.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	// Get count
	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, mapError(err)
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, request_id, route, company_id, admin_id, action, result, error_code, metadata", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		entry := &models.AuditLog{}
		err := rows.Scan(
			&entry.ID, &entry.CreatedAt, &entry.RequestID, &entry.Route, &entry.CompanyID,
			&entry.AdminID, &entry.Action, &entry.Result, &entry.ErrorCode, &entry.Metadata,
		)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}

	return entries, count, rows.Err()
}
