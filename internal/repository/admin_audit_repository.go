package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ComUnity/abuse-gateway/internal/models"
)

type postgresAdminAuditRepository struct {
	db *sql.DB
}

func NewAdminAuditRepository(db *sql.DB) AdminAuditRepository {
	return &postgresAdminAuditRepository{db: db}
}

const insertAdminAuditBase = `
INSERT INTO admin_audit_logs (id, action, performed_by, ip_address, user_agent, details)
VALUES `

func (r *postgresAdminAuditRepository) Append(ctx context.Context, e models.AdminAuditLogEntry) error {
	return r.AppendBatch(ctx, []models.AdminAuditLogEntry{e})
}

func (r *postgresAdminAuditRepository) AppendBatch(ctx context.Context, entries []models.AdminAuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, len(entries)*6)
	for _, e := range entries {
		args = append(args, e.ID, e.Action, e.PerformedBy, e.IP, e.UserAgent, e.Details)
	}
	q := insertAdminAuditBase + valuesPlaceholders(len(entries), 6)
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert admin audit log: %w", err)
	}
	return nil
}
