package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/models"
)

type postgresFraudLogRepository struct {
	db *sql.DB
}

func NewFraudLogRepository(db *sql.DB) FraudLogRepository {
	return &postgresFraudLogRepository{db: db}
}

const insertFraudLogBase = `
INSERT INTO freemium_fraud_logs (id, ip_address, device_id, status, reason, user_agent, created_at)
VALUES `

func (r *postgresFraudLogRepository) Append(ctx context.Context, e models.FraudLogEntry) error {
	return r.AppendBatch(ctx, []models.FraudLogEntry{e})
}

// AppendBatch writes entries with one multi-row insert. Rows are never updated.
func (r *postgresFraudLogRepository) AppendBatch(ctx context.Context, entries []models.FraudLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, len(entries)*7)
	for _, e := range entries {
		args = append(args, e.ID, e.IP, e.DeviceID, string(e.Status), string(e.Reason), e.UserAgent, e.OccurredAt)
	}
	q := insertFraudLogBase + valuesPlaceholders(len(entries), 7)
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert fraud log: %w", err)
	}
	return nil
}

func (r *postgresFraudLogRepository) CountRecentByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	const q = `
SELECT count(*) FROM freemium_fraud_logs
WHERE ip_address = $1 AND created_at >= $2
`
	var n int
	if err := r.db.QueryRowContext(ctx, q, ip, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent fraud logs: %w", err)
	}
	return n, nil
}
