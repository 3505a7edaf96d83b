package repository

import (
	"context"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/models"

	"github.com/google/uuid"
)

// FraudLogRepository is the append-only store of signup eligibility decisions.
type FraudLogRepository interface {
	Append(ctx context.Context, entry models.FraudLogEntry) error
	AppendBatch(ctx context.Context, entries []models.FraudLogEntry) error
	// CountRecentByIP counts entries for ip recorded at or after since.
	CountRecentByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// AdminAuditRepository is the append-only store of admin verification attempts.
type AdminAuditRepository interface {
	Append(ctx context.Context, entry models.AdminAuditLogEntry) error
	AppendBatch(ctx context.Context, entries []models.AdminAuditLogEntry) error
}

// AccountAggregateRepository reads active free-tier account counts.
type AccountAggregateRepository interface {
	ActiveCounts(ctx context.Context, identity models.ClientIdentity) (models.ActiveFreemiumAggregate, error)
}

// RoleRepository answers role membership questions. Implementations must read
// through the elevated connection so row-level policies do not hide rows.
type RoleRepository interface {
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}

// Pinger is satisfied by *sql.DB and used by readiness checks.
type Pinger interface {
	PingContext(ctx context.Context) error
}
