package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type elevatedRoleRepository struct {
	db *sql.DB
}

// NewRoleRepository expects a pool opened with the elevated (policy-bypassing) role.
func NewRoleRepository(elevated *sql.DB) RoleRepository {
	return &elevatedRoleRepository{db: elevated}
}

func (r *elevatedRoleRepository) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2
)
`
	var ok bool
	if err := r.db.QueryRowContext(ctx, q, userID, role).Scan(&ok); err != nil {
		return false, fmt.Errorf("role lookup: %w", err)
	}
	return ok, nil
}
