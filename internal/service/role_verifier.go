package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ComUnity/abuse-gateway/internal/models"
	"github.com/ComUnity/abuse-gateway/internal/repository"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrRoleLookup      = errors.New("role lookup failed")
)

// SessionResolver turns a bearer token into an authenticated session.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (*models.Session, error)
}

type RoleVerifierConfig struct {
	AdminRole string
	Timeout   time.Duration
}

// RoleVerifier re-derives admin membership server side for every privileged
// request. Client-side role hints are never consulted. Any lookup failure
// yields IsAdmin=false.
type RoleVerifier struct {
	sessions SessionResolver
	roles    repository.RoleRepository
	recorder AdminRecorder
	cfg      RoleVerifierConfig
	now      func() time.Time
	tracer   trace.Tracer
}

func NewRoleVerifier(sessions SessionResolver, roles repository.RoleRepository, recorder AdminRecorder, cfg RoleVerifierConfig) *RoleVerifier {
	if cfg.AdminRole == "" {
		cfg.AdminRole = "admin"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &RoleVerifier{
		sessions: sessions,
		roles:    roles,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer("role-verifier"),
	}
}

func (v *RoleVerifier) WithClock(now func() time.Time) *RoleVerifier {
	v.now = now
	return v
}

// Verify records one AdminAuditLogEntry per call, whatever the outcome.
func (v *RoleVerifier) Verify(ctx context.Context, token string, meta models.RequestMeta) (models.VerifyResult, error) {
	ctx, span := v.tracer.Start(ctx, "admin.verify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	session, err := v.sessions.Resolve(ctx, token)
	if err == nil && session == nil {
		err = errors.New("no session")
	}
	if err != nil {
		v.audit(nil, "", meta, false, "unauthenticated")
		span.SetStatus(codes.Error, "unauthenticated")
		return models.VerifyResult{IsAdmin: false}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	uid := session.UserID
	span.SetAttributes(attribute.String("user.id", uid.String()))
	res := models.VerifyResult{IsAdmin: false, UserID: &uid, Email: session.Email}

	isAdmin, err := v.roles.HasRole(ctx, uid, v.cfg.AdminRole)
	if err != nil {
		v.audit(&uid, session.Email, meta, false, "role_lookup_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "role lookup failed")
		logger.Errorw("admin role lookup failed", "user_id", uid, "error", err)
		return res, fmt.Errorf("%w: %v", ErrRoleLookup, err)
	}

	res.IsAdmin = isAdmin
	if isAdmin {
		v.audit(&uid, session.Email, meta, true, "")
	} else {
		v.audit(&uid, session.Email, meta, false, "not_admin")
	}
	span.SetAttributes(attribute.Bool("admin.granted", isAdmin))
	return res, nil
}

func (v *RoleVerifier) audit(userID *uuid.UUID, email string, meta models.RequestMeta, success bool, reason string) {
	v.recorder.RecordAdmin(models.AdminAuditLogEntry{
		ID:          uuid.New(),
		Action:      models.ActionAdminVerify,
		PerformedBy: userID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Details: models.AdminAuditDetails{
			Success:   success,
			Email:     email,
			Error:     reason,
			Timestamp: v.now().UTC(),
		},
	})
}
