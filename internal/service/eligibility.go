package service

import (
	"context"
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

// EligibilityPolicy holds the free-tier signup thresholds.
type EligibilityPolicy struct {
	DeviceCap        int
	IPCap            int
	BurstThreshold   int
	WarningThreshold int
	RecentWindow     time.Duration
	Timeout          time.Duration
}

func DefaultEligibilityPolicy() EligibilityPolicy {
	return EligibilityPolicy{
		DeviceCap:        1,
		IPCap:            3,
		BurstThreshold:   5,
		WarningThreshold: 2,
		RecentWindow:     time.Hour,
		Timeout:          3 * time.Second,
	}
}

// RecentAttemptCounter counts prior fraud log entries for an IP.
type RecentAttemptCounter interface {
	CountRecentByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// EligibilityEvaluator decides whether a free-tier signup may proceed.
// Infrastructure failures fail open with reason error_fallback.
type EligibilityEvaluator struct {
	accounts repository.AccountAggregateRepository
	attempts RecentAttemptCounter
	recorder FraudRecorder
	policy   EligibilityPolicy
	now      func() time.Time
	tracer   trace.Tracer
}

func NewEligibilityEvaluator(
	accounts repository.AccountAggregateRepository,
	attempts RecentAttemptCounter,
	recorder FraudRecorder,
	policy EligibilityPolicy,
) *EligibilityEvaluator {
	def := DefaultEligibilityPolicy()
	if policy.DeviceCap <= 0 {
		policy.DeviceCap = def.DeviceCap
	}
	if policy.IPCap <= 0 {
		policy.IPCap = def.IPCap
	}
	if policy.BurstThreshold <= 0 {
		policy.BurstThreshold = def.BurstThreshold
	}
	if policy.WarningThreshold <= 0 {
		policy.WarningThreshold = def.WarningThreshold
	}
	if policy.RecentWindow <= 0 {
		policy.RecentWindow = def.RecentWindow
	}
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	return &EligibilityEvaluator{
		accounts: accounts,
		attempts: attempts,
		recorder: recorder,
		policy:   policy,
		now:      time.Now,
		tracer:   otel.Tracer("eligibility"),
	}
}

// WithClock overrides the time source.
func (e *EligibilityEvaluator) WithClock(now func() time.Time) *EligibilityEvaluator {
	e.now = now
	return e
}

func (e *EligibilityEvaluator) Policy() EligibilityPolicy { return e.policy }

// Evaluate never returns an error. Exactly one fraud log entry is recorded per call.
func (e *EligibilityEvaluator) Evaluate(ctx context.Context, id models.ClientIdentity, userAgent string) models.EligibilityResult {
	ctx, span := e.tracer.Start(ctx, "eligibility.evaluate")
	defer span.End()

	if id.IP == "" {
		id.IP = models.UnknownIP
	}

	res, err := e.evaluate(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fail open")
		logger.Warnw("eligibility check failed open", "ip", id.IP, "error", err)
		res = models.EligibilityResult{Allowed: true, Reason: models.ReasonErrorFallback}
	}

	status, loggedReason := FraudLogOutcome(e.policy, res)
	span.SetAttributes(
		attribute.Bool("eligibility.allowed", res.Allowed),
		attribute.String("eligibility.reason", string(res.Reason)),
		attribute.Int("eligibility.recent_attempts", res.RecentAttempts),
	)

	e.recorder.RecordFraud(models.FraudLogEntry{
		ID:         uuid.New(),
		IP:         id.IP,
		DeviceID:   id.DeviceID,
		Status:     status,
		Reason:     loggedReason,
		UserAgent:  userAgent,
		OccurredAt: e.now().UTC(),
	})
	return res
}

func (e *EligibilityEvaluator) evaluate(ctx context.Context, id models.ClientIdentity) (models.EligibilityResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	agg, err := e.accounts.ActiveCounts(ctx, id)
	if err != nil {
		return models.EligibilityResult{}, fmt.Errorf("active counts: %w", err)
	}
	prior, err := e.attempts.CountRecentByIP(ctx, id.IP, e.now().Add(-e.policy.RecentWindow))
	if err != nil {
		return models.EligibilityResult{}, fmt.Errorf("recent attempts: %w", err)
	}
	// The attempt being evaluated counts towards the burst.
	recent := prior + 1

	allowed, reason := Decide(e.policy, id.HasDevice(), agg, recent)
	return models.EligibilityResult{
		Allowed:             allowed,
		Reason:              reason,
		ActiveCountByIP:     agg.ByIP,
		ActiveCountByDevice: agg.ByDevice,
		RecentAttempts:      recent,
	}, nil
}

// Decide applies the caps in strict order: device, then IP, then burst.
func Decide(p EligibilityPolicy, hasDevice bool, agg models.ActiveFreemiumAggregate, recentAttempts int) (bool, models.FraudReason) {
	switch {
	case hasDevice && agg.ByDevice >= p.DeviceCap:
		return false, models.ReasonDeviceLimit
	case agg.ByIP >= p.IPCap:
		return false, models.ReasonIPLimit
	case recentAttempts > p.BurstThreshold:
		return false, models.ReasonRateLimit
	}
	return true, models.ReasonEligible
}

// FraudLogOutcome maps a result to the status and reason written to the fraud log.
func FraudLogOutcome(p EligibilityPolicy, res models.EligibilityResult) (models.FraudStatus, models.FraudReason) {
	switch {
	case !res.Allowed:
		return models.FraudStatusBlocked, res.Reason
	case res.Reason == models.ReasonErrorFallback:
		return models.FraudStatusAllowed, models.ReasonErrorFallback
	case res.RecentAttempts >= p.WarningThreshold:
		return models.FraudStatusWarning, models.ReasonMultipleAttempts
	}
	return models.FraudStatusAllowed, res.Reason
}
