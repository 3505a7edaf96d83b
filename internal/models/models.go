package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// UnknownIP is used when no trustworthy client address can be derived.
const UnknownIP = "unknown"

// ClientIdentity is the canonical network/device identity of a caller.
// IP is never empty; DeviceID is nil unless the caller supplied a valid one.
type ClientIdentity struct {
	IP       string  `json:"ip"`
	DeviceID *string `json:"deviceId,omitempty"`
}

func (c ClientIdentity) HasDevice() bool {
	return c.DeviceID != nil && *c.DeviceID != ""
}

type FraudStatus string

const (
	FraudStatusAllowed FraudStatus = "allowed"
	FraudStatusWarning FraudStatus = "warning"
	FraudStatusBlocked FraudStatus = "blocked"
)

type FraudReason string

const (
	ReasonEligible         FraudReason = "eligible"
	ReasonDeviceLimit      FraudReason = "device_limit"
	ReasonIPLimit          FraudReason = "ip_limit"
	ReasonRateLimit        FraudReason = "rate_limit"
	ReasonMultipleAttempts FraudReason = "multiple_attempts"
	ReasonErrorFallback    FraudReason = "error_fallback"
)

// FraudLogEntry is one immutable row of the signup fraud log.
type FraudLogEntry struct {
	ID         uuid.UUID   `json:"id"`
	IP         string      `json:"ip"`
	DeviceID   *string     `json:"deviceId,omitempty"`
	Status     FraudStatus `json:"status"`
	Reason     FraudReason `json:"reason"`
	UserAgent  string      `json:"userAgent"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// ActiveFreemiumAggregate holds counts of active free-tier accounts
// sharing an identity. Owned by the account lifecycle, read-only here.
type ActiveFreemiumAggregate struct {
	ByDevice int `json:"byDevice"`
	ByIP     int `json:"byIp"`
}

// EligibilityResult is the outcome of one signup eligibility check.
type EligibilityResult struct {
	Allowed             bool        `json:"allowed"`
	Reason              FraudReason `json:"reason"`
	ActiveCountByIP     int         `json:"activeCountByIp"`
	ActiveCountByDevice int         `json:"activeCountByDevice"`
	RecentAttempts      int         `json:"recentAttempts"`
}

// RateLimitCounter is the per-key fixed window state.
type RateLimitCounter struct {
	Key           string    `json:"key"`
	Count         int       `json:"count"`
	WindowResetAt time.Time `json:"windowResetAt"`
}

const ActionAdminVerify = "admin_verify"

type AdminAuditDetails struct {
	Success   bool      `json:"success"`
	Email     string    `json:"email,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Value stores details as jsonb.
func (d AdminAuditDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *AdminAuditDetails) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	case nil:
		*d = AdminAuditDetails{}
		return nil
	}
	return errors.New("admin audit details: unsupported scan type")
}

// AdminAuditLogEntry records one admin verification attempt.
type AdminAuditLogEntry struct {
	ID          uuid.UUID         `json:"id"`
	Action      string            `json:"action"`
	PerformedBy *uuid.UUID        `json:"performedBy,omitempty"`
	IP          string            `json:"ip"`
	UserAgent   string            `json:"userAgent"`
	Details     AdminAuditDetails `json:"details"`
}

// Session is the authenticated principal resolved from a bearer token.
type Session struct {
	UserID    uuid.UUID `json:"userId"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifyResult is returned by the admin verification check.
type VerifyResult struct {
	IsAdmin bool       `json:"isAdmin"`
	UserID  *uuid.UUID `json:"userId,omitempty"`
	Email   string     `json:"email,omitempty"`
}

// RequestMeta carries caller details recorded with every admin attempt.
type RequestMeta struct {
	IP        string
	UserAgent string
}
