package telemetry

import "time"

// FraudDecisionEvent mirrors one fraud log row for the analytics pipeline.
type FraudDecisionEvent struct {
	Timestamp time.Time `json:"@timestamp"`
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	DeviceID  string    `json:"device_id,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// AdminAuditEvent mirrors one admin audit row.
type AdminAuditEvent struct {
	Timestamp   time.Time `json:"@timestamp"`
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performed_by,omitempty"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// RequestAuditEvent is emitted per guarded HTTP request.
type RequestAuditEvent struct {
	Timestamp  time.Time `json:"@timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	IP         string    `json:"ip,omitempty"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(any)
}

// NopPublisher discards everything; used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(any) {}
