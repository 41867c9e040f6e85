package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one revision of a delivery. Later revisions of the same
// ID supersede earlier ones.
type DeliveryRecord struct {
	ID             string     `json:"id"`
	Revision       int        `json:"rev"`
	NotificationID string     `json:"notification_id"`
	RouteID        string     `json:"route_id,omitempty"`
	Level          int        `json:"level"`
	ActionType     string     `json:"action_type"`
	RecipientRef   string     `json:"recipient_ref,omitempty"`
	Address        string     `json:"address,omitempty"`
	Method         string     `json:"method"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastAttempt    time.Time  `json:"last_attempt"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
}

// EscalationRecord is the latest known state of an escalation instance.
type EscalationRecord struct {
	ID              string     `json:"id"`
	NotificationID  string     `json:"notification_id"`
	RouteID         string     `json:"route_id"`
	CurrentLevel    int        `json:"current_level"`
	StartedAt       time.Time  `json:"started_at"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
	IsResolved      bool       `json:"is_resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	Exhausted       bool       `json:"exhausted,omitempty"`
	HaltReason      string     `json:"halt_reason,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
