package escalation

import (
	"time"

	"notiflow/internal/storage"
)

// Instance is the state of one escalation track for a (notification, route) pair.
type Instance struct {
	ID              string     `json:"id"`
	NotificationID  string     `json:"notificationId"`
	RouteID         string     `json:"routeId"`
	CurrentLevel    int        `json:"currentLevel"`
	StartedAt       time.Time  `json:"startedAt"`
	LastEscalatedAt *time.Time `json:"lastEscalatedAt,omitempty"`
	IsResolved      bool       `json:"isResolved"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	// Exhausted instances ran out of levels; they stay unresolved but inert.
	Exhausted bool `json:"exhausted,omitempty"`
	// HaltReason is set when escalation stopped because of bad level data.
	HaltReason string `json:"haltReason,omitempty"`
}

// Active reports whether the instance is unresolved.
func (i Instance) Active() bool { return !i.IsResolved }

// Running reports whether a timeout is still expected to fire.
func (i Instance) Running() bool {
	return !i.IsResolved && !i.Exhausted && i.HaltReason == ""
}

func (i Instance) clone() Instance {
	i.LastEscalatedAt = cloneTime(i.LastEscalatedAt)
	i.ResolvedAt = cloneTime(i.ResolvedAt)
	return i
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func toRecord(i Instance, now time.Time) storage.EscalationRecord {
	return storage.EscalationRecord{
		ID:              i.ID,
		NotificationID:  i.NotificationID,
		RouteID:         i.RouteID,
		CurrentLevel:    i.CurrentLevel,
		StartedAt:       i.StartedAt,
		LastEscalatedAt: cloneTime(i.LastEscalatedAt),
		IsResolved:      i.IsResolved,
		ResolvedAt:      cloneTime(i.ResolvedAt),
		ResolvedBy:      i.ResolvedBy,
		Exhausted:       i.Exhausted,
		HaltReason:      i.HaltReason,
		UpdatedAt:       now,
	}
}

func fromRecord(r storage.EscalationRecord) Instance {
	return Instance{
		ID:              r.ID,
		NotificationID:  r.NotificationID,
		RouteID:         r.RouteID,
		CurrentLevel:    r.CurrentLevel,
		StartedAt:       r.StartedAt,
		LastEscalatedAt: cloneTime(r.LastEscalatedAt),
		IsResolved:      r.IsResolved,
		ResolvedAt:      cloneTime(r.ResolvedAt),
		ResolvedBy:      r.ResolvedBy,
		Exhausted:       r.Exhausted,
		HaltReason:      r.HaltReason,
	}
}
