package routing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is an incoming notification. It is read-only to the engine.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	Title          string         `json:"title,omitempty"`
	Message        string         `json:"message,omitempty"`
	BranchID       string         `json:"branchId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
	IsRead         bool           `json:"isRead,omitempty"`
	ActionRequired bool           `json:"actionRequired,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Field names an event attribute a condition can inspect.
//
// The set is closed: the fixed attributes below plus "metadata.<key>".
type Field string

const (
	FieldID             Field = "id"
	FieldType           Field = "type"
	FieldSeverity       Field = "severity"
	FieldPriority       Field = "priority"
	FieldTitle          Field = "title"
	FieldMessage        Field = "message"
	FieldBranchID       Field = "branchId"
	FieldUserID         Field = "userId"
	FieldTimestamp      Field = "timestamp"
	FieldIsRead         Field = "isRead"
	FieldActionRequired Field = "actionRequired"

	metadataPrefix = "metadata."
)

// MetadataField returns the field addressing event.Metadata[key].
func MetadataField(key string) Field { return Field(metadataPrefix + key) }

// MetadataKey returns the metadata key for metadata fields.
func (f Field) MetadataKey() (string, bool) {
	s := string(f)
	if !strings.HasPrefix(s, metadataPrefix) || len(s) == len(metadataPrefix) {
		return "", false
	}
	return s[len(metadataPrefix):], true
}

func (f Field) Valid() bool {
	switch f {
	case FieldID, FieldType, FieldSeverity, FieldPriority, FieldTitle, FieldMessage,
		FieldBranchID, FieldUserID, FieldTimestamp, FieldIsRead, FieldActionRequired:
		return true
	}
	_, ok := f.MetadataKey()
	return ok
}

func (f *Field) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Field(strings.TrimSpace(s))
	if !v.Valid() {
		return fmt.Errorf("unknown condition field %q", s)
	}
	*f = v
	return nil
}

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
	OpRegex       Operator = "regex"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpGreaterThan, OpLessThan, OpBetween, OpIn, OpNotIn, OpIsNull, OpIsNotNull, OpRegex:
		return true
	}
	return false
}

func (o *Operator) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Operator(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return fmt.Errorf("unknown condition operator %q", s)
	}
	*o = v
	return nil
}

// Joiner combines a condition with the result accumulated so far.
type Joiner string

const (
	JoinAnd Joiner = "AND"
	JoinOr  Joiner = "OR"
)

func (j *Joiner) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND":
		*j = JoinAnd
	case "OR":
		*j = JoinOr
	default:
		return fmt.Errorf("unknown logical joiner %q", s)
	}
	return nil
}

type ActionType string

const (
	ActionEmail    ActionType = "email"
	ActionSMS      ActionType = "sms"
	ActionPush     ActionType = "push"
	ActionWebhook  ActionType = "webhook"
	ActionEscalate ActionType = "escalate"
	ActionAssign   ActionType = "assign"
	ActionArchive  ActionType = "archive"
)

// ActionTypes lists every action type in declaration order.
var ActionTypes = []ActionType{
	ActionEmail, ActionSMS, ActionPush, ActionWebhook, ActionEscalate, ActionAssign, ActionArchive,
}

func (a ActionType) Valid() bool {
	for _, t := range ActionTypes {
		if a == t {
			return true
		}
	}
	return false
}

// IsChannel reports whether the action sends through a contact channel
// (as opposed to a local state change).
func (a ActionType) IsChannel() bool {
	switch a {
	case ActionEmail, ActionSMS, ActionPush, ActionWebhook:
		return true
	}
	return false
}

func (a *ActionType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return fmt.Errorf("unknown action type %q", s)
	}
	*a = v
	return nil
}

type Condition struct {
	Field    Field    `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	// Joiner is ignored on the first condition of a list.
	Joiner Joiner `json:"logicalJoiner,omitempty"`
}

type Action struct {
	Type        ActionType     `json:"type"`
	Config      map[string]any `json:"config,omitempty"`
	DelayMillis int64          `json:"delayMillis,omitempty"`
}

// Delay returns the action delay as a duration.
func (a Action) Delay() time.Duration {
	if a.DelayMillis <= 0 {
		return 0
	}
	return time.Duration(a.DelayMillis) * time.Millisecond
}

type EscalationLevel struct {
	Recipients     []string `json:"recipients,omitempty"`
	Actions        []Action `json:"actions"`
	TimeoutMinutes float64  `json:"timeoutMinutes"`
}

// Timeout returns the level timeout as a duration.
func (l EscalationLevel) Timeout() time.Duration {
	return time.Duration(l.TimeoutMinutes * float64(time.Minute))
}

type EscalationPolicy struct {
	Levels         []EscalationLevel `json:"levels"`
	TimeoutMinutes float64           `json:"timeoutMinutes,omitempty"`
	// MaxLevel is a legacy field. Depth is always len(Levels).
	MaxLevel *int `json:"maxLevel,omitempty"`
}

type Route struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Conditions []Condition       `json:"conditions,omitempty"`
	Actions    []Action          `json:"actions,omitempty"`
	Escalation *EscalationPolicy `json:"escalation,omitempty"`
	IsActive   bool              `json:"isActive"`
	// Priority orders evaluation only (lower first).
	Priority int `json:"priority"`
}

// HasEscalation reports whether the route carries at least one escalation level.
func (r Route) HasEscalation() bool {
	return r.Escalation != nil && len(r.Escalation.Levels) > 0
}

// Level returns escalation level i.
func (r Route) Level(i int) (EscalationLevel, bool) {
	if r.Escalation == nil || i < 0 || i >= len(r.Escalation.Levels) {
		return EscalationLevel{}, false
	}
	return r.Escalation.Levels[i], true
}
