// Package ledger is the append-only record of every dispatch attempt.
//
// Status changes are appended as new revisions of the same delivery id; reads
// always see the latest revision.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notiflow/internal/eventbus"
	"notiflow/internal/storage"
	logx "notiflow/pkg/logx"
)

var (
	ErrNotFound          = errors.New("delivery not found")
	ErrDuplicate         = errors.New("delivery already recorded")
	ErrInvalidTransition = errors.New("invalid delivery status transition")
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusFailed       Status = "failed"
	StatusAcknowledged Status = "acknowledged"
)

// Succeeded reports whether the status counts towards the delivery rate.
// Acknowledged deliveries were delivered first.
func (s Status) Succeeded() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusAcknowledged
}

// LevelRoute marks deliveries produced by route dispatch rather than an
// escalation level.
const LevelRoute = -1

type Delivery struct {
	ID             string     `json:"id"`
	Revision       int        `json:"revision"`
	NotificationID string     `json:"notificationId"`
	RouteID        string     `json:"routeId,omitempty"`
	Level          int        `json:"level"`
	ActionType     string     `json:"actionType"`
	RecipientRef   string     `json:"recipientRef,omitempty"`
	Address        string     `json:"address,omitempty"`
	Method         string     `json:"method"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastAttempt    time.Time  `json:"lastAttempt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
}

func (d Delivery) clone() Delivery {
	d.DeliveredAt = cloneTime(d.DeliveredAt)
	d.AcknowledgedAt = cloneTime(d.AcknowledgedAt)
	return d
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Filter selects deliveries; empty fields match everything.
type Filter struct {
	NotificationID string
	RecipientRef   string
	RouteID        string
	Status         Status
	Method         string
}

func (f Filter) match(d Delivery) bool {
	if f.NotificationID != "" && d.NotificationID != f.NotificationID {
		return false
	}
	if f.RecipientRef != "" && d.RecipientRef != f.RecipientRef {
		return false
	}
	if f.RouteID != "" && d.RouteID != f.RouteID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Method != "" && d.Method != f.Method {
		return false
	}
	return true
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu    sync.RWMutex
	items []Delivery
	index map[string]int

	log logx.Logger
	bus eventbus.Bus
	w   *storage.Writer
}

// New returns an empty ledger. bus and w may be nil.
func New(log logx.Logger, bus eventbus.Bus, w *storage.Writer) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		index: map[string]int{},
		log:   log,
		bus:   bus,
		w:     w,
	}
}

// Append records a new delivery. Pending status is assumed when empty.
func (l *Ledger) Append(d Delivery) (Delivery, error) {
	if d.ID == "" {
		return Delivery{}, errors.New("delivery id is required")
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	d.Revision = 1
	d = d.clone()

	l.mu.Lock()
	if _, ok := l.index[d.ID]; ok {
		l.mu.Unlock()
		return Delivery{}, fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}
	l.index[d.ID] = len(l.items)
	l.items = append(l.items, d)
	// Hand off under the lock so revisions reach the writer in order.
	l.w.Delivery(toRecord(d))
	l.mu.Unlock()

	l.publish(eventbus.TypeDeliveryRecorded, d)
	return d.clone(), nil
}

// Acknowledge appends an acknowledged revision. Acknowledging an already
// acknowledged delivery returns it unchanged. Failed and pending deliveries
// cannot be acknowledged.
func (l *Ledger) Acknowledge(id, by string, at time.Time) (Delivery, error) {
	d, changed, err := l.revise(id, func(d *Delivery) (bool, error) {
		switch d.Status {
		case StatusAcknowledged:
			return false, nil
		case StatusSent, StatusDelivered:
		default:
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusAcknowledged)
		}
		if d.DeliveredAt == nil {
			t := at
			d.DeliveredAt = &t
		}
		t := at
		d.AcknowledgedAt = &t
		d.AcknowledgedBy = by
		d.Status = StatusAcknowledged
		return true, nil
	})
	if err == nil && changed {
		l.publish(eventbus.TypeDeliveryAcked, d)
	}
	return d, err
}

// MarkDelivered appends a delivered revision for a sent delivery.
func (l *Ledger) MarkDelivered(id string, at time.Time) (Delivery, error) {
	d, changed, err := l.revise(id, func(d *Delivery) (bool, error) {
		switch d.Status {
		case StatusDelivered, StatusAcknowledged:
			return false, nil
		case StatusSent:
		default:
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusDelivered)
		}
		t := at
		d.DeliveredAt = &t
		d.Status = StatusDelivered
		return true, nil
	})
	if err == nil && changed {
		l.publish(eventbus.TypeDeliveryRecorded, d)
	}
	return d, err
}

// Settle records a later attempt's outcome on a pending delivery. Only the
// attempt fields of d are taken; identity fields stay as first recorded.
func (l *Ledger) Settle(d Delivery) (Delivery, error) {
	got, changed, err := l.revise(d.ID, func(cur *Delivery) (bool, error) {
		if cur.Status != StatusPending {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, d.Status)
		}
		cur.Status = d.Status
		cur.Attempts = d.Attempts
		cur.LastAttempt = d.LastAttempt
		cur.Address = d.Address
		cur.FailureReason = d.FailureReason
		cur.DeliveredAt = cloneTime(d.DeliveredAt)
		return true, nil
	})
	if err == nil && changed {
		l.publish(eventbus.TypeDeliveryRecorded, got)
	}
	return got, err
}

func (l *Ledger) revise(id string, fn func(d *Delivery) (bool, error)) (Delivery, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return Delivery{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := l.items[i].clone()
	changed, err := fn(&next)
	if err != nil || !changed {
		return l.items[i].clone(), false, err
	}
	next.Revision = l.items[i].Revision + 1
	l.items[i] = next
	l.w.Delivery(toRecord(next))
	return next.clone(), true, nil
}

func (l *Ledger) Get(id string) (Delivery, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Delivery{}, false
	}
	return l.items[i].clone(), true
}

// Query returns matching deliveries in append order.
func (l *Ledger) Query(f Filter) []Delivery {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Delivery, 0)
	for _, d := range l.items {
		if f.match(d) {
			out = append(out, d.clone())
		}
	}
	return out
}

func (l *Ledger) All() []Delivery { return l.Query(Filter{}) }

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// DeliveryRate is the share of deliveries that were sent or delivered.
// It is 0 for an empty ledger.
func (l *Ledger) DeliveryRate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.items) == 0 {
		return 0
	}
	ok := 0
	for _, d := range l.items {
		if d.Status.Succeeded() {
			ok++
		}
	}
	return float64(ok) / float64(len(l.items))
}

// AverageDeliveryTime is the mean of DeliveredAt-LastAttempt over deliveries
// that have a delivery time.
func (l *Ledger) AverageDeliveryTime() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum time.Duration
	n := 0
	for _, d := range l.items {
		if d.DeliveredAt == nil {
			continue
		}
		sum += d.DeliveredAt.Sub(d.LastAttempt)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// Counts returns the number of deliveries per status.
func (l *Ledger) Counts() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[Status]int{}
	for _, d := range l.items {
		out[d.Status]++
	}
	return out
}

// Restore loads persisted deliveries. Records whose id is already present
// are skipped. It returns the number of restored deliveries.
func (l *Ledger) Restore(ctx context.Context, st storage.Store) (int, error) {
	if st == nil {
		return 0, nil
	}
	recs, err := st.LoadDeliveries(ctx)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range recs {
		if _, ok := l.index[r.ID]; ok || r.ID == "" {
			continue
		}
		l.index[r.ID] = len(l.items)
		l.items = append(l.items, fromRecord(r))
		n++
	}
	if n > 0 {
		l.log.Info("restored deliveries", logx.Int("count", n))
	}
	return n, nil
}

func (l *Ledger) publish(typ string, d Delivery) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: d.LastAttempt, Data: d.clone()})
}

func toRecord(d Delivery) storage.DeliveryRecord {
	return storage.DeliveryRecord{
		ID:             d.ID,
		Revision:       d.Revision,
		NotificationID: d.NotificationID,
		RouteID:        d.RouteID,
		Level:          d.Level,
		ActionType:     d.ActionType,
		RecipientRef:   d.RecipientRef,
		Address:        d.Address,
		Method:         d.Method,
		Status:         string(d.Status),
		Attempts:       d.Attempts,
		LastAttempt:    d.LastAttempt,
		DeliveredAt:    cloneTime(d.DeliveredAt),
		AcknowledgedAt: cloneTime(d.AcknowledgedAt),
		AcknowledgedBy: d.AcknowledgedBy,
		FailureReason:  d.FailureReason,
	}
}

func fromRecord(r storage.DeliveryRecord) Delivery {
	return Delivery{
		ID:             r.ID,
		Revision:       r.Revision,
		NotificationID: r.NotificationID,
		RouteID:        r.RouteID,
		Level:          r.Level,
		ActionType:     r.ActionType,
		RecipientRef:   r.RecipientRef,
		Address:        r.Address,
		Method:         r.Method,
		Status:         Status(r.Status),
		Attempts:       r.Attempts,
		LastAttempt:    r.LastAttempt,
		DeliveredAt:    cloneTime(r.DeliveredAt),
		AcknowledgedAt: cloneTime(r.AcknowledgedAt),
		AcknowledgedBy: r.AcknowledgedBy,
		FailureReason:  r.FailureReason,
	}
}
