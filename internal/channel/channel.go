// Package channel defines the normalized send contract used for every action
// type and a registry that applies rate limiting, retry backoff and a
// circuit breaker per channel.
package channel

import (
	"context"
	"time"

	"notiflow/internal/directory"
	"notiflow/internal/routing"
)

// Payload is what a sender receives for one recipient contact.
type Payload struct {
	DeliveryID     string             `json:"deliveryId"`
	NotificationID string             `json:"notificationId"`
	RouteID        string             `json:"routeId"`
	Level          int                `json:"level"`
	ActionType     routing.ActionType `json:"actionType"`
	RecipientRef   string             `json:"recipientRef"`
	Title          string             `json:"title,omitempty"`
	Message        string             `json:"message,omitempty"`
	Severity       string             `json:"severity,omitempty"`
	Config         map[string]any     `json:"config,omitempty"`
}

// Result is the single outcome shape every sender returns, whatever the
// underlying transport reports.
type Result struct {
	OK bool
	// Delivered means the transport confirmed receipt, not just acceptance.
	Delivered bool
	Reason    string
	// RetryAfter is set when the send was throttled before any attempt.
	RetryAfter time.Duration
}

func Accepted() Result             { return Result{OK: true} }
func Confirmed() Result            { return Result{OK: true, Delivered: true} }
func Failure(reason string) Result { return Result{Reason: reason} }
func FailureErr(err error) Result  { return Result{Reason: err.Error()} }
func (r Result) Failed() bool      { return !r.OK }

type Sender interface {
	Send(ctx context.Context, cm directory.ContactMethod, p Payload) Result
}

// FuncSender adapts a function to Sender.
type FuncSender func(ctx context.Context, cm directory.ContactMethod, p Payload) Result

func (f FuncSender) Send(ctx context.Context, cm directory.ContactMethod, p Payload) Result {
	return f(ctx, cm, p)
}
