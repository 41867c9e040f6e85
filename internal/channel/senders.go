package channel

import (
	"context"
	"time"

	"notiflow/internal/directory"
	"notiflow/internal/eventbus"
	"notiflow/internal/routing"
	logx "notiflow/pkg/logx"
)

// LogSender writes each send to the structured log instead of a transport.
// Push sends report Delivered since push gateways acknowledge synchronously.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(ctx context.Context, cm directory.ContactMethod, p Payload) Result {
	if err := ctx.Err(); err != nil {
		return FailureErr(err)
	}
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("notification sent",
		logx.String("channel", cm.Channel),
		logx.String("address", cm.Address),
		logx.String("recipient", p.RecipientRef),
		logx.String("notification_id", p.NotificationID),
		logx.String("route_id", p.RouteID),
		logx.Int("level", p.Level),
		logx.String("title", p.Title),
	)
	if p.ActionType == routing.ActionPush {
		return Confirmed()
	}
	return Accepted()
}

// LocalAction is published on the bus when a local action (assign, archive,
// escalate) executes.
type LocalAction struct {
	Type           routing.ActionType `json:"type"`
	NotificationID string             `json:"notificationId"`
	RouteID        string             `json:"routeId"`
	Level          int                `json:"level"`
	Target         string             `json:"target,omitempty"`
	At             time.Time          `json:"at"`
}

// LocalSender executes actions that change engine-side state instead of
// contacting anyone. They confirm immediately.
type LocalSender struct {
	Bus eventbus.Bus
	Log logx.Logger
	Now func() time.Time
}

func (s LocalSender) Send(ctx context.Context, cm directory.ContactMethod, p Payload) Result {
	if err := ctx.Err(); err != nil {
		return FailureErr(err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	at := now()
	if !s.Log.IsZero() {
		s.Log.Debug("local action executed",
			logx.String("action_type", string(p.ActionType)),
			logx.String("notification_id", p.NotificationID),
			logx.String("target", cm.Address),
		)
	}
	if s.Bus != nil {
		s.Bus.Publish(eventbus.Event{
			Type: "action." + string(p.ActionType),
			Time: at,
			Data: LocalAction{
				Type:           p.ActionType,
				NotificationID: p.NotificationID,
				RouteID:        p.RouteID,
				Level:          p.Level,
				Target:         cm.Address,
				At:             at,
			},
		})
	}
	return Confirmed()
}
