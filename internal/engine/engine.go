// Package engine owns the routing pipeline: catalog, dispatcher, ledger and
// escalation coordinator. All state is mutated through Engine methods.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"notiflow/internal/channel"
	"notiflow/internal/clock"
	"notiflow/internal/directory"
	"notiflow/internal/dispatch"
	"notiflow/internal/escalation"
	"notiflow/internal/eventbus"
	"notiflow/internal/ledger"
	"notiflow/internal/routing"
	"notiflow/internal/storage"
	logx "notiflow/pkg/logx"
)

type Config struct {
	// MaxDelay caps action delays; 0 means no cap.
	MaxDelay time.Duration
}

// Deps are the collaborators an Engine runs on. Nil fields get defaults:
// wall clock, empty catalog, empty directory, empty channel registry and no
// persistence.
type Deps struct {
	Clock     clock.Clock
	Catalog   *routing.Catalog
	Directory directory.Directory
	Channels  *channel.Registry
	Writer    *storage.Writer
	// IDFunc generates delivery, instance and missing event ids.
	IDFunc func() string
}

type Engine struct {
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock

	catalog    *routing.Catalog
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	escalation *escalation.Coordinator
	newID      func() string
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, deps Deps) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	clk := clock.OrReal(deps.Clock)
	newID := deps.IDFunc
	if newID == nil {
		newID = uuid.NewString
	}
	cat := deps.Catalog
	if cat == nil {
		cat = routing.NewCatalog(log.With(logx.String("comp", "catalog")))
	}
	dir := deps.Directory
	if dir == nil {
		dir, _ = directory.NewStatic(nil)
	}
	reg := deps.Channels
	if reg == nil {
		reg = channel.NewRegistry(log.With(logx.String("comp", "channel")), clk)
	}

	led := ledger.New(log.With(logx.String("comp", "ledger")), bus, deps.Writer)
	d := dispatch.New(dispatch.Config{MaxDelay: cfg.MaxDelay}, log.With(logx.String("comp", "dispatch")), clk, dir, reg, led,
		dispatch.WithIDFunc(newID))
	coord := escalation.New(log.With(logx.String("comp", "escalation")), clk, cat, d,
		escalation.WithBus(bus),
		escalation.WithWriter(deps.Writer),
		escalation.WithIDFunc(newID),
	)
	d.SetStarter(coord)

	return &Engine{
		log:        log,
		bus:        bus,
		clk:        clk,
		catalog:    cat,
		ledger:     led,
		dispatcher: d,
		escalation: coord,
		newID:      newID,
	}
}

// Apply updates runtime settings.
func (e *Engine) Apply(cfg Config) {
	e.dispatcher.Apply(dispatch.Config{MaxDelay: cfg.MaxDelay})
}

func (e *Engine) Catalog() *routing.Catalog { return e.catalog }

// ProcessNotification matches ev against one catalog snapshot and dispatches
// every matching route in priority order. It returns the Deliveries produced
// synchronously; delayed and escalated Deliveries reach the ledger later.
// A misbehaving route never affects the others.
func (e *Engine) ProcessNotification(ctx context.Context, ev routing.Event) []ledger.Delivery {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = e.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clk.Now()
	}

	matched := routing.Match(ev, e.catalog.Snapshot())
	if len(matched) == 0 {
		e.log.Debug("no route matched", logx.String("notification_id", ev.ID), logx.String("type", ev.Type))
		return []ledger.Delivery{}
	}

	out := make([]ledger.Delivery, 0, len(matched))
	for _, r := range matched {
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeRouteMatched, Time: e.clk.Now(), Data: RouteMatch{NotificationID: ev.ID, RouteID: r.ID}})
		}
		out = append(out, e.dispatchRoute(ctx, ev, r)...)
	}
	e.log.Debug("notification processed",
		logx.String("notification_id", ev.ID),
		logx.Int("routes", len(matched)),
		logx.Int("deliveries", len(out)),
	)
	return out
}

// RouteMatch is the payload of route.matched events.
type RouteMatch struct {
	NotificationID string `json:"notificationId"`
	RouteID        string `json:"routeId"`
}

func (e *Engine) dispatchRoute(ctx context.Context, ev routing.Event, r routing.Route) (out []ledger.Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("route dispatch panic",
				logx.String("route_id", r.ID),
				logx.String("notification_id", ev.ID),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return e.dispatcher.Dispatch(ctx, ev, r)
}

func (e *Engine) ResolveEscalation(instanceID, resolvedBy string) error {
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("%w: escalation id is required", ErrInvalid)
	}
	return classify(e.escalation.Resolve(instanceID, resolvedBy))
}

// AcknowledgeDelivery marks a delivery acknowledged and resolves every active
// escalation of its notification.
func (e *Engine) AcknowledgeDelivery(deliveryID, by string) (ledger.Delivery, error) {
	d, err := e.ledger.Acknowledge(deliveryID, by, e.clk.Now())
	if err != nil {
		return ledger.Delivery{}, classify(err)
	}
	if resolved := e.escalation.ResolveFor(d.NotificationID, by); len(resolved) > 0 {
		e.log.Info("escalations resolved by acknowledgement",
			logx.String("delivery_id", deliveryID),
			logx.String("notification_id", d.NotificationID),
			logx.Int("count", len(resolved)),
		)
	}
	return d, nil
}

func (e *Engine) DeliveryRate() float64 { return e.ledger.DeliveryRate() }

func (e *Engine) AverageDeliveryTime() time.Duration { return e.ledger.AverageDeliveryTime() }

func (e *Engine) Deliveries(f ledger.Filter) []ledger.Delivery { return e.ledger.Query(f) }

func (e *Engine) Delivery(id string) (ledger.Delivery, bool) { return e.ledger.Get(id) }

func (e *Engine) ActiveEscalations() []escalation.Instance { return e.escalation.Active() }

func (e *Engine) Escalations() []escalation.Instance { return e.escalation.Instances() }

func (e *Engine) Escalation(id string) (escalation.Instance, bool) { return e.escalation.Get(id) }

func (e *Engine) Routes() []routing.Route { return e.catalog.Snapshot().Routes() }

func (e *Engine) ReplaceRoutes(routes []routing.Route) error {
	if err := e.catalog.Replace(routes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (e *Engine) Route(id string) (routing.Route, bool) { return e.catalog.Route(id) }

// UpsertRoute adds r or replaces the route with the same id.
func (e *Engine) UpsertRoute(r routing.Route) error {
	if err := e.catalog.Upsert(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// RemoveRoute drops a route. Running escalations of that route halt at their
// next timeout.
func (e *Engine) RemoveRoute(id string) error {
	if !e.catalog.Remove(id) {
		return fmt.Errorf("%w: route %q", ErrNotFound, id)
	}
	return nil
}

// Summary is a point-in-time reporting view.
type Summary struct {
	At                  time.Time             `json:"at"`
	Deliveries          int                   `json:"deliveries"`
	ByStatus            map[ledger.Status]int `json:"byStatus"`
	DeliveryRate        float64               `json:"deliveryRate"`
	AverageDeliveryTime time.Duration         `json:"-"`
	AverageDeliveryMs   int64                 `json:"averageDeliveryMs"`
	Escalations         int                   `json:"escalations"`
	ActiveEscalations   int                   `json:"activeEscalations"`
	Routes              int                   `json:"routes"`
	CatalogVersion      uint64                `json:"catalogVersion"`
}

func (e *Engine) Summary() Summary {
	counts := e.ledger.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	avg := e.ledger.AverageDeliveryTime()
	snap := e.catalog.Snapshot()
	return Summary{
		At:                  e.clk.Now(),
		Deliveries:          total,
		ByStatus:            counts,
		DeliveryRate:        e.ledger.DeliveryRate(),
		AverageDeliveryTime: avg,
		AverageDeliveryMs:   avg.Milliseconds(),
		Escalations:         len(e.escalation.Instances()),
		ActiveEscalations:   len(e.escalation.Active()),
		Routes:              snap.Len(),
		CatalogVersion:      snap.Version(),
	}
}

// Restore loads persisted deliveries and escalation records for reporting.
func (e *Engine) Restore(ctx context.Context, st storage.Store) error {
	if st == nil {
		return nil
	}
	if _, err := e.ledger.Restore(ctx, st); err != nil {
		return fmt.Errorf("restore deliveries: %w", err)
	}
	if _, err := e.escalation.Restore(ctx, st); err != nil {
		return fmt.Errorf("restore escalations: %w", err)
	}
	return nil
}

// Close cancels pending delayed actions and escalation timers, then waits for
// fired delayed actions until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.dispatcher.Stop()
	e.escalation.Close()
	if ctx == nil {
		ctx = context.Background()
	}
	return e.dispatcher.Wait(ctx)
}
