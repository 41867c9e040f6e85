// Package escalation runs timeout-driven escalation tracks.
//
// Each instance moves Level(0) -> Level(1) -> ... on timeouts until it is
// resolved or runs out of levels. Resolution is authoritative: the timeout
// handler re-checks it under the coordinator lock before advancing, and the
// level executor re-checks IsActive before every action, so timer
// cancellation is only an optimization.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notiflow/internal/clock"
	"notiflow/internal/eventbus"
	"notiflow/internal/routing"
	"notiflow/internal/storage"
	logx "notiflow/pkg/logx"
)

var ErrNotFound = errors.New("escalation instance not found")

// RouteSource looks up the current definition of a route when a timeout fires.
// *routing.Catalog satisfies it.
type RouteSource interface {
	Route(id string) (routing.Route, bool)
}

// Executor runs the actions of one escalation level. active must be checked
// immediately before each action; once it returns false no action may run.
type Executor interface {
	ExecuteLevel(ctx context.Context, ev routing.Event, route routing.Route, level int, active func() bool)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ev routing.Event, route routing.Route, level int, active func() bool)

func (f ExecutorFunc) ExecuteLevel(ctx context.Context, ev routing.Event, route routing.Route, level int, active func() bool) {
	f(ctx, ev, route, level, active)
}

type key struct {
	notificationID string
	routeID        string
}

type entry struct {
	inst  Instance
	event routing.Event
	timer clock.Timer
}

type Option func(*Coordinator)

func WithBus(b eventbus.Bus) Option { return func(c *Coordinator) { c.bus = b } }

// WithWriter persists state transitions (best effort).
func WithWriter(w *storage.Writer) Option { return func(c *Coordinator) { c.w = w } }

func WithIDFunc(fn func() string) Option { return func(c *Coordinator) { c.newID = fn } }

// Coordinator is safe for concurrent use.
type Coordinator struct {
	mu     sync.Mutex
	byID   map[string]*entry
	active map[key]string
	order  []string
	closed bool

	log    logx.Logger
	clk    clock.Clock
	routes RouteSource
	exec   Executor
	bus    eventbus.Bus
	w      *storage.Writer
	newID  func() string

	ctx    context.Context
	cancel context.CancelFunc
}

func New(log logx.Logger, clk clock.Clock, routes RouteSource, exec Executor, opts ...Option) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		byID:   map[string]*entry{},
		active: map[key]string{},
		log:    log,
		clk:    clock.OrReal(clk),
		routes: routes,
		exec:   exec,
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Start creates an instance at level 0 and schedules its first timeout.
// If an unresolved instance already exists for (ev.ID, route.ID) it is
// returned with started=false. Routes without levels never start.
func (c *Coordinator) Start(ev routing.Event, route routing.Route) (inst Instance, started bool) {
	if !route.HasEscalation() {
		return Instance{}, false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Instance{}, false
	}
	k := key{ev.ID, route.ID}
	if id, ok := c.active[k]; ok {
		inst = c.byID[id].inst.clone()
		c.mu.Unlock()
		return inst, false
	}

	now := c.clk.Now()
	e := &entry{
		inst: Instance{
			ID:             c.newID(),
			NotificationID: ev.ID,
			RouteID:        route.ID,
			CurrentLevel:   0,
			StartedAt:      now,
		},
		event: ev,
	}
	c.byID[e.inst.ID] = e
	c.active[k] = e.inst.ID
	c.order = append(c.order, e.inst.ID)

	lvl := route.Escalation.Levels[0]
	if d := lvl.Timeout(); d > 0 {
		e.timer = c.schedule(e.inst.ID, 0, d)
	} else {
		e.inst.HaltReason = "level 0 has no timeout"
	}
	inst = e.inst.clone()
	c.persistLocked(inst, now)
	c.mu.Unlock()

	c.log.Info("escalation started",
		logx.String("escalation_id", inst.ID),
		logx.String("notification_id", inst.NotificationID),
		logx.String("route_id", inst.RouteID),
		logx.Duration("timeout", lvl.Timeout()),
	)
	c.record(eventbus.TypeEscalationStarted, inst, now)
	if inst.HaltReason != "" {
		c.log.Warn("escalation halted", logx.String("escalation_id", inst.ID), logx.String("reason", inst.HaltReason))
		c.record(eventbus.TypeEscalationHalted, inst, now)
	}
	return inst, true
}

func (c *Coordinator) schedule(id string, level int, d time.Duration) clock.Timer {
	return c.clk.AfterFunc(d, func() { c.onTimeout(id, level) })
}

type step struct {
	kind  string
	inst  Instance
	event routing.Event
	route routing.Route
}

func (c *Coordinator) onTimeout(id string, level int) {
	defer func() {
		if r := recover(); r != nil {
			c.halt(id, fmt.Sprintf("panic at level %d: %v", level+1, r))
		}
	}()

	st, ok := c.advance(id, level)
	if !ok {
		return
	}
	now := c.clk.Now()
	switch st.kind {
	case eventbus.TypeEscalationExhausted:
		c.log.Info("escalation exhausted", logx.String("escalation_id", id), logx.Int("level", st.inst.CurrentLevel))
		c.record(st.kind, st.inst, now)
		return
	case eventbus.TypeEscalationHalted:
		c.log.Warn("escalation halted", logx.String("escalation_id", id), logx.String("reason", st.inst.HaltReason))
		c.record(st.kind, st.inst, now)
		return
	}

	next := st.inst.CurrentLevel
	c.log.Info("escalation advanced",
		logx.String("escalation_id", id),
		logx.String("notification_id", st.inst.NotificationID),
		logx.Int("level", next),
	)
	c.record(eventbus.TypeEscalationAdvanced, st.inst, now)
	if st.inst.HaltReason != "" {
		c.log.Warn("escalation halted", logx.String("escalation_id", id), logx.String("reason", st.inst.HaltReason))
		c.record(eventbus.TypeEscalationHalted, st.inst, now)
	}

	if c.exec != nil {
		c.exec.ExecuteLevel(c.ctx, st.event, st.route, next, func() bool { return c.IsActive(id, next) })
	}
}

// advance commits the transition for a timeout at level under the lock.
// ok=false means the timeout is stale.
func (c *Coordinator) advance(id string, level int) (st step, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.byID[id]
	if c.closed || e == nil || !e.inst.Running() || e.inst.CurrentLevel != level {
		return step{}, false
	}
	e.timer = nil
	defer func() { c.persistLocked(st.inst, c.clk.Now()) }()

	var route routing.Route
	if c.routes != nil {
		route, ok = c.routes.Route(e.inst.RouteID)
	}
	switch {
	case !ok:
		e.inst.HaltReason = "route " + e.inst.RouteID + " no longer exists"
		return step{kind: eventbus.TypeEscalationHalted, inst: e.inst.clone()}, true
	case !route.HasEscalation() || level >= len(route.Escalation.Levels):
		e.inst.HaltReason = fmt.Sprintf("level %d no longer defined", level)
		return step{kind: eventbus.TypeEscalationHalted, inst: e.inst.clone()}, true
	case level+1 >= len(route.Escalation.Levels):
		e.inst.Exhausted = true
		return step{kind: eventbus.TypeEscalationExhausted, inst: e.inst.clone()}, true
	}

	next := level + 1
	now := c.clk.Now()
	e.inst.CurrentLevel = next
	e.inst.LastEscalatedAt = &now
	if d := route.Escalation.Levels[next].Timeout(); d > 0 {
		e.timer = c.schedule(id, next, d)
	} else {
		e.inst.HaltReason = fmt.Sprintf("level %d has no timeout", next)
	}
	return step{kind: eventbus.TypeEscalationAdvanced, inst: e.inst.clone(), event: e.event, route: route}, true
}

func (c *Coordinator) halt(id, reason string) {
	c.mu.Lock()
	e := c.byID[id]
	if e == nil || e.inst.IsResolved || e.inst.HaltReason != "" {
		c.mu.Unlock()
		return
	}
	e.inst.HaltReason = reason
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	inst := e.inst.clone()
	c.persistLocked(inst, c.clk.Now())
	c.mu.Unlock()

	c.log.Warn("escalation halted", logx.String("escalation_id", id), logx.String("reason", reason))
	c.record(eventbus.TypeEscalationHalted, inst, c.clk.Now())
}

// Resolve marks an instance resolved and cancels its timer. Resolving a
// resolved instance is a no-op.
func (c *Coordinator) Resolve(id, resolvedBy string) error {
	c.mu.Lock()
	e := c.byID[id]
	if e == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.inst.IsResolved {
		c.mu.Unlock()
		return nil
	}
	inst := c.resolveLocked(e, resolvedBy)
	c.mu.Unlock()

	c.log.Info("escalation resolved", logx.String("escalation_id", id), logx.String("resolved_by", resolvedBy))
	c.record(eventbus.TypeEscalationResolved, inst, *inst.ResolvedAt)
	return nil
}

// ResolveFor resolves every unresolved instance of a notification and returns them.
func (c *Coordinator) ResolveFor(notificationID, resolvedBy string) []Instance {
	c.mu.Lock()
	var out []Instance
	for _, id := range c.order {
		e := c.byID[id]
		if e.inst.NotificationID != notificationID || e.inst.IsResolved {
			continue
		}
		out = append(out, c.resolveLocked(e, resolvedBy))
	}
	c.mu.Unlock()

	for _, inst := range out {
		c.log.Info("escalation resolved", logx.String("escalation_id", inst.ID), logx.String("resolved_by", resolvedBy))
		c.record(eventbus.TypeEscalationResolved, inst, *inst.ResolvedAt)
	}
	return out
}

func (c *Coordinator) resolveLocked(e *entry, by string) Instance {
	now := c.clk.Now()
	e.inst.IsResolved = true
	e.inst.ResolvedAt = &now
	e.inst.ResolvedBy = by
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	k := key{e.inst.NotificationID, e.inst.RouteID}
	if c.active[k] == e.inst.ID {
		delete(c.active, k)
	}
	inst := e.inst.clone()
	c.persistLocked(inst, now)
	return inst
}

// IsActive reports whether the instance is unresolved and still at level.
func (c *Coordinator) IsActive(id string, level int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.byID[id]
	return e != nil && !c.closed && !e.inst.IsResolved && e.inst.CurrentLevel == level
}

func (c *Coordinator) Get(id string) (Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.byID[id]
	if e == nil {
		return Instance{}, false
	}
	return e.inst.clone(), true
}

// Instances returns every known instance in start order.
func (c *Coordinator) Instances() []Instance {
	return c.list(func(Instance) bool { return true })
}

// Active returns unresolved instances, exhausted and halted ones included.
func (c *Coordinator) Active() []Instance {
	return c.list(Instance.Active)
}

func (c *Coordinator) list(keep func(Instance) bool) []Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Instance, 0, len(c.order))
	for _, id := range c.order {
		if inst := c.byID[id].inst; keep(inst) {
			out = append(out, inst.clone())
		}
	}
	return out
}

// Restore loads persisted instances for reporting. Timers are not resumed:
// unresolved instances that were still running come back halted and do not
// block new escalations for the same notification.
func (c *Coordinator) Restore(ctx context.Context, st storage.Store) (int, error) {
	if st == nil {
		return 0, nil
	}
	recs, err := st.LoadEscalations(ctx)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range recs {
		if r.ID == "" || c.byID[r.ID] != nil {
			continue
		}
		inst := fromRecord(r)
		if inst.Running() {
			inst.HaltReason = "not resumed after restart"
		}
		c.byID[inst.ID] = &entry{inst: inst}
		c.order = append(c.order, inst.ID)
		if !inst.IsResolved {
			// Unresolved tracks keep owning their pair until someone resolves them.
			c.active[key{inst.NotificationID, inst.RouteID}] = inst.ID
		}
		n++
	}
	if n > 0 {
		c.log.Info("restored escalations", logx.Int("count", n))
	}
	return n, nil
}

// Close stops all pending timers and cancels in-flight level execution.
// Timeouts that fire afterwards are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.byID {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	c.mu.Unlock()
	c.cancel()
}

// persistLocked hands the state to the writer while c.mu is held so the
// writer sees transitions in commit order.
func (c *Coordinator) persistLocked(inst Instance, at time.Time) {
	c.w.Escalation(toRecord(inst, at))
}

func (c *Coordinator) record(typ string, inst Instance, at time.Time) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: inst})
	}
}
