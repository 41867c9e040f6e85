// Package dispatch executes route and escalation-level actions and records
// one Delivery per recipient in the ledger.
//
// Action failures never abort sibling actions: every failure (no sender,
// unresolvable recipient, no usable contact, channel error, panic) becomes
// a failed Delivery.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notiflow/internal/channel"
	"notiflow/internal/clock"
	"notiflow/internal/directory"
	"notiflow/internal/escalation"
	"notiflow/internal/ledger"
	"notiflow/internal/routing"
	logx "notiflow/pkg/logx"
)

// Starter starts escalation for a dispatched route. *escalation.Coordinator
// satisfies it.
type Starter interface {
	Start(ev routing.Event, route routing.Route) (escalation.Instance, bool)
}

type Config struct {
	// MaxDelay caps delayMillis; 0 means no cap.
	MaxDelay time.Duration
}

type Option func(*Dispatcher)

func WithIDFunc(fn func() string) Option { return func(d *Dispatcher) { d.newID = fn } }

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	log    logx.Logger
	clk    clock.Clock
	dir    directory.Directory
	reg    *channel.Registry
	ledger *ledger.Ledger
	newID  func() string

	mu       sync.Mutex
	cfg      Config
	starter  Starter
	pending  map[uint64]task
	seq      uint64
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func New(cfg Config, log logx.Logger, clk clock.Clock, dir directory.Directory, reg *channel.Registry, led *ledger.Ledger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		log:     log,
		clk:     clock.OrReal(clk),
		dir:     dir,
		reg:     reg,
		ledger:  led,
		newID:   uuid.NewString,
		cfg:     cfg,
		pending: map[uint64]task{},
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// SetStarter wires the escalation coordinator. It breaks the construction
// cycle between the dispatcher and the coordinator's level executor.
func (d *Dispatcher) SetStarter(s Starter) {
	d.mu.Lock()
	d.starter = s
	d.mu.Unlock()
}

// Dispatch executes route actions in declared order and returns the
// Deliveries produced synchronously. Delayed actions are scheduled on the
// clock and only reach the ledger. If the route has escalation levels the
// coordinator is started exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, ev routing.Event, route routing.Route) []ledger.Delivery {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make([]ledger.Delivery, 0, len(route.Actions))
	for i, a := range route.Actions {
		if delay := a.Delay(); delay > 0 {
			d.scheduleDelayed(ev, route, a, ledger.LevelRoute, nil, nil, delay, i)
			continue
		}
		out = append(out, d.execute(ctx, ev, route, a, ledger.LevelRoute, nil, nil)...)
	}

	if route.HasEscalation() {
		d.mu.Lock()
		s := d.starter
		d.mu.Unlock()
		if s != nil {
			if inst, started := s.Start(ev, route); !started && inst.ID != "" {
				d.log.Debug("escalation already active",
					logx.String("escalation_id", inst.ID),
					logx.String("notification_id", ev.ID),
					logx.String("route_id", route.ID),
				)
			}
		}
	}
	return out
}

// ExecuteLevel runs the actions of escalation level against that level's
// recipients. active is checked before every action and every recipient;
// nil means always active.
func (d *Dispatcher) ExecuteLevel(ctx context.Context, ev routing.Event, route routing.Route, level int, active func() bool) {
	lvl, ok := route.Level(level)
	if !ok {
		d.log.Warn("escalation level missing",
			logx.String("route_id", route.ID),
			logx.Int("level", level),
		)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for i, a := range lvl.Actions {
		if active != nil && !active() {
			return
		}
		if delay := a.Delay(); delay > 0 {
			d.scheduleDelayed(ev, route, a, level, lvl.Recipients, active, delay, i)
			continue
		}
		d.execute(ctx, ev, route, a, level, lvl.Recipients, active)
	}
}

func (d *Dispatcher) scheduleDelayed(ev routing.Event, route routing.Route, a routing.Action, level int, fallback []string, active func() bool, delay time.Duration, idx int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if limit := d.cfg.MaxDelay; limit > 0 && delay > limit {
		d.log.Warn("action delay capped",
			logx.String("route_id", route.ID),
			logx.Int("action", idx),
			logx.Duration("delay", delay),
			logx.Duration("max", limit),
		)
		delay = limit
	}
	d.seq++
	id := d.seq
	d.inflight.Add(1)
	d.pending[id] = task{timer: d.clk.AfterFunc(delay, func() {
		defer d.inflight.Done()
		d.mu.Lock()
		_, ok := d.pending[id]
		delete(d.pending, id)
		stopped := d.stopped
		ctx := d.ctx
		d.mu.Unlock()
		if !ok || stopped {
			return
		}
		d.execute(ctx, ev, route, a, level, fallback, active)
	})}
}

// Pending returns the number of scheduled delayed actions and send retries.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels pending delayed actions and retries and the in-flight sends
// started by them. Deliveries waiting on a cancelled retry are marked failed.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancelled := 0
	var abandon []func()
	for id, tk := range d.pending {
		if tk.timer.Stop() {
			d.inflight.Done()
			cancelled++
			if tk.cancel != nil {
				abandon = append(abandon, tk.cancel)
			}
		}
		delete(d.pending, id)
	}
	d.mu.Unlock()
	d.cancel()
	for _, fn := range abandon {
		fn()
	}
	if cancelled > 0 {
		d.log.Info("scheduled work cancelled", logx.Int("count", cancelled), logx.Int("retries", len(abandon)))
	}
}

// Wait blocks until fired delayed actions finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs one action for every recipient and records the Deliveries.
func (d *Dispatcher) execute(ctx context.Context, ev routing.Event, route routing.Route, a routing.Action, level int, fallback []string, active func() bool) []ledger.Delivery {
	refs := recipientsFor(a, fallback)
	if len(refs) == 0 {
		switch {
		case a.Type == routing.ActionArchive:
			// Archive acts on the notification itself.
			refs = []string{""}
		case a.Type == routing.ActionWebhook && configString(a.Config, "url") != "":
			refs = []string{""}
		default:
			del := d.newDelivery(ev, route, a, level, "")
			return d.record(d.fail(del, "no recipients configured"))
		}
	}

	out := make([]ledger.Delivery, 0, len(refs))
	for _, ref := range refs {
		if active != nil && !active() {
			break
		}
		del, next := d.deliver(ctx, ev, route, a, level, ref)
		recorded := d.record(del)
		if next.wait > 0 {
			next.del = recorded[0]
			next.active = active
			d.scheduleRetry(next)
		}
		out = append(out, recorded...)
	}
	return out
}

// deliver runs the first round of sends for ref. A non-zero next.wait means
// the returned Delivery is pending and another round is due.
func (d *Dispatcher) deliver(ctx context.Context, ev routing.Event, route routing.Route, a routing.Action, level int, ref string) (del ledger.Delivery, next retry) {
	del = d.newDelivery(ev, route, a, level, ref)
	defer func() {
		if r := recover(); r != nil {
			d.logPanic(route, a, r)
			del = d.fail(del, fmt.Sprintf("panic: %v", r))
			next = retry{}
		}
	}()

	if !a.Type.Valid() {
		return d.fail(del, fmt.Sprintf("unknown action type %q", a.Type)), retry{}
	}
	if d.reg == nil || !d.reg.Has(a.Type) {
		return d.fail(del, fmt.Sprintf("%v for action type %q", channel.ErrNoSender, a.Type)), retry{}
	}

	next = retry{
		route:  route,
		action: a,
		ref:    ref,
		payload: channel.Payload{
			DeliveryID:     del.ID,
			NotificationID: ev.ID,
			RouteID:        route.ID,
			Level:          level,
			ActionType:     a.Type,
			RecipientRef:   ref,
			Title:          ev.Title,
			Message:        ev.Message,
			Severity:       ev.Severity,
			Config:         a.Config,
		},
		round: 1,
	}
	del, next.wait, next.round = d.attempt(ctx, next, del)
	return del, next
}

// attempt tries every usable contact for one round and applies the outcome
// to del. It returns the wait before the next round (0 when del is final)
// and the round that follows. Throttled rounds do not count against the
// channel's retry budget.
func (d *Dispatcher) attempt(ctx context.Context, rt retry, del ledger.Delivery) (ledger.Delivery, time.Duration, int) {
	a := rt.action
	methods, err := d.contactsFor(ctx, a, rt.ref)
	if err != nil {
		return d.fail(del, err.Error()), 0, rt.round
	}

	var res channel.Result
	var throttled time.Duration
	for _, cm := range methods {
		r, n := d.reg.Send(ctx, a.Type, cm, rt.payload)
		del.Attempts += n
		del.LastAttempt = d.clk.Now()
		del.Address = cm.Address
		res = r
		if r.OK {
			break
		}
		if r.RetryAfter > 0 && (throttled == 0 || r.RetryAfter < throttled) {
			throttled = r.RetryAfter
		}
	}
	if res.OK {
		del.FailureReason = ""
		if res.Delivered || confirmsImmediately(a.Type) {
			now := d.clk.Now()
			del.Status = ledger.StatusDelivered
			del.DeliveredAt = &now
		} else {
			del.Status = ledger.StatusSent
		}
		return del, 0, rt.round
	}

	reason := res.Reason
	if reason == "" {
		reason = "send failed"
	}
	if ctx.Err() == nil {
		if throttled > 0 {
			del.Status = ledger.StatusPending
			del.FailureReason = reason
			return del, throttled, rt.round
		}
		if wait, ok := d.reg.NextRetry(a.Type, rt.round); ok {
			if wait <= 0 {
				wait = time.Millisecond
			}
			del.Status = ledger.StatusPending
			del.FailureReason = reason
			return del, wait, rt.round + 1
		}
	}
	return d.fail(del, reason), 0, rt.round
}

// retry carries one pending Delivery between rounds.
type retry struct {
	del     ledger.Delivery
	route   routing.Route
	action  routing.Action
	ref     string
	payload channel.Payload
	active  func() bool
	round   int
	wait    time.Duration
}

// task is a scheduled timer. cancel, when set, runs if Stop cancels it.
type task struct {
	timer  clock.Timer
	cancel func()
}

func (d *Dispatcher) scheduleRetry(rt retry) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.settle(d.fail(rt.del, "retry cancelled: dispatcher stopped"))
		return
	}
	d.seq++
	id := d.seq
	d.inflight.Add(1)
	d.pending[id] = task{
		timer: d.clk.AfterFunc(rt.wait, func() {
			defer d.inflight.Done()
			d.mu.Lock()
			delete(d.pending, id)
			stopped := d.stopped
			ctx := d.ctx
			d.mu.Unlock()
			if stopped {
				d.settle(d.fail(rt.del, "retry cancelled: dispatcher stopped"))
				return
			}
			d.retryRound(ctx, rt)
		}),
		cancel: func() { d.settle(d.fail(rt.del, "retry cancelled: dispatcher stopped")) },
	}
	d.mu.Unlock()
}

func (d *Dispatcher) retryRound(ctx context.Context, rt retry) {
	del := rt.del
	defer func() {
		if r := recover(); r != nil {
			d.logPanic(rt.route, rt.action, r)
			d.settle(d.fail(del, fmt.Sprintf("panic: %v", r)))
		}
	}()
	if rt.active != nil && !rt.active() {
		d.settle(d.fail(del, "escalation no longer active"))
		return
	}
	del, rt.wait, rt.round = d.attempt(ctx, rt, del)
	rt.del = d.settle(del)
	if rt.wait > 0 {
		d.scheduleRetry(rt)
	}
}

func (d *Dispatcher) logPanic(route routing.Route, a routing.Action, r any) {
	d.log.Error("action panic",
		logx.String("route_id", route.ID),
		logx.String("action_type", string(a.Type)),
		logx.Any("panic", r),
		logx.Stack(string(debug.Stack())),
	)
}

// settle writes a later round's outcome over the pending ledger entry.
func (d *Dispatcher) settle(del ledger.Delivery) ledger.Delivery {
	if d.ledger == nil {
		return del
	}
	got, err := d.ledger.Settle(del)
	if err != nil {
		d.log.Error("ledger settle failed", logx.String("delivery_id", del.ID), logx.Err(err))
		return del
	}
	return got
}

// contactsFor lists the contact methods to try for ref, in order.
func (d *Dispatcher) contactsFor(ctx context.Context, a routing.Action, ref string) ([]directory.ContactMethod, error) {
	if !a.Type.IsChannel() {
		// Local actions target the ref itself.
		return []directory.ContactMethod{{Channel: string(a.Type), Address: ref, IsActive: true}}, nil
	}
	if ref == "" {
		if url := configString(a.Config, "url"); a.Type == routing.ActionWebhook && url != "" {
			return []directory.ContactMethod{{Channel: string(a.Type), Address: url, IsActive: true}}, nil
		}
		return nil, fmt.Errorf("no recipient for %s action", a.Type)
	}
	if d.dir == nil {
		return nil, fmt.Errorf("%w %q: no directory", directory.ErrUnknownRecipient, ref)
	}
	all, err := d.dir.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	out := make([]directory.ContactMethod, 0, len(all))
	for _, cm := range directory.Usable(all) {
		if strings.EqualFold(cm.Channel, string(a.Type)) {
			out = append(out, cm)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no active %s contact for %s", a.Type, ref)
	}
	return out, nil
}

// confirmsImmediately covers push and the engine-local actions.
func confirmsImmediately(t routing.ActionType) bool {
	return t == routing.ActionPush || !t.IsChannel()
}

func (d *Dispatcher) newDelivery(ev routing.Event, route routing.Route, a routing.Action, level int, ref string) ledger.Delivery {
	return ledger.Delivery{
		ID:             d.newID(),
		NotificationID: ev.ID,
		RouteID:        route.ID,
		Level:          level,
		ActionType:     string(a.Type),
		RecipientRef:   ref,
		Method:         string(a.Type),
		Status:         ledger.StatusPending,
		LastAttempt:    d.clk.Now(),
	}
}

func (d *Dispatcher) fail(del ledger.Delivery, reason string) ledger.Delivery {
	del.Status = ledger.StatusFailed
	del.FailureReason = reason
	d.log.Warn("delivery failed",
		logx.String("delivery_id", del.ID),
		logx.String("notification_id", del.NotificationID),
		logx.String("route_id", del.RouteID),
		logx.String("action_type", del.ActionType),
		logx.String("recipient", del.RecipientRef),
		logx.String("reason", reason),
	)
	return del
}

// record appends del to the ledger and returns it as recorded.
func (d *Dispatcher) record(del ledger.Delivery) []ledger.Delivery {
	if d.ledger == nil {
		return []ledger.Delivery{del}
	}
	got, err := d.ledger.Append(del)
	if err != nil {
		d.log.Error("ledger append failed", logx.String("delivery_id", del.ID), logx.Err(err))
		return []ledger.Delivery{del}
	}
	return []ledger.Delivery{got}
}

// recipientsFor reads config.recipients (list) or config.recipient (string),
// falling back to the escalation level's recipients.
func recipientsFor(a routing.Action, fallback []string) []string {
	var out []string
	switch v := a.Config["recipients"].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = append(out, v)
	}
	if s := configString(a.Config, "recipient"); s != "" {
		out = append(out, s)
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return append([]string(nil), fallback...)
	}
	return cleaned
}

func configString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return strings.TrimSpace(s)
}
