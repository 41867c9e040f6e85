package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notiflow/internal/channel"
	"notiflow/internal/clock"
	"notiflow/internal/directory"
	"notiflow/internal/escalation"
	"notiflow/internal/ledger"
	"notiflow/internal/routing"
	logx "notiflow/pkg/logx"
)

type sent struct {
	actionType routing.ActionType
	address    string
	level      int
}

type fixture struct {
	clk    *clock.Fake
	reg    *channel.Registry
	ledger *ledger.Ledger
	d      *Dispatcher

	mu    sync.Mutex
	sends []sent
	// fail lists addresses whose sends fail.
	fail map[string]bool
}

func (f *fixture) sender(t routing.ActionType, confirm bool) channel.Sender {
	return channel.FuncSender(func(ctx context.Context, cm directory.ContactMethod, p channel.Payload) channel.Result {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sends = append(f.sends, sent{t, cm.Address, p.Level})
		if f.fail[cm.Address] {
			return channel.Failure(cm.Address + " unreachable")
		}
		if confirm {
			return channel.Confirmed()
		}
		return channel.Accepted()
	})
}

func (f *fixture) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sends...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := directory.NewStatic(map[string]directory.Entry{
		"user:alice": {Contacts: []directory.ContactMethod{
			{Channel: "email", Address: "alice@example.com", Priority: 1, IsActive: true},
			{Channel: "email", Address: "alice@backup.example.com", Priority: 2, IsActive: true},
			{Channel: "sms", Address: "+100", Priority: 1, IsActive: true},
			{Channel: "push", Address: "device-a", IsActive: true},
		}},
		"user:bob": {Contacts: []directory.ContactMethod{
			{Channel: "email", Address: "bob@example.com", IsActive: true},
			{Channel: "sms", Address: "+200", IsActive: false},
		}},
		"role:managers": {Members: []string{"user:bob"}},
		"role:oncall":   {Members: []string{"user:alice", "user:bob"}},
	})
	require.NoError(t, err)

	f := &fixture{clk: clock.NewFake(time.Time{}), fail: map[string]bool{}}
	f.reg = channel.NewRegistry(logx.Nop(), f.clk)
	noBreaker := channel.Config{FailureThreshold: -1}
	f.reg.Register(routing.ActionEmail, f.sender(routing.ActionEmail, false), noBreaker)
	f.reg.Register(routing.ActionSMS, f.sender(routing.ActionSMS, false), noBreaker)
	f.reg.Register(routing.ActionPush, f.sender(routing.ActionPush, false), noBreaker)
	local := channel.LocalSender{Now: f.clk.Now}
	for _, at := range []routing.ActionType{routing.ActionAssign, routing.ActionArchive, routing.ActionEscalate} {
		f.reg.Register(at, local, noBreaker)
	}
	f.ledger = ledger.New(logx.Nop(), nil, nil)
	n := 0
	f.d = New(Config{MaxDelay: time.Hour}, logx.Nop(), f.clk, dir, f.reg, f.ledger,
		WithIDFunc(func() string { n++; return fmt.Sprintf("d%d", n) }))
	t.Cleanup(f.d.Stop)
	return f
}

func action(t routing.ActionType, recipients ...string) routing.Action {
	a := routing.Action{Type: t}
	if len(recipients) > 0 {
		list := make([]any, 0, len(recipients))
		for _, r := range recipients {
			list = append(list, r)
		}
		a.Config = map[string]any{"recipients": list}
	}
	return a
}

func TestDispatchKeepsDeclaredOrderAndStatuses(t *testing.T) {
	f := newFixture(t)
	route := routing.Route{ID: "r1", Actions: []routing.Action{
		action(routing.ActionEmail, "user:alice"),
		action(routing.ActionSMS, "user:alice"),
		action(routing.ActionPush, "user:alice"),
		action(routing.ActionAssign, "user:bob"),
	}}
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1", Title: "disk full"}, route)
	require.Len(t, out, 4)

	assert.Equal(t, "email", out[0].Method)
	assert.Equal(t, ledger.StatusSent, out[0].Status)
	assert.Equal(t, "alice@example.com", out[0].Address)
	assert.Equal(t, ledger.StatusSent, out[1].Status)
	assert.Equal(t, ledger.StatusDelivered, out[2].Status, "push confirms immediately")
	require.NotNil(t, out[2].DeliveredAt)
	assert.Equal(t, ledger.StatusDelivered, out[3].Status, "local actions confirm immediately")
	assert.Equal(t, "user:bob", out[3].Address)

	for _, d := range out {
		assert.Equal(t, "n1", d.NotificationID)
		assert.Equal(t, "r1", d.RouteID)
		assert.Equal(t, ledger.LevelRoute, d.Level)
		assert.Equal(t, 1, d.Attempts)
	}
	assert.Equal(t, 4, f.ledger.Len())
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	// No webhook sender, unknown recipient, only an inactive sms contact,
	// no recipients, then one healthy action.
	route := routing.Route{ID: "r1", Actions: []routing.Action{
		action(routing.ActionWebhook, "user:alice"),
		action(routing.ActionEmail, "user:nobody"),
		action(routing.ActionSMS, "user:bob"),
		action(routing.ActionEmail),
		action(routing.ActionEmail, "user:alice"),
	}}
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, route)
	require.Len(t, out, 5)
	for i := 0; i < 4; i++ {
		assert.Equal(t, ledger.StatusFailed, out[i].Status, "action %d", i)
		assert.NotEmpty(t, out[i].FailureReason, "action %d", i)
	}
	assert.Contains(t, out[0].FailureReason, "no sender")
	assert.Contains(t, out[1].FailureReason, "unknown recipient")
	assert.Contains(t, out[2].FailureReason, "no active sms contact")
	assert.Equal(t, "no recipients configured", out[3].FailureReason)
	assert.Equal(t, ledger.StatusSent, out[4].Status)
	assert.InDelta(t, 0.2, f.ledger.DeliveryRate(), 1e-9)
}

func TestFallsBackToNextContactMethod(t *testing.T) {
	f := newFixture(t)
	f.fail["alice@example.com"] = true
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, routing.Route{ID: "r1", Actions: []routing.Action{
		action(routing.ActionEmail, "user:alice"),
	}})
	require.Len(t, out, 1)
	assert.Equal(t, ledger.StatusSent, out[0].Status)
	assert.Equal(t, 2, out[0].Attempts)
	assert.Equal(t, "alice@backup.example.com", out[0].Address)

	f.fail["alice@backup.example.com"] = true
	out = f.d.Dispatch(context.Background(), routing.Event{ID: "n2"}, routing.Route{ID: "r1", Actions: []routing.Action{
		action(routing.ActionEmail, "user:alice"),
	}})
	assert.Equal(t, ledger.StatusFailed, out[0].Status)
	assert.Equal(t, 2, out[0].Attempts)
	assert.Equal(t, "alice@backup.example.com unreachable", out[0].FailureReason)
}

func TestGroupRefRecordsOneDelivery(t *testing.T) {
	f := newFixture(t)
	route := routing.Route{ID: "r1", Actions: []routing.Action{action(routing.ActionEmail, "role:oncall")}}

	// Member contacts are tried in priority order: bob's unranked email first.
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, route)
	require.Len(t, out, 1)
	assert.Equal(t, "role:oncall", out[0].RecipientRef)
	assert.Equal(t, ledger.StatusSent, out[0].Status)
	assert.Equal(t, "bob@example.com", out[0].Address)
	assert.Equal(t, 1, out[0].Attempts)

	f.fail["bob@example.com"] = true
	out = f.d.Dispatch(context.Background(), routing.Event{ID: "n2"}, route)
	require.Len(t, out, 1)
	assert.Equal(t, ledger.StatusSent, out[0].Status)
	assert.Equal(t, "alice@example.com", out[0].Address)
	assert.Equal(t, 2, out[0].Attempts)

	assert.Equal(t, 2, f.ledger.Len())
	var addrs []string
	for _, s := range f.sent() {
		addrs = append(addrs, s.address)
	}
	assert.Equal(t, []string{"bob@example.com", "bob@example.com", "alice@example.com"}, addrs)

	// An escalation tier naming the role behaves the same way.
	tiered := routing.Route{ID: "r2", Escalation: &routing.EscalationPolicy{Levels: []routing.EscalationLevel{
		{Recipients: []string{"role:oncall"}, Actions: []routing.Action{{Type: routing.ActionEmail}}, TimeoutMinutes: 5},
	}}}
	f.d.ExecuteLevel(context.Background(), routing.Event{ID: "n3"}, tiered, 0, nil)
	lvl := f.ledger.Query(ledger.Filter{NotificationID: "n3"})
	require.Len(t, lvl, 1)
	assert.Equal(t, "role:oncall", lvl[0].RecipientRef)
	assert.Equal(t, "alice@example.com", lvl[0].Address)
	assert.Equal(t, 0, lvl[0].Level)
	assert.Equal(t, ledger.StatusSent, lvl[0].Status)
}

func retryingEmail(f *fixture) {
	f.reg.Register(routing.ActionEmail, f.sender(routing.ActionEmail, false), channel.Config{
		RetryMax:         2,
		RetryBase:        time.Minute,
		RetryMaxDelay:    time.Minute,
		FailureThreshold: -1,
	})
}

func TestRetriesRunOnClock(t *testing.T) {
	f := newFixture(t)
	retryingEmail(f)
	f.fail["bob@example.com"] = true
	route := routing.Route{ID: "r1", Actions: []routing.Action{action(routing.ActionEmail, "user:bob")}}

	start := time.Now()
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, route)
	assert.Less(t, time.Since(start), 5*time.Second, "backoff must not block the caller")
	require.Len(t, out, 1)
	assert.Equal(t, ledger.StatusPending, out[0].Status)
	assert.Equal(t, 1, out[0].Attempts)
	assert.Equal(t, "bob@example.com unreachable", out[0].FailureReason)
	assert.Equal(t, 1, f.d.Pending())
	assert.Equal(t, 1, f.clk.Pending())

	f.clk.Advance(time.Minute)
	got, ok := f.ledger.Get(out[0].ID)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)

	f.clk.Advance(time.Minute)
	got, _ = f.ledger.Get(out[0].ID)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Zero(t, f.d.Pending())
	assert.Len(t, f.sent(), 3)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestRetrySucceedsLater(t *testing.T) {
	f := newFixture(t)
	retryingEmail(f)
	f.fail["bob@example.com"] = true
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, routing.Route{ID: "r1", Actions: []routing.Action{
		action(routing.ActionEmail, "user:bob"),
	}})
	require.Len(t, out, 1)

	f.mu.Lock()
	f.fail["bob@example.com"] = false
	f.mu.Unlock()
	f.clk.Advance(time.Minute)

	got, _ := f.ledger.Get(out[0].ID)
	assert.Equal(t, ledger.StatusSent, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, 2, got.Revision)
	assert.Zero(t, f.d.Pending())
}

func TestStopFailsPendingRetries(t *testing.T) {
	f := newFixture(t)
	retryingEmail(f)
	f.fail["bob@example.com"] = true
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, routing.Route{ID: "r1", Actions: []routing.Action{
		action(routing.ActionEmail, "user:bob"),
	}})
	require.Len(t, out, 1)

	f.d.Stop()
	got, _ := f.ledger.Get(out[0].ID)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "retry cancelled")
	assert.Equal(t, 1, got.Attempts)

	f.clk.Advance(time.Hour)
	assert.Len(t, f.sent(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.d.Wait(ctx))
}

func TestRetryStopsWhenEscalationInactive(t *testing.T) {
	f := newFixture(t)
	retryingEmail(f)
	f.fail["bob@example.com"] = true
	route := routing.Route{ID: "r1", Escalation: &routing.EscalationPolicy{Levels: []routing.EscalationLevel{
		{Recipients: []string{"user:bob"}, Actions: []routing.Action{{Type: routing.ActionEmail}}, TimeoutMinutes: 5},
	}}}
	active := true
	f.d.ExecuteLevel(context.Background(), routing.Event{ID: "n1"}, route, 0, func() bool { return active })
	all := f.ledger.All()
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusPending, all[0].Status)

	active = false
	f.clk.Advance(time.Minute)
	got, _ := f.ledger.Get(all[0].ID)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, "escalation no longer active", got.FailureReason)
	assert.Len(t, f.sent(), 1)
}

func TestRecipientConfigForms(t *testing.T) {
	f := newFixture(t)
	route := routing.Route{ID: "r1", Actions: []routing.Action{
		{Type: routing.ActionEmail, Config: map[string]any{"recipient": "user:bob"}},
		{Type: routing.ActionEmail, Config: map[string]any{"recipients": []string{"user:alice", "role:managers"}}},
		{Type: routing.ActionArchive},
	}}
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, route)
	require.Len(t, out, 4)
	assert.Equal(t, "bob@example.com", out[0].Address)
	assert.Equal(t, "alice@example.com", out[1].Address)
	assert.Equal(t, "role:managers", out[2].RecipientRef)
	assert.Equal(t, "bob@example.com", out[2].Address)
	assert.Equal(t, "archive", out[3].Method)
	assert.Equal(t, ledger.StatusDelivered, out[3].Status)
}

func TestSenderPanicBecomesFailedDelivery(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(routing.ActionWebhook, channel.FuncSender(func(ctx context.Context, cm directory.ContactMethod, p channel.Payload) channel.Result {
		panic("kaboom")
	}), channel.Config{FailureThreshold: -1})
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, routing.Route{ID: "r1", Actions: []routing.Action{
		{Type: routing.ActionWebhook, Config: map[string]any{"url": "https://hooks.example.com/x"}},
		action(routing.ActionEmail, "user:bob"),
	}})
	require.Len(t, out, 2)
	assert.Equal(t, ledger.StatusFailed, out[0].Status)
	assert.Contains(t, out[0].FailureReason, "kaboom")
	assert.Equal(t, "https://hooks.example.com/x", out[0].Address)
	assert.Equal(t, ledger.StatusSent, out[1].Status)
}

func TestDelayedActionsLandInLedgerOnly(t *testing.T) {
	f := newFixture(t)
	route := routing.Route{ID: "r1", Actions: []routing.Action{
		{Type: routing.ActionSMS, DelayMillis: 30_000, Config: map[string]any{"recipient": "user:alice"}},
		action(routing.ActionEmail, "user:alice"),
		{Type: routing.ActionPush, DelayMillis: 10_000, Config: map[string]any{"recipient": "user:alice"}},
	}}
	out := f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, route)
	require.Len(t, out, 1)
	assert.Equal(t, "email", out[0].Method)
	assert.Equal(t, 2, f.d.Pending())

	f.clk.Advance(10 * time.Second)
	all := f.ledger.All()
	require.Len(t, all, 2)
	assert.Equal(t, "push", all[1].Method)

	f.clk.Advance(20 * time.Second)
	all = f.ledger.All()
	require.Len(t, all, 3)
	assert.Equal(t, "sms", all[2].Method)
	assert.Equal(t, f.clk.Now(), all[2].LastAttempt)
	assert.Zero(t, f.d.Pending())
}

func TestDelayIsCappedAndStopCancels(t *testing.T) {
	f := newFixture(t)
	f.d.Apply(Config{MaxDelay: time.Minute})
	route := routing.Route{ID: "r1", Actions: []routing.Action{
		{Type: routing.ActionSMS, DelayMillis: int64(time.Hour / time.Millisecond), Config: map[string]any{"recipient": "user:alice"}},
		{Type: routing.ActionEmail, DelayMillis: 90_000, Config: map[string]any{"recipient": "user:alice"}},
	}}
	f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, route)
	f.clk.Advance(time.Minute)
	assert.Equal(t, 2, f.ledger.Len(), "both delays capped to a minute")

	f.d.Apply(Config{})
	f.d.Dispatch(context.Background(), routing.Event{ID: "n2"}, route)
	assert.Equal(t, 2, f.d.Pending())
	f.d.Stop()
	assert.Zero(t, f.d.Pending())
	f.clk.Advance(2 * time.Hour)
	assert.Equal(t, 2, f.ledger.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.d.Wait(ctx))
}

type countingStarter struct {
	mu    sync.Mutex
	calls int
}

func (s *countingStarter) Start(ev routing.Event, route routing.Route) (escalation.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return escalation.Instance{ID: "esc"}, s.calls == 1
}

func TestEscalationStartsOncePerDispatch(t *testing.T) {
	f := newFixture(t)
	st := &countingStarter{}
	f.d.SetStarter(st)

	plain := routing.Route{ID: "plain", Actions: []routing.Action{action(routing.ActionEmail, "user:alice")}}
	f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, plain)
	assert.Zero(t, st.calls)

	esc := routing.Route{ID: "esc", Actions: []routing.Action{
		action(routing.ActionEmail, "user:alice"),
		action(routing.ActionSMS, "user:alice"),
		action(routing.ActionPush, "user:alice"),
	}, Escalation: &routing.EscalationPolicy{Levels: []routing.EscalationLevel{{Actions: []routing.Action{{Type: routing.ActionEmail}}, TimeoutMinutes: 5}}}}
	f.d.Dispatch(context.Background(), routing.Event{ID: "n1"}, esc)
	assert.Equal(t, 1, st.calls)
}

func TestExecuteLevelUsesLevelRecipientsAndGuard(t *testing.T) {
	f := newFixture(t)
	route := routing.Route{ID: "r1", Escalation: &routing.EscalationPolicy{Levels: []routing.EscalationLevel{
		{Recipients: []string{"user:alice"}, Actions: []routing.Action{{Type: routing.ActionSMS}}, TimeoutMinutes: 5},
		{Recipients: []string{"role:managers", "user:alice"}, Actions: []routing.Action{
			{Type: routing.ActionEmail},
			{Type: routing.ActionEmail, Config: map[string]any{"recipient": "user:alice"}},
		}, TimeoutMinutes: 5},
	}}}

	f.d.ExecuteLevel(context.Background(), routing.Event{ID: "n1"}, route, 1, nil)
	all := f.ledger.All()
	require.Len(t, all, 3)
	assert.Equal(t, "role:managers", all[0].RecipientRef)
	assert.Equal(t, "user:alice", all[1].RecipientRef)
	assert.Equal(t, "user:alice", all[2].RecipientRef)
	for _, d := range all {
		assert.Equal(t, 1, d.Level)
	}

	// The guard flips after the first send.
	checks := 0
	f.d.ExecuteLevel(context.Background(), routing.Event{ID: "n2"}, route, 1, func() bool {
		checks++
		return checks <= 2
	})
	assert.Equal(t, 4, f.ledger.Len())

	f.d.ExecuteLevel(context.Background(), routing.Event{ID: "n3"}, route, 7, nil)
	assert.Equal(t, 4, f.ledger.Len())
	for _, s := range f.sent() {
		assert.Equal(t, 1, s.level)
	}
}
