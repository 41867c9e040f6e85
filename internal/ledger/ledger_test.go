package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notiflow/internal/eventbus"
	"notiflow/internal/storage"
	logx "notiflow/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func delivery(id string, st Status) Delivery {
	return Delivery{ID: id, NotificationID: "n1", RouteID: "r1", Level: LevelRoute, ActionType: "email", Method: "email", Status: st, Attempts: 1, LastAttempt: t0}
}

func TestDeliveryRateThreeOfFour(t *testing.T) {
	l := New(logx.Nop(), nil, nil)
	assert.Zero(t, l.DeliveryRate())

	for i, st := range []Status{StatusDelivered, StatusSent, StatusFailed, StatusDelivered} {
		_, err := l.Append(delivery(fmt.Sprintf("d%d", i), st))
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.75, l.DeliveryRate(), 1e-9)

	_, err := l.Append(delivery("d4", StatusFailed))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, l.DeliveryRate(), 1e-9)
}

func TestAppendRejectsDuplicatesAndMissingID(t *testing.T) {
	l := New(logx.Nop(), nil, nil)
	_, err := l.Append(delivery("d1", StatusSent))
	require.NoError(t, err)
	_, err = l.Append(delivery("d1", StatusSent))
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = l.Append(Delivery{})
	assert.Error(t, err)

	d, err := l.Append(Delivery{ID: "d2"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, 1, d.Revision)
}

func TestAcknowledgeAppendsRevision(t *testing.T) {
	bus := eventbus.New()
	acks, unsub := eventbus.SubscribePrefix(bus, 8, eventbus.TypeDeliveryAcked)
	defer unsub()

	l := New(logx.Nop(), bus, nil)
	_, err := l.Append(delivery("d1", StatusSent))
	require.NoError(t, err)
	_, err = l.Append(delivery("d2", StatusFailed))
	require.NoError(t, err)

	at := t0.Add(3 * time.Minute)
	d, err := l.Acknowledge("d1", "alice", at)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, d.Status)
	assert.Equal(t, 2, d.Revision)
	assert.Equal(t, "alice", d.AcknowledgedBy)
	require.NotNil(t, d.AcknowledgedAt)
	require.NotNil(t, d.DeliveredAt)

	again, err := l.Acknowledge("d1", "bob", at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, again.Revision)
	assert.Equal(t, "alice", again.AcknowledgedBy)

	_, err = l.Acknowledge("d2", "alice", at)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.Acknowledge("missing", "alice", at)
	assert.ErrorIs(t, err, ErrNotFound)

	select {
	case ev := <-acks:
		assert.Equal(t, "d1", ev.Data.(Delivery).ID)
	case <-time.After(time.Second):
		t.Fatal("no acknowledgement event")
	}
	select {
	case ev := <-acks:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}

	// Acknowledged deliveries still count as successful.
	assert.InDelta(t, 0.5, l.DeliveryRate(), 1e-9)
}

func TestMarkDeliveredAndAverage(t *testing.T) {
	l := New(logx.Nop(), nil, nil)
	assert.Zero(t, l.AverageDeliveryTime())

	_, err := l.Append(delivery("d1", StatusSent))
	require.NoError(t, err)
	_, err = l.Append(delivery("d2", StatusSent))
	require.NoError(t, err)
	_, err = l.Append(delivery("d3", StatusFailed))
	require.NoError(t, err)

	_, err = l.MarkDelivered("d1", t0.Add(2*time.Second))
	require.NoError(t, err)
	_, err = l.MarkDelivered("d2", t0.Add(4*time.Second))
	require.NoError(t, err)
	_, err = l.MarkDelivered("d3", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, 3*time.Second, l.AverageDeliveryTime())
	assert.Equal(t, map[Status]int{StatusDelivered: 2, StatusFailed: 1}, l.Counts())
}

func TestSettleOnlyFromPending(t *testing.T) {
	l := New(logx.Nop(), nil, nil)
	first := delivery("d1", StatusPending)
	first.FailureReason = "smtp down"
	_, err := l.Append(first)
	require.NoError(t, err)

	next := first
	next.RouteID = "other"
	next.Status = StatusSent
	next.Attempts = 2
	next.LastAttempt = t0.Add(time.Second)
	next.Address = "b@example.com"
	next.FailureReason = ""
	got, err := l.Settle(next)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 2, got.Revision)
	assert.Equal(t, "r1", got.RouteID)
	assert.Equal(t, "b@example.com", got.Address)
	assert.Empty(t, got.FailureReason)

	next.Status = StatusFailed
	_, err = l.Settle(next)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.Settle(delivery("missing", StatusFailed))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryFilters(t *testing.T) {
	l := New(logx.Nop(), nil, nil)
	a := delivery("a", StatusSent)
	a.RecipientRef = "user:u1"
	b := delivery("b", StatusFailed)
	b.NotificationID = "n2"
	b.Method = "sms"
	c := delivery("c", StatusDelivered)
	c.RouteID = "r2"
	c.RecipientRef = "user:u1"
	for _, d := range []Delivery{a, b, c} {
		_, err := l.Append(d)
		require.NoError(t, err)
	}

	ids := func(ds []Delivery) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(l.All()))
	assert.Equal(t, []string{"a", "c"}, ids(l.Query(Filter{NotificationID: "n1"})))
	assert.Equal(t, []string{"a", "c"}, ids(l.Query(Filter{RecipientRef: "user:u1"})))
	assert.Equal(t, []string{"c"}, ids(l.Query(Filter{RouteID: "r2"})))
	assert.Equal(t, []string{"b"}, ids(l.Query(Filter{Status: StatusFailed})))
	assert.Equal(t, []string{"b"}, ids(l.Query(Filter{Method: "sms"})))
	assert.Empty(t, l.Query(Filter{Method: "push"}))
}

func TestReturnedDeliveriesAreCopies(t *testing.T) {
	l := New(logx.Nop(), nil, nil)
	_, err := l.Append(delivery("d1", StatusSent))
	require.NoError(t, err)
	d, err := l.MarkDelivered("d1", t0.Add(time.Second))
	require.NoError(t, err)
	*d.DeliveredAt = t0.Add(time.Hour)

	got, ok := l.Get("d1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), *got.DeliveredAt)
}

func TestConcurrentAppends(t *testing.T) {
	l := New(logx.Nop(), nil, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := l.Append(delivery(fmt.Sprintf("g%d-%d", g, i), StatusSent))
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 800, l.Len())
	assert.Len(t, l.All(), 800)
}

func TestPersistAndRestore(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	w := storage.NewWriter(st, logx.Nop(), 64)
	w.Start(context.Background())
	l := New(logx.Nop(), nil, w)
	_, err = l.Append(delivery("d1", StatusSent))
	require.NoError(t, err)
	_, err = l.Append(delivery("d2", StatusFailed))
	require.NoError(t, err)
	_, err = l.Acknowledge("d1", "ops", t0.Add(time.Minute))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Stop(ctx)

	restored := New(logx.Nop(), nil, nil)
	n, err := restored.Restore(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, ok := restored.Get("d1")
	require.True(t, ok)
	assert.Equal(t, StatusAcknowledged, d.Status)
	assert.Equal(t, 2, d.Revision)
	assert.Equal(t, "ops", d.AcknowledgedBy)
	assert.InDelta(t, 0.5, restored.DeliveryRate(), 1e-9)

	n, err = restored.Restore(context.Background(), st)
	require.NoError(t, err)
	assert.Zero(t, n)
}
