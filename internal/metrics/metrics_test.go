package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notiflow/internal/engine"
	"notiflow/internal/escalation"
	"notiflow/internal/eventbus"
	"notiflow/internal/intake"
	"notiflow/internal/ledger"
	logx "notiflow/pkg/logx"
)

func TestObserveFoldsEvents(t *testing.T) {
	c := New(logx.Nop(), nil, Gauges{})
	sent := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	acked := sent.Add(30 * time.Second)

	c.Observe(eventbus.Event{Type: eventbus.TypeDeliveryRecorded, Data: ledger.Delivery{Method: "email", Status: ledger.StatusSent}})
	c.Observe(eventbus.Event{Type: eventbus.TypeDeliveryRecorded, Data: ledger.Delivery{Method: "sms", Status: ledger.StatusFailed}})
	c.Observe(eventbus.Event{Type: eventbus.TypeDeliveryAcked, Data: ledger.Delivery{LastAttempt: sent, AcknowledgedAt: &acked}})
	c.Observe(eventbus.Event{Type: eventbus.TypeRouteMatched, Data: engine.RouteMatch{RouteID: "r1"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeEscalationStarted, Data: escalation.Instance{}})
	c.Observe(eventbus.Event{Type: eventbus.TypeEscalationAdvanced, Data: escalation.Instance{}})
	c.Observe(eventbus.Event{Type: eventbus.TypeIntakeDropped, Data: intake.Event{}})
	c.Observe(eventbus.Event{Type: "unrelated"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("email", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("sms", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.acks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.routeMatches.WithLabelValues("r1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.escalations.WithLabelValues("started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.escalations.WithLabelValues("advanced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.intake.WithLabelValues("dropped")))
	assert.Equal(t, uint64(7), c.Observed())
}

func TestStartConsumesBus(t *testing.T) {
	bus := eventbus.New()
	c := New(logx.Nop(), bus, Gauges{ActiveEscalations: func() int { return 3 }})
	c.Start(context.Background())
	defer func() { _ = c.Stop(context.Background()) }()
	require.NotNil(t, c.Supervisor())

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeRouteMatched, Data: engine.RouteMatch{RouteID: "r1"}})
		return c.Observed() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerExposesCollectors(t *testing.T) {
	c := New(logx.Nop(), eventbus.New(), Gauges{
		ActiveEscalations: func() int { return 2 },
		Routes:            func() int { return 5 },
	})
	c.Observe(eventbus.Event{Type: eventbus.TypeDeliveryRecorded, Data: ledger.Delivery{Method: "push", Status: ledger.StatusDelivered}})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `notiflow_deliveries_total{method="push",status="delivered"} 1`)
	assert.Contains(t, body, "notiflow_escalations_active 2")
	assert.Contains(t, body, "notiflow_catalog_routes 5")
	assert.Contains(t, body, "notiflow_bus_dropped_total")
	assert.Contains(t, body, "go_goroutines")
}
