// Package metrics turns bus events into Prometheus collectors on a private
// registry.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notiflow/internal/engine"
	"notiflow/internal/escalation"
	"notiflow/internal/eventbus"
	"notiflow/internal/ledger"
	rtsup "notiflow/internal/runtime/supervisor"
	logx "notiflow/pkg/logx"
)

const namespace = "notiflow"

// Gauges are sampled on scrape. Nil funcs are skipped.
type Gauges struct {
	ActiveEscalations func() int
	Routes            func() int
	QueueLen          func() int
	DeliveryRate      func() float64
}

type Collector struct {
	log logx.Logger
	bus eventbus.Bus
	reg *prometheus.Registry

	deliveries   *prometheus.CounterVec
	deliverySecs prometheus.Histogram
	acks         prometheus.Counter
	routeMatches *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	intake       *prometheus.CounterVec

	observed atomic.Uint64
	sup      atomic.Pointer[rtsup.Supervisor]
}

func New(log logx.Logger, bus eventbus.Bus, g Gauges) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{
		log: log,
		bus: bus,
		reg: reg,
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts recorded in the ledger.",
		}, []string{"method", "status"}),
		deliverySecs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_ack_seconds",
			Help:      "Time from the last send attempt to acknowledgement.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}),
		acks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Deliveries acknowledged by a recipient.",
		}),
		routeMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_matches_total",
			Help:      "Events matched per route.",
		}, []string{"route"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_events_total",
			Help:      "Escalation lifecycle transitions.",
		}, []string{"event"}),
		intake: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_events_total",
			Help:      "Submitted events by outcome.",
		}, []string{"outcome"}),
	}

	gauge := func(name, help string, fn func() float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	}
	if g.ActiveEscalations != nil {
		gauge("escalations_active", "Unresolved escalation instances.", func() float64 { return float64(g.ActiveEscalations()) })
	}
	if g.Routes != nil {
		gauge("catalog_routes", "Routes in the current catalog snapshot.", func() float64 { return float64(g.Routes()) })
	}
	if g.QueueLen != nil {
		gauge("intake_queue_length", "Events waiting in the intake queue.", func() float64 { return float64(g.QueueLen()) })
	}
	if g.DeliveryRate != nil {
		gauge("delivery_rate", "Share of successful deliveries (0..1).", g.DeliveryRate)
	}
	if st, ok := bus.(eventbus.Stats); ok {
		f.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: "bus_dropped_total", Help: "Bus events dropped by slow subscribers."},
			func() float64 { return float64(st.Dropped()) })
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observed reports how many bus events were folded into the collectors.
func (c *Collector) Observed() uint64 { return c.observed.Load() }

func (c *Collector) Supervisor() *rtsup.Supervisor { return c.sup.Load() }

// Start subscribes to the bus and consumes events until ctx is done or Stop
// is called.
func (c *Collector) Start(ctx context.Context) {
	if c.bus == nil || c.sup.Load() != nil {
		return
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	if !c.sup.CompareAndSwap(nil, sup) {
		sup.Cancel()
		return
	}
	ch, unsub := c.bus.Subscribe(1024)
	sup.Go0("events", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.Observe(ev)
			}
		}
	})
}

func (c *Collector) Stop(ctx context.Context) error {
	sup := c.sup.Swap(nil)
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Observe folds one bus event into the collectors. Unknown types are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch {
	case ev.Type == eventbus.TypeDeliveryRecorded:
		if d, ok := ev.Data.(ledger.Delivery); ok {
			c.deliveries.WithLabelValues(d.Method, string(d.Status)).Inc()
		}
	case ev.Type == eventbus.TypeDeliveryAcked:
		c.acks.Inc()
		if d, ok := ev.Data.(ledger.Delivery); ok && d.AcknowledgedAt != nil && !d.LastAttempt.IsZero() {
			c.deliverySecs.Observe(d.AcknowledgedAt.Sub(d.LastAttempt).Seconds())
		}
	case ev.Type == eventbus.TypeRouteMatched:
		if m, ok := ev.Data.(engine.RouteMatch); ok {
			c.routeMatches.WithLabelValues(m.RouteID).Inc()
		}
	case strings.HasPrefix(ev.Type, "escalation."):
		if _, ok := ev.Data.(escalation.Instance); ok {
			c.escalations.WithLabelValues(strings.TrimPrefix(ev.Type, "escalation.")).Inc()
		}
	case strings.HasPrefix(ev.Type, "intake."):
		c.intake.WithLabelValues(strings.TrimPrefix(ev.Type, "intake.")).Inc()
	default:
		return
	}
	c.observed.Add(1)
}
