// Package intake queues submitted events and feeds them to the engine from a
// small worker pool, suppressing resubmitted event ids within a window.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notiflow/internal/clock"
	"notiflow/internal/eventbus"
	"notiflow/internal/ledger"
	"notiflow/internal/routing"
	rtsup "notiflow/internal/runtime/supervisor"
	logx "notiflow/pkg/logx"
)

var (
	ErrDisabled  = errors.New("intake disabled")
	ErrQueueFull = errors.New("intake queue full")
	ErrStopped   = errors.New("intake stopped")
)

// Processor consumes queued events. *engine.Engine implements it.
type Processor interface {
	ProcessNotification(ctx context.Context, ev routing.Event) []ledger.Delivery
}

// Config controls the queue and worker pool.
type Config struct {
	// Workers < 0 disables intake. 0 uses the default.
	Workers   int
	QueueSize int

	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Event is the payload of intake.* bus events.
type Event struct {
	NotificationID string    `json:"notificationId"`
	Type           string    `json:"type,omitempty"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	clk  clock.Clock
	proc Processor

	cfg     Config
	enabled bool

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan routing.Event
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, proc Processor, log logx.Logger, bus eventbus.Bus, clk clock.Clock) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		clk:   clock.OrReal(clk),
		proc:  proc,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Apply updates settings. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.enabled = cfg.Workers >= 0 && s.proc != nil
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	s.cfg = cfg
}

// Len reports the number of queued events.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan routing.Event, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("intake worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("intake started", logx.Int("workers", workers), logx.Int("queue_size", cap(q)))
}

// Stop stops accepting events and drains the queue until ctx is done.
// Events still queued when ctx expires are abandoned.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Submit queues ev without waiting for it to be processed. A resubmitted
// event id inside the dedup window is dropped silently and Submit returns nil.
func (s *Service) Submit(ctx context.Context, ev routing.Event) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	id := strings.TrimSpace(ev.ID)
	if window > 0 && id != "" && !s.dedupAllow(id, window, maxEntries) {
		s.publish(eventbus.TypeIntakeDeduped, ev, nil)
		return nil
	}

	select {
	case q <- ev:
		s.publish(eventbus.TypeIntakeQueued, ev, nil)
		return nil
	default:
		s.publish(eventbus.TypeIntakeDropped, ev, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, ev routing.Event, err error) {
	if s.bus == nil {
		return
	}
	now := s.clk.Now()
	data := Event{NotificationID: ev.ID, Type: ev.Type, At: now}
	if err != nil {
		data.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: data})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan routing.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			out := s.proc.ProcessNotification(ctx, ev)
			s.log.Debug("event processed",
				logx.String("notification_id", ev.ID),
				logx.Int("deliveries", len(out)),
			)
		}
	}
}

func (s *Service) dedupAllow(id string, window time.Duration, maxEntries int) bool {
	now := s.clk.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[id]; ok && now.Before(until) {
		return false
	}
	s.dedup[id] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}
