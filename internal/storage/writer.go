package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	rtsup "notiflow/internal/runtime/supervisor"
	logx "notiflow/pkg/logx"
)

type write struct {
	delivery   *DeliveryRecord
	escalation *EscalationRecord
}

// Writer serializes best-effort writes to a Store on a single goroutine.
//
// Enqueue methods never block; writes are dropped (and counted) when the
// queue is full or the writer is not running. A nil *Writer is valid and
// discards everything.
type Writer struct {
	mu sync.Mutex

	log    logx.Logger
	store  Store
	buffer int

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan write
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewWriter(store Store, log logx.Logger, buffer int) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Writer{store: store, log: log, buffer: buffer}
}

// Supervisor returns the writer's supervisor (nil if not started).
func (w *Writer) Supervisor() *rtsup.Supervisor {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sup
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil || w.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	if w.stopDone != nil {
		done := w.stopDone
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		w.mu.Lock()
	}
	if w.queue != nil {
		w.mu.Unlock()
		return
	}
	w.queue = make(chan write, w.buffer)
	w.accepting = true
	w.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(w.log.With(logx.String("comp", "storage.writer"))),
		rtsup.WithCancelOnError(false),
	)
	sup := w.sup
	q := w.queue
	w.mu.Unlock()

	sup.GoRestart("persist", func(c context.Context) error {
		w.persistLoop(c, q)
		w.mu.Lock()
		stopping := w.stopDone != nil
		w.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("storage persist loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Stop closes intake and drains queued writes until ctx is done.
func (w *Writer) Stop(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	q := w.queue
	sup := w.sup
	if q == nil {
		w.mu.Unlock()
		return
	}
	if w.stopDone != nil {
		done := w.stopDone
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	w.stopDone = done
	w.accepting = false
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		w.mu.Lock()
		w.queue = nil
		w.stopDone = nil
		w.sup = nil
		w.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (w *Writer) Delivery(r DeliveryRecord) bool {
	return w.enqueue(write{delivery: &r})
}

func (w *Writer) Escalation(r EscalationRecord) bool {
	return w.enqueue(write{escalation: &r})
}

func (w *Writer) enqueue(wr write) bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	if !w.accepting || w.queue == nil {
		w.mu.Unlock()
		w.dropped.Add(1)
		return false
	}
	q := w.queue
	w.sendWG.Add(1)
	w.mu.Unlock()
	defer w.sendWG.Done()

	select {
	case q <- wr:
		return true
	default:
		w.dropped.Add(1)
		w.log.Warn("storage queue full; dropping write")
		return false
	}
}

// Stats returns (written, dropped, failed) counters.
func (w *Writer) Stats() (written, dropped, failed uint64) {
	if w == nil {
		return 0, 0, 0
	}
	return w.written.Load(), w.dropped.Load(), w.failed.Load()
}

func (w *Writer) persistLoop(ctx context.Context, q <-chan write) {
	for {
		select {
		case <-ctx.Done():
			return
		case wr, ok := <-q:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			var err error
			switch {
			case wr.delivery != nil:
				err = w.store.AppendDelivery(cctx, *wr.delivery)
			case wr.escalation != nil:
				err = w.store.PutEscalation(cctx, *wr.escalation)
			}
			cancel()
			if err != nil {
				w.failed.Add(1)
				w.log.Warn("storage write failed", logx.Err(err))
				continue
			}
			w.written.Add(1)
		}
	}
}
