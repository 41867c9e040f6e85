package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notiflow/internal/clock"
	"notiflow/internal/directory"
	"notiflow/internal/routing"
	logx "notiflow/pkg/logx"
)

var ErrNoSender = errors.New("no sender registered")

// Config controls sending for one channel.
//
// Defaults (when fields are zero):
//   - rate_per_sec: unlimited
//   - retry_max: 0 (no retry rounds)
//   - retry_base: 500ms, retry_max_delay: 10s
//   - failure_threshold: 5 (negative disables the breaker), cooldown: 30s
type Config struct {
	RatePerSec       int
	RetryMax         int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	SendTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

type entry struct {
	mu      sync.Mutex
	sender  Sender
	cfg     Config
	lim     *rate.Limiter
	circuit circuitState
}

// Registry maps action types to senders.
type Registry struct {
	log logx.Logger
	clk clock.Clock

	mu      sync.RWMutex
	entries map[routing.ActionType]*entry
}

func NewRegistry(log logx.Logger, clk clock.Clock) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:     log,
		clk:     clock.OrReal(clk),
		entries: make(map[routing.ActionType]*entry),
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// Register installs s for t, replacing any previous sender.
func (r *Registry) Register(t routing.ActionType, s Sender, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t] = &entry{sender: s, cfg: cfg, lim: newLimiter(cfg.RatePerSec)}
}

// Configure updates send settings for t without resetting breaker state.
// It reports whether a sender is registered for t.
func (r *Registry) Configure(t routing.ActionType, cfg Config) bool {
	r.mu.RLock()
	e := r.entries[t]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.RatePerSec != e.cfg.RatePerSec {
		if cfg.RatePerSec <= 0 {
			e.lim.SetLimit(rate.Inf)
			e.lim.SetBurst(1)
		} else {
			e.lim.SetLimit(rate.Limit(cfg.RatePerSec))
			e.lim.SetBurst(cfg.RatePerSec)
		}
	}
	e.cfg = cfg
	return true
}

func (r *Registry) Has(t routing.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[t]
	return ok
}

// Types lists registered action types in sorted order.
func (r *Registry) Types() []routing.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]routing.ActionType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CircuitOpen reports whether the breaker for t currently rejects sends.
func (r *Registry) CircuitOpen(t routing.ActionType) bool {
	r.mu.RLock()
	e := r.entries[t]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	open, _ := e.circuit.isOpen(r.clk.Now(), effectiveCircuitCfg(e.cfg))
	return open
}

// Send makes one attempt to deliver p to cm through the sender registered
// for t. It never waits: when the channel's rate limit has no token left the
// result carries RetryAfter and no attempt is made. It returns the result and
// the number of attempts made (0 or 1).
func (r *Registry) Send(ctx context.Context, t routing.ActionType, cm directory.ContactMethod, p Payload) (Result, int) {
	r.mu.RLock()
	e := r.entries[t]
	r.mu.RUnlock()
	if e == nil {
		return FailureErr(fmt.Errorf("%w for action type %q", ErrNoSender, t)), 0
	}

	now := r.clk.Now()
	e.mu.Lock()
	cfg := e.cfg
	sender := e.sender
	cc := effectiveCircuitCfg(cfg)
	open, until := e.circuit.isOpen(now, cc)
	if open {
		e.mu.Unlock()
		return Failure(fmt.Sprintf("%s circuit open until %s", t, until.UTC().Format(time.RFC3339))), 0
	}
	rsv := e.lim.ReserveN(now, 1)
	if wait := rsv.DelayFrom(now); !rsv.OK() || wait > 0 {
		rsv.CancelAt(now)
		e.mu.Unlock()
		if !rsv.OK() {
			wait = time.Second
		}
		return Result{Reason: fmt.Sprintf("%s rate limited", t), RetryAfter: wait}, 0
	}
	e.mu.Unlock()

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	res := r.safeSend(callCtx, sender, cm, p)
	cancel()
	if !res.OK {
		if res.Reason == "" {
			res.Reason = "send failed"
		}
		r.log.Debug("channel send failed",
			logx.String("channel", string(t)),
			logx.String("reason", res.Reason),
		)
	}

	e.mu.Lock()
	e.circuit.record(r.clk.Now(), cc, res.OK)
	e.mu.Unlock()
	return res, 1
}

// NextRetry reports whether a failed round of sends on t may be tried again
// after round rounds, and the backoff to wait before it. Rounds start at 1.
func (r *Registry) NextRetry(t routing.ActionType, round int) (time.Duration, bool) {
	r.mu.RLock()
	e := r.entries[t]
	r.mu.RUnlock()
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	if round < 1 || round > cfg.RetryMax {
		return 0, false
	}
	return retryDelay(cfg, round), true
}

func (r *Registry) safeSend(ctx context.Context, s Sender, cm directory.ContactMethod, p Payload) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("channel sender panic",
				logx.String("action_type", string(p.ActionType)),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
			res = Failure(fmt.Sprintf("sender panic: %v", rec))
		}
	}()
	return s.Send(ctx, cm, p)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
