package channel

import (
	"time"
)

// circuitState tracks consecutive failures for a single channel.
//
// It implements a simple consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// Callers hold the owning channel's lock.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuitCfg holds effective settings after applying defaults.
type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	trip := cfg.FailureThreshold
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return circuitCfg{enabled: false}
	}
	base := cfg.Cooldown
	if base <= 0 {
		base = 30 * time.Second
	}
	maxD := 16 * base
	if maxD > 10*time.Minute {
		maxD = 10 * time.Minute
	}
	if maxD < base {
		maxD = base
	}
	return circuitCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: 2 * maxD, enabled: true}
}

func (st *circuitState) isOpen(now time.Time, cc circuitCfg) (bool, time.Time) {
	if !cc.enabled {
		return false, time.Time{}
	}
	st.maybeReset(now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// maybeReset forgets failures when the last one was long ago.
func (st *circuitState) maybeReset(now time.Time, cc circuitCfg) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (st *circuitState) record(now time.Time, cc circuitCfg, ok bool) {
	if !cc.enabled {
		return
	}
	st.maybeReset(now, cc)
	if ok {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - cc.trip
	d := cc.baseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}
