package risk

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreaker halts new trade admission when the daily loss limit is
// breached. Once tripped it stays tripped until an operator restarts the
// process or calls Reset explicitly; it is never auto-cleared at market
// open.
type CircuitBreaker struct {
	mu             sync.RWMutex
	dailyLossLimit float64

	tripped   bool
	reason    string
	trippedAt time.Time
}

// NewCircuitBreaker creates a breaker with the given daily loss limit
// (fraction of start-of-day equity, e.g. 0.05 for 5%).
func NewCircuitBreaker(dailyLossLimit float64) *CircuitBreaker {
	return &CircuitBreaker{dailyLossLimit: dailyLossLimit}
}

// Check evaluates the daily P&L percentage against the loss limit and
// trips the breaker on breach. Returns whether trading is halted and the
// trip reason. An already-tripped breaker stays tripped regardless of
// subsequent recovery in P&L.
func (cb *CircuitBreaker) Check(dailyPnLPct float64) (halt bool, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped {
		return true, cb.reason
	}
	if dailyPnLPct <= -cb.dailyLossLimit {
		cb.tripped = true
		cb.trippedAt = time.Now().UTC()
		cb.reason = fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%",
			dailyPnLPct*100, cb.dailyLossLimit*100)
		return true, cb.reason
	}
	return false, ""
}

// Active reports whether the breaker is currently tripped.
func (cb *CircuitBreaker) Active() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Reason returns the trip reason, or an empty string if not tripped.
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// TrippedAt returns when the breaker tripped (zero if not tripped).
func (cb *CircuitBreaker) TrippedAt() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.trippedAt
}

// Trip forces the breaker into the tripped state with the given reason.
// Used when restoring persisted state after a restart initiated without
// operator acknowledgement.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.tripped {
		return
	}
	cb.tripped = true
	cb.trippedAt = time.Now().UTC()
	cb.reason = reason
}

// Reset clears the tripped state. Only an explicit operator action should
// call this.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripped = false
	cb.reason = ""
	cb.trippedAt = time.Time{}
}
