// Package approval manages the signal lifecycle from enqueue through a
// terminal status. In manual and hybrid trading modes an operator approves
// or rejects pending signals; in auto mode the engine approves them itself
// when confidence clears the auto-execute threshold.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradepilot/internal/logger"
	"tradepilot/pkg/types"
)

// ErrNotFound is returned when a signal ID is unknown to the queue.
var ErrNotFound = errors.New("signal not found")

// ExecuteFunc submits the order for an approved signal. A nil error means
// the order filled and the position was admitted to the ledger.
type ExecuteFunc func(ctx context.Context, sig types.Signal) error

// Store persists signal status changes. Terminal transitions are persisted
// before they are reported to callers.
type Store interface {
	SaveSignal(sig *types.Signal) error
}

// Queue holds pending signals and drives their status transitions.
type Queue struct {
	mu      sync.Mutex
	signals map[string]*types.Signal

	ttl     time.Duration
	execute ExecuteFunc
	store   Store
	log     *logger.Logger
}

// NewQueue creates an approval queue. Signals older than ttl are cancelled
// by ExpireStale to prevent stale approvals acting against a changed market.
func NewQueue(ttl time.Duration, execute ExecuteFunc, store Store, log *logger.Logger) *Queue {
	return &Queue{
		signals: make(map[string]*types.Signal),
		ttl:     ttl,
		execute: execute,
		store:   store,
		log:     log,
	}
}

// Enqueue admits a pending signal to the queue.
func (q *Queue) Enqueue(sig *types.Signal) error {
	if sig.Status != types.SignalStatusPending {
		return fmt.Errorf("enqueue signal %s: status %s, want pending", sig.ID, sig.Status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.signals[sig.ID]; exists {
		return fmt.Errorf("enqueue signal %s: already queued", sig.ID)
	}
	q.signals[sig.ID] = sig

	if err := q.store.SaveSignal(sig); err != nil {
		return fmt.Errorf("persist signal %s: %w", sig.ID, err)
	}
	q.log.Info("Signal queued: %s %s %s conf=%.3f qty=%.0f",
		sig.ID, sig.Symbol, sig.Direction, sig.Confidence, sig.SuggestedQty)
	return nil
}

// Approve moves a pending signal to approved and submits its order,
// returning the resulting status. Approve is idempotent: a signal already
// in a terminal status returns that status without re-submitting, and a
// signal whose execution is still in flight returns approved.
func (q *Queue) Approve(ctx context.Context, id string) (types.SignalStatus, error) {
	q.mu.Lock()
	sig, ok := q.signals[id]
	if !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("approve %s: %w", id, ErrNotFound)
	}
	if sig.IsTerminal() || sig.Status == types.SignalStatusApproved {
		status := sig.Status
		q.mu.Unlock()
		return status, nil
	}
	if err := sig.TransitionTo(types.SignalStatusApproved); err != nil {
		q.mu.Unlock()
		return sig.Status, err
	}
	snapshot := *sig
	q.mu.Unlock()

	execErr := q.execute(ctx, snapshot)

	q.mu.Lock()
	defer q.mu.Unlock()
	if execErr != nil {
		sig.Reason = execErr.Error()
		if err := sig.TransitionTo(types.SignalStatusFailed); err != nil {
			return sig.Status, err
		}
		if err := q.store.SaveSignal(sig); err != nil {
			return sig.Status, fmt.Errorf("persist signal %s: %w", id, err)
		}
		q.log.Error("Signal %s failed: %v", id, execErr)
		return sig.Status, fmt.Errorf("execute signal %s: %w", id, execErr)
	}

	if err := sig.TransitionTo(types.SignalStatusExecuted); err != nil {
		return sig.Status, err
	}
	if err := q.store.SaveSignal(sig); err != nil {
		return sig.Status, fmt.Errorf("persist signal %s: %w", id, err)
	}
	q.log.Trade("Signal executed: %s %s %s", id, sig.Symbol, sig.Direction)
	return sig.Status, nil
}

// Reject moves a pending signal to rejected with the given reason.
// Rejecting a signal already in a terminal status is a no-op.
func (q *Queue) Reject(id, reason string) (types.SignalStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sig, ok := q.signals[id]
	if !ok {
		return "", fmt.Errorf("reject %s: %w", id, ErrNotFound)
	}
	if sig.IsTerminal() {
		return sig.Status, nil
	}
	sig.Reason = reason
	if err := sig.TransitionTo(types.SignalStatusRejected); err != nil {
		return sig.Status, err
	}
	if err := q.store.SaveSignal(sig); err != nil {
		return sig.Status, fmt.Errorf("persist signal %s: %w", id, err)
	}
	q.log.Info("Signal rejected: %s (%s)", id, reason)
	return sig.Status, nil
}

// ExpireStale cancels every pending signal older than the queue TTL and
// returns the cancelled IDs.
func (q *Queue) ExpireStale() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []string
	for id, sig := range q.signals {
		if sig.Status != types.SignalStatusPending || sig.Age() < q.ttl {
			continue
		}
		sig.Reason = fmt.Sprintf("expired after %s without a decision", q.ttl)
		if err := sig.TransitionTo(types.SignalStatusCancelled); err != nil {
			continue
		}
		if err := q.store.SaveSignal(sig); err != nil {
			q.log.Error("Persist expired signal %s: %v", id, err)
		}
		q.log.Info("Signal expired: %s %s (age %s)", id, sig.Symbol, sig.Age().Round(time.Second))
		expired = append(expired, id)
	}
	return expired
}

// Get returns a copy of the signal with the given ID.
func (q *Queue) Get(id string) (types.Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sig, ok := q.signals[id]
	if !ok {
		return types.Signal{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return *sig, nil
}

// Pending returns copies of all signals still awaiting a decision.
func (q *Queue) Pending() []types.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []types.Signal
	for _, sig := range q.signals {
		if sig.Status == types.SignalStatusPending {
			out = append(out, *sig)
		}
	}
	return out
}

// PruneTerminal drops terminal signals from the in-memory queue. Their
// persisted records remain in the store for audit.
func (q *Queue) PruneTerminal(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	pruned := 0
	for id, sig := range q.signals {
		if sig.IsTerminal() && !sig.DecidedAt.IsZero() && time.Since(sig.DecidedAt) > olderThan {
			delete(q.signals, id)
			pruned++
		}
	}
	return pruned
}
