package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction represents the direction of a trading signal or position
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// SignalStatus represents the lifecycle state of a signal
type SignalStatus string

const (
	SignalStatusPending   SignalStatus = "pending"
	SignalStatusApproved  SignalStatus = "approved"
	SignalStatusRejected  SignalStatus = "rejected"
	SignalStatusExecuted  SignalStatus = "executed"
	SignalStatusFailed    SignalStatus = "failed"
	SignalStatusCancelled SignalStatus = "cancelled"
)

// signalTransitions defines the legal one-way status graph. Statuses not
// present as keys are terminal.
var signalTransitions = map[SignalStatus][]SignalStatus{
	SignalStatusPending:  {SignalStatusApproved, SignalStatusRejected, SignalStatusCancelled},
	SignalStatusApproved: {SignalStatusExecuted, SignalStatusFailed},
}

// Signal represents a candidate trade awaiting validation, approval and
// execution. Signals are owned by the approval queue until they reach a
// terminal status.
type Signal struct {
	ID              string       `json:"id"`
	Symbol          string       `json:"symbol"`
	Direction       Direction    `json:"direction"`
	Confidence      float64      `json:"confidence"`       // Model confidence in [0,1]
	SuggestedEntry  float64      `json:"suggested_entry"`  // Entry price at signal time
	SuggestedQty    float64      `json:"suggested_qty"`    // Risk-sized quantity
	StopPrice       float64      `json:"stop_price"`       // Initial stop computed at validation
	Status          SignalStatus `json:"status"`
	Reason          string       `json:"reason,omitempty"` // Rejection/failure reason for audit
	CreatedAt       time.Time    `json:"created_at"`
	DecidedAt       time.Time    `json:"decided_at,omitempty"`
}

// NewSignal creates a pending signal with a fresh ID.
func NewSignal(symbol string, direction Direction, confidence, entryPrice float64) *Signal {
	return &Signal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Direction:      direction,
		Confidence:     confidence,
		SuggestedEntry: entryPrice,
		Status:         SignalStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// IsTerminal reports whether the signal can no longer change status.
func (s *Signal) IsTerminal() bool {
	_, ok := signalTransitions[s.Status]
	return !ok
}

// CanTransition reports whether moving to the target status is legal from
// the current one.
func (s *Signal) CanTransition(to SignalStatus) bool {
	for _, next := range signalTransitions[s.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the signal to the target status, recording the decision
// time. Illegal transitions, including any transition out of a terminal
// status, return an error and leave the signal unchanged.
func (s *Signal) TransitionTo(to SignalStatus) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("illegal signal transition %s -> %s for signal %s", s.Status, to, s.ID)
	}
	s.Status = to
	s.DecidedAt = time.Now().UTC()
	return nil
}

// Age returns how long ago the signal was created.
func (s *Signal) Age() time.Duration {
	return time.Since(s.CreatedAt)
}
