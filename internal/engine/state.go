// Package engine hosts the coordinator that supervises the periodic
// trading jobs and owns the engine lifecycle state machine.
package engine

import (
	"time"

	"tradepilot/pkg/types"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Status is the operator-facing snapshot returned by Coordinator.Status.
type Status struct {
	State          State            `json:"state"`
	Mode           string           `json:"mode"`
	Broker         string           `json:"broker"`
	Risk           types.RiskState  `json:"risk"`
	OpenPositions  []types.Position `json:"open_positions"`
	PendingSignals []types.Signal   `json:"pending_signals"`
	BreakerActive  bool             `json:"breaker_active"`
	BreakerReason  string           `json:"breaker_reason,omitempty"`
	StartedAt      time.Time        `json:"started_at,omitempty"`
	LastCycle      time.Time        `json:"last_cycle,omitempty"`
	LastReconcile  time.Time        `json:"last_reconcile,omitempty"`
}
