// Package execution places entry and exit orders with the broker and
// detects exit conditions on the tick stream. Order placement honors
// the runtime safety switch: when the watchdog trips it, executors
// refuse to place new orders while detection and reconciliation keep
// running.
package execution

import "sync/atomic"

// SafetySwitch is the read-only guard. The watchdog arms it on failed
// health checks; executors check it before every broker placement.
type SafetySwitch struct {
	readOnly atomic.Bool
}

// Arm puts the runtime in read-only mode.
func (s *SafetySwitch) Arm() { s.readOnly.Store(true) }

// Disarm resumes order placement.
func (s *SafetySwitch) Disarm() { s.readOnly.Store(false) }

// ReadOnly reports the current guard state.
func (s *SafetySwitch) ReadOnly() bool { return s.readOnly.Load() }
