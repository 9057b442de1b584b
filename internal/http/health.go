// v0
// internal/http/health.go
package httpserver

import "sync/atomic"

// HealthState tracks readiness. Liveness is always true while the process
// runs; readiness flips on once every loop is started and off again when
// shutdown begins.
type HealthState struct {
	ready atomic.Bool
}

// NewHealthState starts not ready.
func NewHealthState() *HealthState {
	return &HealthState{}
}

// SetReady flips the readiness flag.
func (h *HealthState) SetReady(value bool) {
	h.ready.Store(value)
}

// Ready reports the current readiness flag.
func (h *HealthState) Ready() bool {
	return h.ready.Load()
}
