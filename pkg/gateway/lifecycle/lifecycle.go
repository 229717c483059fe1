// Package lifecycle holds the gateway's shutdown state. The readiness handler
// reads it so load balancers stop routing new chat rounds while in-flight
// builds drain.
package lifecycle

import "sync/atomic"

// Lifecycle is the shared draining flag. The zero value is ready to use, and
// a nil receiver reads as not draining so handlers need no guard.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
