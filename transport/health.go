package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoLiveConnections is reported by HealthCheck when every connection of
// the pool is quarantined.
var ErrNoLiveConnections = errors.New("transport: no live connections")

// HealthCheck reports whether at least one node is eligible for selection.
// It has the func(ctx) error shape expected by readiness probes:
//
//	health.AddReadinessCheck("search", tr.HealthCheck)
//
// No request is sent; the answer reflects the pool's current view.
func (t *Transport) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := t.pool.Stats()
	switch {
	case s.Total == 0:
		return ErrNoConnections
	case s.Alive == 0:
		return fmt.Errorf("%w: %d of %d quarantined", ErrNoLiveConnections, s.Dead, s.Total)
	}
	return nil
}
