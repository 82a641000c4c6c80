package health

import (
	"context"
	"errors"
	"sync"
)

// Probe reports whether a dependency is usable; a non-nil error is the reason it is not.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Alive always passes. The process answering at all is the liveness signal.
func Alive() CheckFunc {
	return func(context.Context) error { return nil }
}

// All passes only when every probe passes and returns the first failure.
// Nil probes are ignored.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate fails readiness once the process starts draining so load
// balancers stop routing to it while in-flight requests finish.
// The zero value is open.
type ShutdownGate struct {
	mu     sync.RWMutex
	reason string
	closed bool
}

// Close fails the gate with reason ("draining" when empty). Later calls
// replace the reason.
func (g *ShutdownGate) Close(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.mu.Lock()
	g.closed, g.reason = true, reason
	g.mu.Unlock()
}

func (g *ShutdownGate) Closed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		g.mu.RLock()
		defer g.mu.RUnlock()
		if !g.closed {
			return nil
		}
		return errors.New(g.reason)
	}
}
