package registration

import (
	"context"
	"sync"
	"sync/atomic"
)

// ReadinessGate is the boolean a boot sequencer waits on before starting
// normal operation. It has a single writer and only ever goes from not ready
// to ready
type ReadinessGate struct {
	ready atomic.Bool
	once  sync.Once
	ch    chan struct{}
}

func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{
		ch: make(chan struct{}),
	}
}

// SetReady opens the gate. It returns true only for the call that actually
// opened it
func (g *ReadinessGate) SetReady() bool {
	opened := false
	g.once.Do(func() {
		g.ready.Store(true)
		close(g.ch)
		opened = true
	})
	return opened
}

func (g *ReadinessGate) Ready() bool {
	return g.ready.Load()
}

// Done is closed when the gate opens
func (g *ReadinessGate) Done() <-chan struct{} {
	return g.ch
}

// Wait blocks until the gate opens or ctx is done
func (g *ReadinessGate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisteredHook is an optional capability of the embedding application. It
// is called at most once, after the parameters have been injected and before
// the readiness gate opens
type RegisteredHook interface {
	OnRegistered(ctx context.Context, params ParameterMap)
}

// HookFunc adapts a function to RegisteredHook
type HookFunc func(ctx context.Context, params ParameterMap)

func (f HookFunc) OnRegistered(ctx context.Context, params ParameterMap) {
	f(ctx, params)
}
