package tts

import (
	"context"
	"errors"

	"github.com/lexiqai/narrator/internal/resilience"
)

// Guarded wraps a renderer with a circuit breaker. Renders cancelled by the
// caller do not count as backend failures.
type Guarded struct {
	next    Renderer
	breaker *resilience.CircuitBreaker
}

// NewGuarded wraps next with breaker
func NewGuarded(next Renderer, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Name implements Renderer
func (g *Guarded) Name() string {
	return g.next.Name()
}

// Breaker returns the circuit breaker guarding the renderer
func (g *Guarded) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// Render implements Renderer
func (g *Guarded) Render(ctx context.Context, req Request) ([]byte, error) {
	var out []byte
	var renderErr error

	err := g.breaker.Call(func() error {
		out, renderErr = g.next.Render(ctx, req)
		if renderErr != nil && errors.Is(renderErr, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return renderErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, err
	}
	return out, renderErr
}
