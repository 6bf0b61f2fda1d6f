package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is the single global admission gate: at most one cache
// resolution (and therefore one engine construction or eviction) runs
// at a time across the whole process. Callers acquire it, resolve a
// handle, then release it before running the actual generation.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates the process-wide admission gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release frees the gate.
func (g *Gate) Release() {
	g.sem.Release(1)
}
