package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
)

// Handle is a live resident engine. Callers receive a borrowed
// reference valid for the duration of one request; the cache owns the
// engine and is the only component that closes it.
type Handle struct {
	Kind     Kind
	Spec     ModelSpec
	LoadedAt time.Time

	// Exactly one of these is set, matching Kind.
	Completion CompletionEngine
	Embedding  EmbeddingEngine
}

// Identity returns the model name this handle was loaded for.
func (h *Handle) Identity() string { return h.Spec.Name }

// FootprintMB queries the live engine's memory footprint.
func (h *Handle) FootprintMB() int {
	if h.Completion != nil {
		return h.Completion.FootprintMB()
	}
	if h.Embedding != nil {
		return h.Embedding.FootprintMB()
	}
	return 0
}

func (h *Handle) close() error {
	if h.Completion != nil {
		return h.Completion.Close()
	}
	if h.Embedding != nil {
		return h.Embedding.Close()
	}
	return nil
}

// Cache keeps at most capacity live engines resident per kind and
// evicts by live memory pressure. It is explicitly constructed and
// passed to its users; there is no package-level instance.
type Cache struct {
	registry *Registry
	factory  Factory
	probe    MemoryProbe
	capacity int

	// slots are ordered oldest-first per kind. Mutation happens only
	// under the global admission gate, but resolves from the v1
	// handlers and session loops may overlap in tests, so the cache
	// stays internally consistent regardless.
	slots map[Kind][]*Handle
}

// NewCache creates a cache with capacity 1 per kind.
func NewCache(registry *Registry, factory Factory, probe MemoryProbe) *Cache {
	return &Cache{
		registry: registry,
		factory:  factory,
		probe:    probe,
		capacity: 1,
		slots: map[Kind][]*Handle{
			KindCompletion: {},
			KindEmbedding:  {},
		},
	}
}

// Resolve returns a live handle for identity, loading it if necessary.
// minFreeMB is the free-memory reserve that must survive the load;
// generation callers pass a larger reserve than embedding callers.
//
// Callers must hold the global admission gate: construction and
// eviction of heavy engines are not safe to run concurrently with each
// other or with an in-progress generation on the same engine.
func (c *Cache) Resolve(ctx context.Context, kind Kind, identity string, minFreeMB int) (*Handle, error) {
	spec, ok := c.registry.Lookup(identity)
	if !ok || spec.Kind != kind {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, identity)
	}

	// Identity match is the only hit condition; no LRU reorder.
	for _, h := range c.slots[kind] {
		if h.Spec.Name == spec.Name {
			return h, nil
		}
	}

	// Cross-kind eviction comes first: the two kinds are mutually
	// exclusive heavy consumers, so a resident engine of the other kind
	// is freed before risking the reserve.
	if other := otherKind(kind); len(c.slots[other]) > 0 && c.underPressure(minFreeMB) {
		c.evictOldest(other)
	}

	if len(c.slots[kind]) >= c.capacity {
		c.evictOldest(kind)
	}

	h, err := c.construct(ctx, spec)
	if err != nil {
		return nil, err
	}

	c.slots[kind] = append(c.slots[kind], h)

	event.Publish(event.Event{
		Type: event.ModelLoaded,
		Data: event.ModelLoadedData{Kind: string(kind), Identity: spec.Name},
	})

	return h, nil
}

// Resident returns the identities currently loaded for a kind,
// oldest first.
func (c *Cache) Resident(kind Kind) []string {
	names := make([]string, 0, len(c.slots[kind]))
	for _, h := range c.slots[kind] {
		names = append(names, h.Spec.Name)
	}
	return names
}

// Close evicts every resident handle.
func (c *Cache) Close() error {
	for _, kind := range []Kind{KindCompletion, KindEmbedding} {
		for len(c.slots[kind]) > 0 {
			c.evictOldest(kind)
		}
	}
	return nil
}

// underPressure reports whether current free memory is below the
// caller's reserve. A failing probe counts as pressure: guessing low is
// the safe direction when the alternative is loading a multi-GB model
// blind.
func (c *Cache) underPressure(minFreeMB int) bool {
	free, err := c.probe.FreeMemoryMB()
	if err != nil {
		logging.Warn().Err(err).Msg("memory probe failed; assuming pressure")
		return true
	}
	return free < minFreeMB
}

// evictOldest frees the oldest resident handle of a kind. The engine's
// memory is released synchronously before any new construction
// proceeds, to avoid transient double-residency.
func (c *Cache) evictOldest(kind Kind) {
	handles := c.slots[kind]
	if len(handles) == 0 {
		return
	}
	victim := handles[0]
	c.slots[kind] = handles[1:]

	footprint := victim.FootprintMB()
	if err := victim.close(); err != nil {
		logging.Warn().
			Err(err).
			Str("identity", victim.Spec.Name).
			Msg("engine close reported error during eviction")
	}

	logging.Info().
		Str("kind", string(kind)).
		Str("identity", victim.Spec.Name).
		Int("footprintMB", footprint).
		Msg("evicted engine")

	event.Publish(event.Event{
		Type: event.ModelEvicted,
		Data: event.ModelEvictedData{
			Kind:        string(kind),
			Identity:    victim.Spec.Name,
			FootprintMB: footprint,
		},
	})
}

// construct loads a new engine for spec via the factory.
func (c *Cache) construct(ctx context.Context, spec ModelSpec) (*Handle, error) {
	h := &Handle{Kind: spec.Kind, Spec: spec, LoadedAt: time.Now()}

	start := time.Now()
	var err error
	switch spec.Kind {
	case KindCompletion:
		h.Completion, err = c.factory.NewCompletion(ctx, spec)
	case KindEmbedding:
		h.Embedding, err = c.factory.NewEmbedding(ctx, spec)
	default:
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, spec.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", spec.Name, err)
	}

	logging.Info().
		Str("kind", string(spec.Kind)).
		Str("identity", spec.Name).
		Dur("elapsed", time.Since(start)).
		Msg("loaded engine")

	return h, nil
}
