// Package engine manages the heavy model backends: the registry of known
// model specs, the engine interfaces, and the slot cache that keeps at
// most one live engine per kind resident, evicting by actual memory
// pressure.
package engine

import (
	"context"
	"errors"
)

// Kind partitions engines into the two mutually exclusive heavy
// resource types.
type Kind string

const (
	KindCompletion Kind = "completion"
	KindEmbedding  Kind = "embedding"
)

// otherKind returns the opposite resource kind.
func otherKind(k Kind) Kind {
	if k == KindCompletion {
		return KindEmbedding
	}
	return KindCompletion
}

var (
	// ErrModelNotFound is returned when an identity maps to no known
	// model spec. User-correctable; non-fatal.
	ErrModelNotFound = errors.New("model not found")

	// ErrOutOfMemory is returned when engine construction reports an
	// out-of-memory condition. Treated as fatal by the server: the
	// process reports the error and requests its own termination.
	ErrOutOfMemory = errors.New("out of memory while loading model")
)

// CompletionRequest carries generation settings to a completion engine.
type CompletionRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// Chunk is one streamed piece of generated text. FinishReason is set on
// the final chunk of a generation ("stop", "length").
type Chunk struct {
	Text         string
	FinishReason string
}

// CompletionEngine is a live text-generation backend. Generate returns
// a channel of chunks that is closed when generation ends; producers
// must stop promptly when ctx is cancelled so a disconnected client's
// generation is abandoned.
type CompletionEngine interface {
	Generate(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error)
	FootprintMB() int
	Close() error
}

// EmbeddingEngine is a live embedding backend.
type EmbeddingEngine interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	FootprintMB() int
	Close() error
}

// Factory constructs engines from specs. Construction is the expensive,
// potentially slow step; it runs under the global admission gate only.
type Factory interface {
	NewCompletion(ctx context.Context, spec ModelSpec) (CompletionEngine, error)
	NewEmbedding(ctx context.Context, spec ModelSpec) (EmbeddingEngine, error)
}
