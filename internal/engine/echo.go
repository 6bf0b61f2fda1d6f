package engine

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

// EchoFactory builds deterministic in-process engines for development
// and testing. It stands in for a real llama.cpp-style backend: specs
// whose Path uses the "echo:" scheme load instantly and generate by
// echoing the prompt tail word by word, with a cooperative cancellation
// check at every chunk boundary.
type EchoFactory struct {
	// ChunkDelay throttles streaming to simulate generation latency.
	ChunkDelay time.Duration
}

// NewCompletion implements Factory.
func (f *EchoFactory) NewCompletion(_ context.Context, spec ModelSpec) (CompletionEngine, error) {
	return &echoCompletion{spec: spec, delay: f.ChunkDelay}, nil
}

// NewEmbedding implements Factory.
func (f *EchoFactory) NewEmbedding(_ context.Context, spec ModelSpec) (EmbeddingEngine, error) {
	return &echoEmbedding{spec: spec}, nil
}

type echoCompletion struct {
	spec  ModelSpec
	delay time.Duration
}

func (e *echoCompletion) FootprintMB() int { return e.spec.FootprintMB }

func (e *echoCompletion) Close() error { return nil }

// Generate streams back the prompt's last content line, word by word.
// Role labels ("user: ") are stripped and a bare trailing generation
// cue ("assistant:") is skipped. The channel closes after the final
// chunk; a cancelled ctx abandons generation at the next chunk
// boundary.
func (e *echoCompletion) Generate(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error) {
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	var tail string
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if idx := strings.Index(line, ": "); idx >= 0 {
			line = line[idx+2:]
		} else if strings.HasSuffix(line, ":") {
			continue
		}
		if line != "" {
			tail = line
			break
		}
	}
	words := strings.Fields(tail)
	if len(words) == 0 {
		words = []string{"..."}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		finish := "stop"
		n := len(words)
		if n > maxTokens {
			n = maxTokens
			finish = "length"
		}
		for i := 0; i < n; i++ {
			if e.delay > 0 {
				select {
				case <-time.After(e.delay):
				case <-ctx.Done():
					return
				}
			}
			text := words[i]
			if i < n-1 {
				text += " "
			}
			chunk := Chunk{Text: text}
			if i == n-1 {
				chunk.FinishReason = finish
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type echoEmbedding struct {
	spec ModelSpec
}

const echoEmbeddingDim = 64

func (e *echoEmbedding) FootprintMB() int { return e.spec.FootprintMB }

func (e *echoEmbedding) Close() error { return nil }

// Embed produces a deterministic unit vector per input text so that
// identical texts always embed identically.
func (e *echoEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, echoEmbeddingDim)
		var norm float64
		for d := range vec {
			h := fnv.New32a()
			h.Write([]byte(text))
			h.Write([]byte{byte(d)})
			v := float32(h.Sum32()%2048)/1024 - 1
			vec[d] = v
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for d := range vec {
				vec[d] *= scale
			}
		}
		vectors[i] = vec
	}
	return vectors, nil
}
