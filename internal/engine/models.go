package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// ModelSpec describes a model the factory knows how to load.
type ModelSpec struct {
	Name string
	Path string
	Kind Kind

	// MaxTotalTokens is the context budget for completion models.
	MaxTotalTokens int

	// TokenMargin is the fixed per-entry token overhead added to every
	// history entry's count.
	TokenMargin int

	// FootprintMB is the expected resident size once loaded, used by
	// development engines that cannot measure themselves.
	FootprintMB int
}

// TokensOf estimates the token count of text for this model.
// Rough estimate: ~4 characters per token.
func (s ModelSpec) TokensOf(text string) int {
	return len(text) / 4
}

// openAIAliases maps OpenAI model names onto local replacements so
// OpenAI clients work unmodified against the v1 endpoints.
var openAIAliases = map[string]string{
	"gpt-3.5-turbo":     "chronos_hermes_13b",
	"gpt-3.5-turbo-16k": "longchat_7b",
	"gpt-4":             "pygmalion_13b",
}

// Registry holds all known model specs, keyed by lowercase name.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]ModelSpec
}

// NewRegistry creates a registry preloaded with the built-in models.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]ModelSpec)}
	for _, spec := range builtinModels {
		r.Register(spec)
	}
	return r
}

// Register adds or replaces a spec.
func (r *Registry) Register(spec ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[strings.ToLower(spec.Name)] = spec
}

// RegisterConfigs adds user-defined models from configuration.
func (r *Registry) RegisterConfigs(configs []types.ModelConfig) error {
	for _, mc := range configs {
		kind := Kind(mc.Kind)
		if kind != KindCompletion && kind != KindEmbedding {
			return fmt.Errorf("model %s: invalid kind %q", mc.Name, mc.Kind)
		}
		maxTokens := mc.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 2048
		}
		r.Register(ModelSpec{
			Name:           mc.Name,
			Path:           mc.Path,
			Kind:           kind,
			MaxTotalTokens: maxTokens,
			TokenMargin:    mc.TokenMargin,
			FootprintMB:    512,
		})
	}
	return nil
}

// Lookup resolves an identity (case-insensitive, OpenAI aliases
// applied) to a spec.
func (r *Registry) Lookup(identity string) (ModelSpec, bool) {
	name := strings.ToLower(identity)
	if replacement, ok := openAIAliases[name]; ok {
		name = replacement
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns all registered model names of a kind, sorted.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, spec := range r.specs {
		if spec.Kind == kind {
			names = append(names, spec.Name)
		}
	}
	sort.Strings(names)
	return names
}

// builtinModels are the specs shipped with the server. Paths use the
// "echo:" scheme understood by the development factory; a production
// deployment overrides them via config.
var builtinModels = []ModelSpec{
	{
		Name:           "chronos_hermes_13b",
		Path:           "echo:models/chronos-hermes-13b.q4_K_M.bin",
		Kind:           KindCompletion,
		MaxTotalTokens: 4096,
		TokenMargin:    8,
		FootprintMB:    1024,
	},
	{
		Name:           "longchat_7b",
		Path:           "echo:models/longchat-7b-16k.q4_K_M.bin",
		Kind:           KindCompletion,
		MaxTotalTokens: 16384,
		TokenMargin:    8,
		FootprintMB:    768,
	},
	{
		Name:           "pygmalion_13b",
		Path:           "echo:models/pygmalion-13b.q4_K_M.bin",
		Kind:           KindCompletion,
		MaxTotalTokens: 4096,
		TokenMargin:    8,
		FootprintMB:    1024,
	},
	{
		Name:           "orca_mini_3b",
		Path:           "echo:models/orca-mini-3b.q4_0.bin",
		Kind:           KindCompletion,
		MaxTotalTokens: 2048,
		TokenMargin:    8,
		FootprintMB:    256,
	},
	{
		Name:        "intfloat/e5-large-v2",
		Path:        "echo:models/e5-large-v2",
		Kind:        KindEmbedding,
		TokenMargin: 0,
		FootprintMB: 512,
	},
	{
		Name:        "universal-sentence-encoder",
		Path:        "echo:models/universal-sentence-encoder",
		Kind:        KindEmbedding,
		TokenMargin: 0,
		FootprintMB: 384,
	},
}
