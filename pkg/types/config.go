package types

// Config is the application configuration, merged from config files,
// .env, and environment overrides.
type Config struct {
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	DataDir string `json:"dataDir,omitempty"`

	LogLevel  string `json:"logLevel,omitempty"`
	LogPretty bool   `json:"logPretty,omitempty"`

	// DefaultModel is the completion model assigned to new chat rooms.
	DefaultModel string `json:"defaultModel,omitempty"`

	// EmbeddingModel handles file-upload ingestion and the v1
	// embeddings endpoint when the request names no model.
	EmbeddingModel string `json:"embeddingModel,omitempty"`

	// Minimum free system memory (MB) that must remain after loading an
	// engine of each kind. Generation is the heavier workload and asks
	// for the larger reserve.
	CompletionMinFreeMB int `json:"completionMinFreeMB,omitempty"`
	EmbeddingMinFreeMB  int `json:"embeddingMinFreeMB,omitempty"`

	// SummarizeThresholdTokens is the turn size above which a background
	// summarization task is spawned. Zero disables summarization.
	SummarizeThresholdTokens int `json:"summarizeThresholdTokens,omitempty"`

	// Models adds user-defined model specs on top of the built-in
	// registry.
	Models []ModelConfig `json:"models,omitempty"`
}

// ModelConfig is a user-supplied model definition.
type ModelConfig struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Kind        string `json:"kind"` // "completion" | "embedding"
	MaxTokens   int    `json:"maxTokens,omitempty"`
	TokenMargin int    `json:"tokenMargin,omitempty"`
}
