package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// Default memory reserves (MB) that must survive an engine load.
// Generation is the heavier workload and asks for the larger reserve.
const (
	DefaultCompletionMinFreeMB = 512
	DefaultEmbeddingMinFreeMB  = 256
)

// Load merges configuration from, in priority order:
//  1. defaults
//  2. global config (~/.config/llmchat/llmchat.json[c])
//  3. project config (./llmchat.json[c])
//  4. LLMCHAT_CONFIG file
//  5. LLMCHAT_CONFIG_CONTENT inline JSON
//  6. .env file and environment variables
func Load(directory string) (*types.Config, error) {
	// .env first so {env:} interpolation in config files sees it.
	_ = godotenv.Load()

	config := defaults()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "llmchat.json"))
	loadOnce(filepath.Join(globalPath, "llmchat.jsonc"))

	if directory != "" {
		loadOnce(filepath.Join(directory, "llmchat.json"))
		loadOnce(filepath.Join(directory, "llmchat.jsonc"))
	}

	if configPath := os.Getenv("LLMCHAT_CONFIG"); configPath != "" {
		loadOnce(configPath)
	}

	if configContent := os.Getenv("LLMCHAT_CONFIG_CONTENT"); configContent != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inline); err != nil {
			return nil, fmt.Errorf("parse LLMCHAT_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inline)
	}

	applyEnvOverrides(config)
	return config, nil
}

func defaults() *types.Config {
	return &types.Config{
		Host:                     "0.0.0.0",
		Port:                     8000,
		DataDir:                  GetPaths().StoragePath(),
		LogLevel:                 "info",
		DefaultModel:             "chronos_hermes_13b",
		EmbeddingModel:           "intfloat/e5-large-v2",
		CompletionMinFreeMB:      DefaultCompletionMinFreeMB,
		EmbeddingMinFreeMB:       DefaultEmbeddingMinFreeMB,
		SummarizeThresholdTokens: 512,
	}
}

// loadConfigFile loads one config file with comment stripping and
// interpolation.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate expands {env:VAR_NAME} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})
}

// mergeConfig overlays source onto target, field by field.
func mergeConfig(target, source *types.Config) {
	if source.Host != "" {
		target.Host = source.Host
	}
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogPretty {
		target.LogPretty = true
	}
	if source.DefaultModel != "" {
		target.DefaultModel = source.DefaultModel
	}
	if source.EmbeddingModel != "" {
		target.EmbeddingModel = source.EmbeddingModel
	}
	if source.CompletionMinFreeMB != 0 {
		target.CompletionMinFreeMB = source.CompletionMinFreeMB
	}
	if source.EmbeddingMinFreeMB != 0 {
		target.EmbeddingMinFreeMB = source.EmbeddingMinFreeMB
	}
	if source.SummarizeThresholdTokens != 0 {
		target.SummarizeThresholdTokens = source.SummarizeThresholdTokens
	}
	if len(source.Models) > 0 {
		target.Models = append(target.Models, source.Models...)
	}
}

// applyEnvOverrides applies LLMCHAT_* environment variables, the
// highest-priority source.
func applyEnvOverrides(config *types.Config) {
	if host := os.Getenv("LLMCHAT_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("LLMCHAT_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.Port = n
		}
	}
	if dir := os.Getenv("LLMCHAT_DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
	if level := os.Getenv("LLMCHAT_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if model := os.Getenv("LLMCHAT_DEFAULT_MODEL"); model != "" {
		config.DefaultModel = model
	}
	if model := os.Getenv("LLMCHAT_EMBEDDING_MODEL"); model != "" {
		config.EmbeddingModel = model
	}
}

// Save writes the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
