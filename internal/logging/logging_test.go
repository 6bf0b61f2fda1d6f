package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetLogger restores the default logger after a test that reconfigures
// the package-level state.
func resetLogger(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { Init(DefaultConfig()) })
}

func lastLine(buf *bytes.Buffer) map[string]any {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		return nil
	}
	return entry
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, InfoLevel, cfg.Level)
	assert.False(t, cfg.Pretty)
	assert.False(t, cfg.LogToFile)
	assert.Equal(t, "/tmp", cfg.LogDir)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"DEBUG":   DebugLevel,
		" info ":  InfoLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
		"verbose": InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestLevelFiltering(t *testing.T) {
	resetLogger(t)

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Debug().Msg("model probe")
	Info().Msg("session started")
	Warn().Msg("unparseable frame")

	out := buf.String()
	assert.NotContains(t, out, "model probe")
	assert.NotContains(t, out, "session started")
	assert.Contains(t, out, "unparseable frame")
}

func TestStructuredFields(t *testing.T) {
	resetLogger(t)

	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	Info().Str("userId", "u1").Int("tokens", 42).Msg("turn appended")

	entry := lastLine(&buf)
	require.NotNil(t, entry, "output is one JSON object per line")
	assert.Equal(t, "u1", entry["userId"])
	assert.Equal(t, float64(42), entry["tokens"])
	assert.Equal(t, "turn appended", entry["message"])
	assert.NotEmpty(t, entry["time"])
}

func TestWithChildLogger(t *testing.T) {
	resetLogger(t)

	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	child := With().Str("component", "cache").Logger()
	child.Info().Msg("model loaded")

	entry := lastLine(&buf)
	require.NotNil(t, entry)
	assert.Equal(t, "cache", entry["component"])
}

func TestPrettyOutputIsNotJSON(t *testing.T) {
	resetLogger(t)

	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})

	Info().Msg("serving")

	assert.Nil(t, lastLine(&buf))
	assert.Contains(t, buf.String(), "serving")
}

func TestFileLoggingLifecycle(t *testing.T) {
	resetLogger(t)
	dir := t.TempDir()

	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, LogToFile: true, LogDir: dir})

	path := GetLogFilePath()
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "llmchat-"))
	assert.True(t, strings.HasSuffix(path, ".log"))

	Info().Msg("written to both sinks")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to both sinks")
	assert.Contains(t, buf.String(), "written to both sinks")

	Close()
	assert.Empty(t, GetLogFilePath())
}

func TestReinitRotatesLogFile(t *testing.T) {
	resetLogger(t)
	dir := t.TempDir()

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: dir})
	first := GetLogFilePath()
	require.NotEmpty(t, first)

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: dir})
	second := GetLogFilePath()
	require.NotEmpty(t, second)

	// The first file survives on disk; only the handle moved on.
	_, err := os.Stat(first)
	assert.NoError(t, err)
}

func TestNoFileLoggingByDefault(t *testing.T) {
	resetLogger(t)

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}})
	assert.Empty(t, GetLogFilePath())
}
