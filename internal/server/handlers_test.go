package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
	"github.com/deepakbhatia/LLMChat-experiments/internal/history"
	"github.com/deepakbhatia/LLMChat-experiments/internal/session"
	"github.com/deepakbhatia/LLMChat-experiments/internal/storage"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	registry := engine.NewRegistry()
	appConfig := &types.Config{
		DefaultModel:        "chronos_hermes_13b",
		EmbeddingModel:      "intfloat/e5-large-v2",
		CompletionMinFreeMB: 64,
		EmbeddingMinFreeMB:  32,
	}
	deps := session.Deps{
		History:  history.NewStore(storage.New(t.TempDir())),
		Registry: registry,
		Cache:    engine.NewCache(registry, &engine.EchoFactory{}, &engine.StaticMemoryProbe{FreeMB: 8192}),
		Gate:     engine.NewGate(),
		Config:   appConfig,
	}
	return New(DefaultConfig(), appConfig, deps)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestListModels(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list types.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)

	ids := make(map[string]bool)
	for _, m := range list.Data {
		ids[m.ID] = true
	}
	assert.True(t, ids["chronos_hermes_13b"])
	assert.True(t, ids["longchat_7b"])
	assert.True(t, ids["intfloat/e5-large-v2"])
}

func TestCompletions(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/completions", types.CreateCompletionRequest{
		Model:  "chronos_hermes_13b",
		Prompt: "echo this back",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.Completion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "echo this back", resp.Choices[0].Text)
	require.NotNil(t, resp.Choices[0].FinishReason)
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)
	assert.Equal(t, "chronos_hermes_13b", resp.Model)
	assert.Positive(t, resp.Usage.TotalTokens)
}

func TestCompletions_OpenAIAlias(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/completions", types.CreateCompletionRequest{
		Model:  "gpt-3.5-turbo",
		Prompt: "alias works",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.Completion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chronos_hermes_13b", resp.Model)
}

func TestCompletions_UnknownModel(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/completions", types.CreateCompletionRequest{
		Model:  "no-such-model",
		Prompt: "hi",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, errTypeInvalidRequest, resp.Error.Type)
}

func TestCompletions_MissingModel(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/completions", types.CreateCompletionRequest{
		Prompt: "hi",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletions_Streaming(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/completions", types.CreateCompletionRequest{
		Model:  "chronos_hermes_13b",
		Prompt: "stream these words",
		Stream: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))

	var text strings.Builder
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var frame types.Completion
		require.NoError(t, json.Unmarshal([]byte(payload), &frame))
		require.Len(t, frame.Choices, 1)
		text.WriteString(frame.Choices[0].Text)
	}
	assert.Equal(t, "stream these words", text.String())
}

func TestChatCompletions(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", types.CreateChatCompletionRequest{
		Model: "gpt-4",
		Messages: []types.ChatCompletionMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "say hello back"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ChatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "say hello back", resp.Choices[0].Message.Content)
	assert.Equal(t, "pygmalion_13b", resp.Model)
}

func TestEmbeddings(t *testing.T) {
	s := newTestServer(t)

	// Single-string input form.
	rec := doJSON(t, s, http.MethodPost, "/v1/embeddings", map[string]any{
		"model": "intfloat/e5-large-v2",
		"input": "embed me",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.NotEmpty(t, resp.Data[0].Embedding)

	// List form, default model.
	rec = doJSON(t, s, http.MethodPost, "/v1/embeddings", map[string]any{
		"input": []string{"one", "two"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, "intfloat/e5-large-v2", resp.Model)
}

func TestEmbeddings_EmptyInput(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/embeddings", map[string]any{
		"model": "intfloat/e5-large-v2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_Stream(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?type=model.loaded", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// Publish repeatedly until the stream shows the event; the subscriber
	// only sees events published after it attached.
	pubDone := make(chan struct{})
	defer close(pubDone)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				event.Publish(event.Event{
					Type: event.ModelLoaded,
					Data: event.ModelLoadedData{Kind: "completion", Identity: "chronos_hermes_13b"},
				})
			case <-pubDone:
				return
			}
		}
	}()

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended before an event arrived")
			payload, isData := strings.CutPrefix(line, "data: ")
			if !isData {
				continue
			}
			var e event.Event
			require.NoError(t, json.Unmarshal([]byte(payload), &e))
			assert.Equal(t, event.ModelLoaded, e.Type)
			data, isObj := e.Data.(map[string]any)
			require.True(t, isObj)
			assert.Equal(t, "chronos_hermes_13b", data["identity"])
			return
		case <-deadline:
			t.Fatal("timed out waiting for an event on the stream")
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
