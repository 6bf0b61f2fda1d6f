package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// handleListModels serves GET /v1/models.
func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	var infos []types.ModelInfo
	for _, kind := range []engine.Kind{engine.KindCompletion, engine.KindEmbedding} {
		for _, name := range s.registry.Names(kind) {
			infos = append(infos, types.ModelInfo{
				ID:      name,
				Object:  "model",
				OwnedBy: "llmchat",
			})
		}
	}
	writeJSON(w, http.StatusOK, types.ModelList{Object: "list", Data: infos})
}

// resolveEngine runs the gated cache resolution for one request and
// maps resolution failures onto HTTP responses. Returns false when the
// response has already been written.
func (s *Server) resolveEngine(w http.ResponseWriter, r *http.Request, kind engine.Kind, identity string, minFreeMB int) (*engine.Handle, bool) {
	if identity == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "model is required")
		return nil, false
	}

	if err := s.gate.Acquire(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, errTypeInternal, "server is shutting down")
		return nil, false
	}
	handle, err := s.cache.Resolve(r.Context(), kind, identity, minFreeMB)
	s.gate.Release()

	switch {
	case errors.Is(err, engine.ErrModelNotFound):
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return nil, false
	case errors.Is(err, engine.ErrOutOfMemory):
		writeError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
		requestShutdown()
		return nil, false
	case err != nil:
		logging.Error().Err(err).Str("model", identity).Msg("engine resolution failed")
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to load model")
		return nil, false
	}
	return handle, true
}

// handleCompletions serves POST /v1/completions.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.CreateCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body")
		return
	}

	handle, ok := s.resolveEngine(w, r, engine.KindCompletion, req.Model, s.appConfig.CompletionMinFreeMB)
	if !ok {
		return
	}
	spec := handle.Spec

	stream, err := handle.Completion.Generate(r.Context(), &engine.CompletionRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		logging.Error().Err(err).Str("model", spec.Name).Msg("generation failed")
		writeError(w, http.StatusInternalServerError, errTypeInternal, "generation failed")
		return
	}

	id := "cmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		sse, err := newSSEWriter(w)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
			return
		}
		for chunk := range stream {
			frame := types.Completion{
				ID:      id,
				Object:  "text_completion",
				Created: created,
				Model:   spec.Name,
				Choices: []types.CompletionChoice{{
					Text:         chunk.Text,
					FinishReason: finishReason(chunk),
				}},
			}
			if err := sse.writeData(frame); err != nil {
				return // client gone; ctx cancellation stops the engine
			}
		}
		_ = sse.writeDone()
		return
	}

	text, finish := drainStream(r.Context(), stream)
	writeJSON(w, http.StatusOK, types.Completion{
		ID:      id,
		Object:  "text_completion",
		Created: created,
		Model:   spec.Name,
		Choices: []types.CompletionChoice{{Text: text, FinishReason: finish}},
		Usage:   usage(spec, req.Prompt, text),
	})
}

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.CreateChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body")
		return
	}

	handle, ok := s.resolveEngine(w, r, engine.KindCompletion, req.Model, s.appConfig.CompletionMinFreeMB)
	if !ok {
		return
	}
	spec := handle.Spec

	prompt := chatPrompt(req.Messages)
	stream, err := handle.Completion.Generate(r.Context(), &engine.CompletionRequest{
		Prompt:      prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		logging.Error().Err(err).Str("model", spec.Name).Msg("generation failed")
		writeError(w, http.StatusInternalServerError, errTypeInternal, "generation failed")
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		sse, err := newSSEWriter(w)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
			return
		}
		for chunk := range stream {
			frame := types.ChatCompletion{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   spec.Name,
				Choices: []types.ChatCompletionChoice{{
					Delta:        &types.ChatCompletionMessage{Role: "assistant", Content: chunk.Text},
					FinishReason: finishReason(chunk),
				}},
			}
			if err := sse.writeData(frame); err != nil {
				return
			}
		}
		_ = sse.writeDone()
		return
	}

	text, finish := drainStream(r.Context(), stream)
	writeJSON(w, http.StatusOK, types.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   spec.Name,
		Choices: []types.ChatCompletionChoice{{
			Message:      &types.ChatCompletionMessage{Role: "assistant", Content: text},
			FinishReason: finish,
		}},
		Usage: usage(spec, prompt, text),
	})
}

// handleEmbeddings serves POST /v1/embeddings.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.CreateEmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body")
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "input is required")
		return
	}

	model := req.Model
	if model == "" {
		model = s.appConfig.EmbeddingModel
	}

	handle, ok := s.resolveEngine(w, r, engine.KindEmbedding, model, s.appConfig.EmbeddingMinFreeMB)
	if !ok {
		return
	}
	spec := handle.Spec

	vectors, err := handle.Embedding.Embed(r.Context(), req.Input)
	if err != nil {
		logging.Error().Err(err).Str("model", spec.Name).Msg("embedding failed")
		writeError(w, http.StatusInternalServerError, errTypeInternal, "embedding failed")
		return
	}

	data := make([]types.EmbeddingDatum, len(vectors))
	promptTokens := 0
	for i, vec := range vectors {
		data[i] = types.EmbeddingDatum{Index: i, Object: "embedding", Embedding: vec}
		promptTokens += spec.TokensOf(req.Input[i])
	}
	writeJSON(w, http.StatusOK, types.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  spec.Name,
		Usage:  types.Usage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	})
}

// usage builds the token accounting block for a completion response.
func usage(spec engine.ModelSpec, prompt, completion string) types.Usage {
	p := spec.TokensOf(prompt)
	c := spec.TokensOf(completion)
	return types.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

// finishReason maps a chunk's finish marker onto the wire format, where
// intermediate chunks carry null.
func finishReason(chunk engine.Chunk) *string {
	if chunk.FinishReason == "" {
		return nil
	}
	reason := chunk.FinishReason
	return &reason
}

// drainStream collects a full non-streaming generation.
func drainStream(ctx context.Context, stream <-chan engine.Chunk) (string, *string) {
	var sb strings.Builder
	var finish *string
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return sb.String(), finish
			}
			sb.WriteString(chunk.Text)
			if f := finishReason(chunk); f != nil {
				finish = f
			}
		case <-ctx.Done():
			return sb.String(), finish
		}
	}
}

// chatPrompt flattens an OpenAI chat message list into a plain prompt
// with a trailing generation cue.
func chatPrompt(messages []types.ChatCompletionMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("assistant:")
	return sb.String()
}
