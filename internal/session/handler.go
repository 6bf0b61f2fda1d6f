package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
	"github.com/deepakbhatia/LLMChat-experiments/internal/interrupt"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// ErrTooManyTokens is returned when a room's history no longer fits the
// selected model's context budget. Reported to the user; the session
// continues.
var ErrTooManyTokens = errors.New("history exceeds the model's context budget")

// maxRoomNameLen caps client-supplied room names.
const maxRoomNameLen = 20

// chatTurn records the user's message and generates the AI response.
func (s *Session) chatTurn(ctx context.Context, msg string) error {
	cc := s.buf.Current()
	s.buf.SetLastUserMessage(msg)

	spec, ok := s.deps.Registry.Lookup(cc.ModelName)
	if !ok {
		return s.reportChatError(fmt.Errorf("%w: %s", engine.ErrModelNotFound, cc.ModelName))
	}

	if cc.TotalTokens()+spec.TokensOf(msg)+spec.TokenMargin >= spec.MaxTotalTokens {
		return s.reportChatError(ErrTooManyTokens)
	}

	// The user turn lands strictly before its AI turn.
	entry, err := s.deps.History.Append(ctx, cc, types.RoleUser, msg, spec)
	if err != nil {
		return s.reportChatError(err)
	}
	s.maybeSummarize(ctx, cc, types.RoleUser, entry)

	if err := s.aiTurn(ctx, cc, spec); err != nil {
		if IsCloseErr(err) || errors.Is(err, context.Canceled) {
			return err
		}
		// A failed generation must not leave a dangling user turn: the
		// client retries by resending, not by /retry.
		if _, popErr := s.deps.History.PopLast(ctx, cc, types.RoleUser, 1, false); popErr != nil {
			logging.Error().Err(popErr).Msg("failed to retract user turn after generation failure")
		}
		return s.reportChatError(err)
	}
	return nil
}

// aiTurn resolves the completion engine and streams one generation to
// the client, checking the interrupt signal and ctx at every chunk. An
// interrupted stream records whatever was generated as the AI turn.
func (s *Session) aiTurn(ctx context.Context, cc *types.ChatContext, spec engine.ModelSpec) error {
	if err := s.deps.Gate.Acquire(ctx); err != nil {
		return err
	}
	handle, err := s.deps.Cache.Resolve(ctx, engine.KindCompletion, cc.ModelName, s.deps.Config.CompletionMinFreeMB)
	s.deps.Gate.Release()
	if err != nil {
		return err
	}

	req := &engine.CompletionRequest{
		Prompt:    buildPrompt(cc),
		MaxTokens: spec.MaxTotalTokens - cc.TotalTokens(),
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := handle.Completion.Generate(genCtx, req)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	// Held while chunks are in flight so a command coordinator does not
	// fire mid-stream.
	s.buf.StreamGuard.Set()
	defer s.buf.StreamGuard.Clear()

	var sb strings.Builder
	interrupted := false
	for chunk := range stream {
		if interrupted {
			continue // drain after cancellation
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.buf.Interrupt.IsSet() {
			s.buf.Interrupt.Clear()
			interrupted = true
			cancel()
			continue
		}

		sb.WriteString(chunk.Text)
		if err := s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        chunk.Text,
			ChatRoomID: cc.ChatRoomID(),
		}); err != nil {
			return err
		}
		event.Publish(event.Event{
			Type: event.StreamDelta,
			Data: event.StreamDeltaData{
				UserID:     s.buf.UserID,
				ChatRoomID: cc.ChatRoomID(),
				Delta:      chunk.Text,
			},
		})
	}

	if content := sb.String(); content != "" {
		entry, err := s.deps.History.Append(ctx, cc, types.RoleAI, content, spec)
		if err != nil {
			return err
		}
		s.maybeSummarize(ctx, cc, types.RoleAI, entry)
	}

	if interrupted {
		logging.Info().
			Str("userId", s.buf.UserID).
			Str("chatRoomId", cc.ChatRoomID()).
			Msg("generation interrupted; partial output recorded")
	}

	return s.buf.Transport.WriteJSON(&types.MessageToClient{
		ChatRoomID: cc.ChatRoomID(),
		Finish:     true,
	})
}

// maybeSummarize spawns a background summarization when an entry
// exceeds the configured threshold.
func (s *Session) maybeSummarize(ctx context.Context, cc *types.ChatContext, role types.Role, entry *types.MessageHistory) {
	threshold := s.deps.Config.SummarizeThresholdTokens
	if threshold <= 0 || entry.Tokens <= threshold || s.deps.Summarizer == nil {
		return
	}
	task := spawnSummarize(ctx, s.deps.Summarizer, cc.ChatRoomID(), role, entry.UUID, entry.Content)
	s.buf.AddTask(task)
}

// runCommand dispatches a slash command through the interruption
// coordinator, then performs any regeneration the command asked for.
func (s *Session) runCommand(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/retry") {
		s.buf.SetLastUserMessage(line)
	}

	result, err := interrupt.Run(ctx, func(ctx context.Context) (CommandResult, error) {
		return s.deps.Commands.Run(ctx, s.buf, line)
	}, s.buf.Interrupt, s.buf.StreamGuard)
	if err != nil {
		return s.reportChatError(err)
	}

	if result.Reply != "" {
		if err := s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        result.Reply,
			ChatRoomID: s.buf.Current().ChatRoomID(),
			Finish:     true,
		}); err != nil {
			return err
		}
	}

	if result.Retry {
		return s.retry(ctx)
	}
	return nil
}

// retry regenerates the last AI response: the previous AI entry is
// popped and generation reruns against the unchanged user turn.
func (s *Session) retry(ctx context.Context) error {
	cc := s.buf.Current()
	if s.buf.LastUserMessage() == "" && len(cc.History(types.RoleUser)) == 0 {
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        "nothing to retry yet",
			ChatRoomID: cc.ChatRoomID(),
			Finish:     true,
		})
	}

	spec, ok := s.deps.Registry.Lookup(cc.ModelName)
	if !ok {
		return s.reportChatError(fmt.Errorf("%w: %s", engine.ErrModelNotFound, cc.ModelName))
	}

	if _, err := s.deps.History.PopLast(ctx, cc, types.RoleAI, 1, false); err != nil {
		return s.reportChatError(err)
	}

	if err := s.aiTurn(ctx, cc, spec); err != nil {
		if IsCloseErr(err) || errors.Is(err, context.Canceled) {
			return err
		}
		return s.reportChatError(err)
	}
	return nil
}

// applyControl handles room renames and model switches on the sender
// goroutine, which owns the contexts.
func (s *Session) applyControl(ctx context.Context, ctrl *controlFrame) error {
	cc := s.buf.Current()
	if ctrl.ChatRoomID != "" {
		if found, ok := s.buf.Find(ctrl.ChatRoomID); ok {
			cc = found
		}
	}

	switch {
	case ctrl.ChatRoomName != "":
		name := []rune(ctrl.ChatRoomName)
		if len(name) > maxRoomNameLen {
			name = name[:maxRoomNameLen]
		}
		cc.Profile.ChatRoomName = string(name)
		if err := s.deps.History.SaveContext(ctx, cc); err != nil {
			return s.reportChatError(err)
		}
		profiles := make([]types.ChatProfile, 0, len(s.buf.contexts))
		for _, c := range s.buf.contexts {
			profiles = append(profiles, c.Profile)
		}
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			Init:       true,
			ChatRoomID: s.buf.Current().ChatRoomID(),
			ChatRooms:  profiles,
		})

	case ctrl.ModelName != "":
		spec, ok := s.deps.Registry.Lookup(ctrl.ModelName)
		if !ok || spec.Kind != engine.KindCompletion {
			return s.reportChatError(fmt.Errorf("%w: %s", engine.ErrModelNotFound, ctrl.ModelName))
		}
		cc.ModelName = spec.Name
		if err := s.deps.History.SaveContext(ctx, cc); err != nil {
			return s.reportChatError(err)
		}
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			Init:          true,
			ChatRoomID:    cc.ChatRoomID(),
			SelectedModel: spec.Name,
		})
	}
	return nil
}

// switchRoom makes another room current, loading or creating it as
// needed, and re-sends the init payload for it.
func (s *Session) switchRoom(ctx context.Context, roomID string) error {
	created := false
	if !s.buf.SwitchTo(roomID) {
		cc, err := s.deps.History.LoadContext(ctx, s.buf.UserID, roomID, s.deps.Config.DefaultModel)
		if err != nil {
			return err
		}
		if cc.Profile.CreatedAt == 0 {
			cc.Profile.ChatRoomName = "New Chat"
			cc.Profile.CreatedAt = time.Now().UnixMilli()
			if err := s.deps.History.SaveContext(ctx, cc); err != nil {
				return err
			}
			created = true
		}
		s.buf.Add(cc)
	}

	event.Publish(event.Event{
		Type: event.ContextSwitched,
		Data: event.ContextSwitchedData{
			UserID:     s.buf.UserID,
			ChatRoomID: roomID,
			Created:    created,
		},
	})
	return s.sendInitFrames()
}

// ingestFile embeds an uploaded file's text on the receiver goroutine
// and returns the status line to queue for the client.
func (s *Session) ingestFile(ctx context.Context, data []byte) string {
	name := s.buf.TakeFilename()
	if name == "" {
		name = "upload"
	}

	modelName := s.deps.Config.EmbeddingModel
	if err := s.deps.Gate.Acquire(ctx); err != nil {
		return fmt.Sprintf("indexing of %s cancelled", name)
	}
	handle, err := s.deps.Cache.Resolve(ctx, engine.KindEmbedding, modelName, s.deps.Config.EmbeddingMinFreeMB)
	s.deps.Gate.Release()
	if err != nil {
		logging.Error().Err(err).Str("filename", name).Msg("embedding engine unavailable")
		return fmt.Sprintf("failed to index %s: %v", name, err)
	}

	chunks := chunkText(string(data), 512)
	vectors, err := handle.Embedding.Embed(ctx, chunks)
	if err != nil {
		logging.Error().Err(err).Str("filename", name).Msg("embedding failed")
		return fmt.Sprintf("failed to index %s: %v", name, err)
	}
	return fmt.Sprintf("indexed %s: %d chunks embedded", name, len(vectors))
}

// chunkText splits text into pieces of at most size runes, breaking on
// whitespace where possible.
func chunkText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = append(chunks, string(runes))
			break
		}
		cut := size
		for i := size; i > size/2; i-- {
			if runes[i-1] == ' ' || runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	return chunks
}

// reportChatError maps an error from one turn onto client frames per
// its class. It returns non-nil only when the session must end.
func (s *Session) reportChatError(err error) error {
	cc := s.buf.Current()

	switch {
	case errors.Is(err, interrupt.ErrInterrupted):
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			ChatRoomID: cc.ChatRoomID(),
			Finish:     true,
		})

	case errors.Is(err, ErrTooManyTokens):
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        "the conversation no longer fits the model's context window; use /clear or switch rooms",
			ChatRoomID: cc.ChatRoomID(),
			Finish:     true,
		})

	case errors.Is(err, engine.ErrModelNotFound):
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        err.Error(),
			ChatRoomID: cc.ChatRoomID(),
			Finish:     true,
		})

	case errors.Is(err, engine.ErrOutOfMemory):
		// Fatal: report to this client, then let the caller bring the
		// process down.
		_ = s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        "server out of memory, shutting down",
			ChatRoomID: cc.ChatRoomID(),
			Finish:     true,
		})
		return err

	case IsCloseErr(err) || errors.Is(err, context.Canceled):
		return err

	default:
		logging.Error().
			Err(err).
			Str("userId", s.buf.UserID).
			Msg("chat turn failed")
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        "something went wrong handling that message",
			ChatRoomID: cc.ChatRoomID(),
			Finish:     true,
		})
	}
}
