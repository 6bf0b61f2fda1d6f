// Package command dispatches the slash commands a chat client can send
// mid-conversation. Handlers run on the session's sender goroutine,
// wrapped in the interruption coordinator, so they may touch the
// current chat context freely but must honor ctx.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/history"
	"github.com/deepakbhatia/LLMChat-experiments/internal/session"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// Handler executes one named command. args is the remainder of the
// line after the command name, trimmed.
type Handler func(ctx context.Context, buf *session.Buffer, args string) (session.CommandResult, error)

// Executor routes slash-command lines to registered handlers.
type Executor struct {
	history  *history.Store
	registry *engine.Registry

	handlers     map[string]Handler
	descriptions map[string]string
}

// NewExecutor creates an executor with the built-in command set.
func NewExecutor(hist *history.Store, registry *engine.Registry) *Executor {
	e := &Executor{
		history:      hist,
		registry:     registry,
		handlers:     make(map[string]Handler),
		descriptions: make(map[string]string),
	}
	e.Register("help", "list available commands", e.help)
	e.Register("clear", "erase the current room's history: /clear [role]", e.clear)
	e.Register("delete", "erase the current room's stored state", e.deleteRoom)
	e.Register("model", "show or switch the room's model: /model [name]", e.model)
	e.Register("retry", "regenerate the last response", e.retry)
	e.Register("ping", "liveness check", e.ping)
	return e
}

// Register adds a handler under a name, replacing any existing one.
func (e *Executor) Register(name, description string, h Handler) {
	e.handlers[name] = h
	e.descriptions[name] = description
}

// Run implements session.CommandRunner. Unknown commands are reported
// to the user, never treated as errors.
func (e *Executor) Run(ctx context.Context, buf *session.Buffer, line string) (session.CommandResult, error) {
	name, args := split(line)
	h, ok := e.handlers[name]
	if !ok {
		return session.CommandResult{
			Reply: fmt.Sprintf("unknown command /%s; try /help", name),
		}, nil
	}
	return h(ctx, buf, args)
}

// split separates "/model foo bar" into ("model", "foo bar").
func split(line string) (string, string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	name, args, _ := strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func (e *Executor) help(_ context.Context, _ *session.Buffer, _ string) (session.CommandResult, error) {
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("available commands:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "  /%s - %s\n", name, e.descriptions[name])
	}
	return session.CommandResult{Reply: strings.TrimRight(sb.String(), "\n")}, nil
}

func (e *Executor) clear(ctx context.Context, buf *session.Buffer, args string) (session.CommandResult, error) {
	cc := buf.Current()

	if args != "" {
		role, err := types.ParseRole(strings.ToLower(args))
		if err != nil {
			return session.CommandResult{
				Reply: fmt.Sprintf("unknown role %q; use system, user or ai", args),
			}, nil
		}
		count, err := e.history.Clear(ctx, cc, role)
		if err != nil {
			return session.CommandResult{}, fmt.Errorf("clear history: %w", err)
		}
		return session.CommandResult{
			Reply: fmt.Sprintf("cleared %d %s entries", count, role),
		}, nil
	}

	count, err := e.history.ClearAll(ctx, cc)
	if err != nil {
		return session.CommandResult{}, fmt.Errorf("clear history: %w", err)
	}
	return session.CommandResult{
		Reply: fmt.Sprintf("cleared %d entries", count),
	}, nil
}

func (e *Executor) deleteRoom(ctx context.Context, buf *session.Buffer, _ string) (session.CommandResult, error) {
	cc := buf.Current()
	roomID := cc.ChatRoomID()
	name := cc.Profile.ChatRoomName

	if err := e.history.DeleteContext(ctx, cc.UserID, roomID); err != nil {
		return session.CommandResult{}, fmt.Errorf("delete room: %w", err)
	}

	// The buffer must move off the deleted room, or the next turn would
	// re-persist its documents. Deleting the only room yields a fresh one.
	if buf.Len() == 1 {
		replacement := types.NewChatContext(cc.UserID, types.ChatProfile{
			ChatRoomID:   uuid.NewString(),
			ChatRoomName: "New Chat",
			CreatedAt:    time.Now().UnixMilli(),
		}, cc.ModelName)
		if err := e.history.SaveContext(ctx, replacement); err != nil {
			return session.CommandResult{}, fmt.Errorf("delete room: %w", err)
		}
		buf.Add(replacement)
	}
	buf.Remove(roomID)

	return session.CommandResult{
		Reply: fmt.Sprintf("deleted room %s; now in %s", name, buf.Current().Profile.ChatRoomName),
	}, nil
}

func (e *Executor) model(ctx context.Context, buf *session.Buffer, args string) (session.CommandResult, error) {
	cc := buf.Current()
	if args == "" {
		names := e.registry.Names(engine.KindCompletion)
		return session.CommandResult{
			Reply: fmt.Sprintf("current model: %s\navailable: %s", cc.ModelName, strings.Join(names, ", ")),
		}, nil
	}

	spec, ok := e.registry.Lookup(args)
	if !ok || spec.Kind != engine.KindCompletion {
		return session.CommandResult{
			Reply: fmt.Sprintf("unknown model %q; see /model for the list", args),
		}, nil
	}

	cc.ModelName = spec.Name
	if err := e.history.SaveContext(ctx, cc); err != nil {
		return session.CommandResult{}, fmt.Errorf("switch model: %w", err)
	}
	return session.CommandResult{
		Reply: fmt.Sprintf("switched to %s", spec.Name),
	}, nil
}

func (e *Executor) retry(_ context.Context, _ *session.Buffer, _ string) (session.CommandResult, error) {
	return session.CommandResult{Retry: true}, nil
}

func (e *Executor) ping(_ context.Context, _ *session.Buffer, _ string) (session.CommandResult, error) {
	return session.CommandResult{Reply: "pong"}, nil
}
