// Package session runs the duplex chat protocol for one connected
// client: a receiver goroutine parsing inbound frames and a sender
// goroutine generating responses, sharing a Buffer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
	"github.com/deepakbhatia/LLMChat-experiments/internal/history"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// CommandResult is what a slash command hands back to the session loop.
// Retry asks the loop to regenerate from the last-user-message memo.
type CommandResult struct {
	Reply string
	Retry bool
}

// CommandRunner dispatches a slash-command line. Implemented by
// internal/command; injected here to keep the dependency one-way.
type CommandRunner interface {
	Run(ctx context.Context, buf *Buffer, line string) (CommandResult, error)
}

// Deps are the collaborators a session needs.
type Deps struct {
	History    *history.Store
	Registry   *engine.Registry
	Cache      *engine.Cache
	Gate       *engine.Gate
	Commands   CommandRunner
	Summarizer Summarizer
	Config     *types.Config
}

// Session is the state of one connected client.
type Session struct {
	buf  *Buffer
	deps Deps
}

// stopToken is the bare text frame that latches the interrupt signal.
const stopToken = "stop"

// Begin runs a session to completion: rehydrate the user's rooms, send
// the init payload, then run the receiver and sender loops until the
// client disconnects. A clean disconnect returns nil.
func Begin(ctx context.Context, transport Transport, userID string, deps Deps) error {
	s := &Session{buf: NewBuffer(userID, transport), deps: deps}

	event.Publish(event.Event{
		Type: event.SessionStarted,
		Data: event.SessionStartedData{UserID: userID},
	})

	err := s.run(ctx)
	if err != nil && (IsCloseErr(err) || errors.Is(err, context.Canceled)) {
		err = nil
	}

	ended := event.SessionEndedData{UserID: userID}
	if err != nil {
		ended.Err = err.Error()
		// Best effort; the transport may already be gone.
		_ = transport.WriteJSON(&types.MessageToClient{
			Msg:    "internal error, closing session",
			Finish: true,
		})
	}
	event.Publish(event.Event{Type: event.SessionEnded, Data: ended})
	return err
}

func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ReadFrame has no ctx; closing the transport is how the receiver
	// gets unblocked when the other loop fails.
	stop := context.AfterFunc(ctx, func() { _ = s.buf.Transport.Close() })
	defer stop()

	if err := s.rehydrate(ctx); err != nil {
		return err
	}
	if err := s.sendInitFrames(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receive(ctx) })
	g.Go(func() error { return s.send(ctx) })
	return g.Wait()
}

// rehydrate loads every room the user has durable state for, creating
// the first room for a brand-new user. The most recently created room
// becomes current.
func (s *Session) rehydrate(ctx context.Context) error {
	profiles, err := s.deps.History.LoadProfiles(ctx, s.buf.UserID)
	if err != nil {
		return err
	}

	if len(profiles) == 0 {
		cc := s.newRoom(uuid.NewString())
		if err := s.deps.History.SaveContext(ctx, cc); err != nil {
			return err
		}
		s.buf.Add(cc)
		return nil
	}

	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt < profiles[j].CreatedAt
	})
	for _, p := range profiles {
		cc, err := s.deps.History.LoadContext(ctx, s.buf.UserID, p.ChatRoomID, s.deps.Config.DefaultModel)
		if err != nil {
			return err
		}
		s.buf.Add(cc)
	}
	return nil
}

func (s *Session) newRoom(roomID string) *types.ChatContext {
	profile := types.ChatProfile{
		ChatRoomID:   roomID,
		ChatRoomName: "New Chat",
		CreatedAt:    time.Now().UnixMilli(),
	}
	return types.NewChatContext(s.buf.UserID, profile, s.deps.Config.DefaultModel)
}

// sendInitFrames pushes the full rehydration payload for the current
// room: room list, model list, and prior turns.
func (s *Session) sendInitFrames() error {
	cc := s.buf.Current()

	profiles := make([]types.ChatProfile, 0, len(s.buf.contexts))
	for _, c := range s.buf.contexts {
		profiles = append(profiles, c.Profile)
	}
	if err := s.buf.Transport.WriteJSON(&types.MessageToClient{
		Init:       true,
		ChatRoomID: cc.ChatRoomID(),
		ChatRooms:  profiles,
	}); err != nil {
		return err
	}

	if err := s.buf.Transport.WriteJSON(&types.MessageToClient{
		Init:          true,
		ChatRoomID:    cc.ChatRoomID(),
		Models:        s.deps.Registry.Names(engine.KindCompletion),
		SelectedModel: cc.ModelName,
	}); err != nil {
		return err
	}

	return s.buf.Transport.WriteJSON(&types.MessageToClient{
		Init:          true,
		ChatRoomID:    cc.ChatRoomID(),
		PreviousChats: previousChats(cc),
	})
}

// previousChats flattens the user and AI sequences by timestamp for
// client-side rendering. System turns stay server-side.
func previousChats(cc *types.ChatContext) []types.PreviousChat {
	var entries []*types.MessageHistory
	entries = append(entries, cc.Histories[types.RoleUser]...)
	entries = append(entries, cc.Histories[types.RoleAI]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	chats := make([]types.PreviousChat, 0, len(entries))
	for _, m := range entries {
		chats = append(chats, types.PreviousChat{
			Role:      string(m.ActualRole),
			Content:   m.Content,
			ModelName: m.ModelName,
			Timestamp: m.Timestamp,
			UUID:      m.UUID,
		})
	}
	return chats
}

// receive is the inbound loop. It terminates only when the transport
// closes; everything else is parsed, memoized, or queued for the
// sender.
func (s *Session) receive(ctx context.Context) error {
	for {
		frame, err := s.buf.Transport.ReadFrame()
		if err != nil {
			return err
		}

		if frame.Binary {
			status := s.ingestFile(ctx, frame.Data)
			if err := s.buf.Enqueue(ctx, inbound{status: status}); err != nil {
				return err
			}
			continue
		}

		text := strings.TrimSpace(string(frame.Data))
		if text == stopToken {
			s.buf.Interrupt.Set()
			continue
		}

		var ctrl controlFrame
		if err := json.Unmarshal(frame.Data, &ctrl); err != nil {
			logging.Warn().
				Str("userId", s.buf.UserID).
				Msg("unparseable text frame dropped")
			continue
		}

		switch {
		case ctrl.Msg != nil:
			msg := &types.MessageFromClient{Msg: *ctrl.Msg, ChatRoomID: ctrl.ChatRoomID}
			if err := s.buf.Enqueue(ctx, inbound{msg: msg}); err != nil {
				return err
			}
		case ctrl.Filename != "":
			s.buf.SetFilename(ctrl.Filename)
		case ctrl.ChatRoomName != "" || ctrl.ModelName != "":
			if err := s.buf.Enqueue(ctx, inbound{control: &ctrl}); err != nil {
				return err
			}
		default:
			logging.Warn().
				Str("userId", s.buf.UserID).
				Msg("unrecognized control frame dropped")
		}
	}
}

// send is the outbound loop: telemetry, harvest, wait for work, harvest
// again, dispatch. Chat-level failures are reported to the client and
// the loop continues; only transport or fatal errors end it.
func (s *Session) send(ctx context.Context) error {
	for {
		if err := s.sendTelemetry(); err != nil {
			return err
		}
		s.harvestDoneTasks(ctx)

		var item inbound
		select {
		case item = <-s.buf.queue:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.harvestDoneTasks(ctx)

		if err := s.dispatch(ctx, item); err != nil {
			return err
		}
	}
}

// sendTelemetry reports the current room's token usage and readiness
// for the next query.
func (s *Session) sendTelemetry() error {
	cc := s.buf.Current()
	total := cc.TotalTokens()
	return s.buf.Transport.WriteJSON(&types.MessageToClient{
		Init:          true,
		ChatRoomID:    cc.ChatRoomID(),
		TotalTokens:   &total,
		WaitNextQuery: true,
	})
}

func (s *Session) dispatch(ctx context.Context, item inbound) error {
	switch {
	case item.status != "":
		return s.buf.Transport.WriteJSON(&types.MessageToClient{
			Msg:        item.status,
			ChatRoomID: s.buf.Current().ChatRoomID(),
			Finish:     true,
		})

	case item.control != nil:
		return s.applyControl(ctx, item.control)

	case item.msg != nil:
		if item.msg.ChatRoomID != "" && item.msg.ChatRoomID != s.buf.Current().ChatRoomID() {
			// A message addressed to another room is a context switch;
			// its text is discarded, not replayed into the new room.
			if err := s.switchRoom(ctx, item.msg.ChatRoomID); err != nil {
				return s.reportChatError(err)
			}
			return nil
		}
		text := strings.TrimSpace(item.msg.Msg)
		if text == "" {
			return nil
		}
		if strings.HasPrefix(text, "/") {
			return s.runCommand(ctx, text)
		}
		return s.chatTurn(ctx, text)
	}
	return nil
}
