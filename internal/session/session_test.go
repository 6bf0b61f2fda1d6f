package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/history"
	"github.com/deepakbhatia/LLMChat-experiments/internal/storage"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// fakeTransport is an in-memory duplex connection driven by the test.
type fakeTransport struct {
	in chan Frame

	mu  sync.Mutex
	out []types.MessageToClient

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Frame, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() (Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case <-f.closed:
		return Frame{}, ErrTransportClosed
	}
}

func (f *fakeTransport) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg types.MessageToClient
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) sendText(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- Frame{Data: data}
}

func (f *fakeTransport) sendRaw(text string) {
	f.in <- Frame{Data: []byte(text)}
}

func (f *fakeTransport) frames() []types.MessageToClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.MessageToClient(nil), f.out...)
}

// waitFinishCount blocks until n non-init finish frames have been sent.
func (f *fakeTransport) waitFinishCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count := 0
		for _, msg := range f.frames() {
			if msg.Finish && !msg.Init {
				count++
			}
		}
		return count >= n
	}, 5*time.Second, 10*time.Millisecond)
}

// reply concatenates the streamed deltas of the i-th turn (0-based),
// where turns are separated by finish frames.
func (f *fakeTransport) reply(i int) string {
	var sb strings.Builder
	turn := 0
	for _, msg := range f.frames() {
		if msg.Init {
			continue
		}
		if msg.Finish {
			turn++
			continue
		}
		if turn == i {
			sb.WriteString(msg.Msg)
		}
	}
	return sb.String()
}

type testEnv struct {
	transport *fakeTransport
	hist      *history.Store
	deps      Deps
	done      chan error
}

// fakeCommands implements CommandRunner without pulling in
// internal/command.
type fakeCommands struct{}

func (fakeCommands) Run(_ context.Context, _ *Buffer, line string) (CommandResult, error) {
	if strings.HasPrefix(line, "/retry") {
		return CommandResult{Retry: true}, nil
	}
	return CommandResult{Reply: "ok: " + line}, nil
}

func startSession(t *testing.T, chunkDelay time.Duration) *testEnv {
	t.Helper()

	registry := engine.NewRegistry()
	hist := history.NewStore(storage.New(t.TempDir()))
	cfg := &types.Config{
		DefaultModel:        "chronos_hermes_13b",
		EmbeddingModel:      "intfloat/e5-large-v2",
		CompletionMinFreeMB: 64,
		EmbeddingMinFreeMB:  32,
	}

	deps := Deps{
		History:    hist,
		Registry:   registry,
		Cache:      engine.NewCache(registry, &engine.EchoFactory{ChunkDelay: chunkDelay}, &engine.StaticMemoryProbe{FreeMB: 8192}),
		Gate:       engine.NewGate(),
		Commands:   fakeCommands{},
		Summarizer: &HeadSummarizer{},
		Config:     cfg,
	}

	env := &testEnv{
		transport: newFakeTransport(),
		hist:      hist,
		deps:      deps,
		done:      make(chan error, 1),
	}
	go func() {
		env.done <- Begin(context.Background(), env.transport, "u1", deps)
	}()

	// Wait for the init payload so tests start from a settled session.
	require.Eventually(t, func() bool {
		return len(env.transport.frames()) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	return env
}

func (e *testEnv) stop(t *testing.T) {
	t.Helper()
	e.transport.Close()
	select {
	case err := <-e.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after transport close")
	}
}

func (e *testEnv) currentRoom(t *testing.T) *types.ChatContext {
	t.Helper()
	profiles, err := e.hist.LoadProfiles(context.Background(), "u1")
	require.NoError(t, err)
	require.NotEmpty(t, profiles)
	cc, err := e.hist.LoadContext(context.Background(), "u1", profiles[0].ChatRoomID, "chronos_hermes_13b")
	require.NoError(t, err)
	return cc
}

func TestSession_HelloTurn(t *testing.T) {
	env := startSession(t, 0)

	env.transport.sendText(t, types.MessageFromClient{Msg: "hello there world"})
	env.transport.waitFinishCount(t, 1)

	assert.Equal(t, "hello there world", env.transport.reply(0))

	env.stop(t)

	cc := env.currentRoom(t)
	require.Len(t, cc.History(types.RoleUser), 1)
	require.Len(t, cc.History(types.RoleAI), 1)
	assert.Equal(t, "hello there world", cc.History(types.RoleUser)[0].Content)
	assert.Equal(t, "hello there world", cc.History(types.RoleAI)[0].Content)
	assert.Equal(t, "chronos_hermes_13b", cc.History(types.RoleAI)[0].ModelName)
}

func TestSession_RetryRegenerates(t *testing.T) {
	env := startSession(t, 0)

	env.transport.sendText(t, types.MessageFromClient{Msg: "repeat after me"})
	env.transport.waitFinishCount(t, 1)

	firstUUID := ""
	{
		cc := env.currentRoom(t)
		require.Len(t, cc.History(types.RoleAI), 1)
		firstUUID = cc.History(types.RoleAI)[0].UUID
	}

	env.transport.sendText(t, types.MessageFromClient{Msg: "/retry"})
	env.transport.waitFinishCount(t, 2)

	env.stop(t)

	cc := env.currentRoom(t)
	// Still exactly one user and one AI turn: the old response was
	// popped before regeneration.
	require.Len(t, cc.History(types.RoleUser), 1)
	require.Len(t, cc.History(types.RoleAI), 1)
	assert.NotEqual(t, firstUUID, cc.History(types.RoleAI)[0].UUID)
	assert.Equal(t, "repeat after me", cc.History(types.RoleAI)[0].Content)
}

func TestSession_StopInterruptsGeneration(t *testing.T) {
	env := startSession(t, 30*time.Millisecond)

	long := strings.Repeat("word ", 40)
	env.transport.sendText(t, types.MessageFromClient{Msg: long})

	// Wait for streaming to start, then interrupt.
	require.Eventually(t, func() bool {
		return env.transport.reply(0) != ""
	}, 5*time.Second, 5*time.Millisecond)
	env.transport.sendRaw("stop")

	env.transport.waitFinishCount(t, 1)

	// The session keeps serving after the interruption.
	env.transport.sendText(t, types.MessageFromClient{Msg: "still alive"})
	env.transport.waitFinishCount(t, 2)
	assert.Equal(t, "still alive", env.transport.reply(1))

	env.stop(t)

	cc := env.currentRoom(t)
	require.Len(t, cc.History(types.RoleAI), 2)
	partial := cc.History(types.RoleAI)[0].Content
	assert.NotEmpty(t, partial)
	assert.Less(t, len(partial), len(strings.TrimSpace(long)))
}

func TestSession_RoomSwitchCreatesRoomAndDropsMessage(t *testing.T) {
	env := startSession(t, 0)

	// A message addressed to a foreign room only switches context; the
	// text itself is discarded.
	env.transport.sendText(t, types.MessageFromClient{Msg: "typed into the old room", ChatRoomID: "room-two"})

	// The switch re-sends the init payload for the new room.
	require.Eventually(t, func() bool {
		for _, msg := range env.transport.frames() {
			if msg.Init && msg.ChatRoomID == "room-two" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// The next plain message lands in the now-current room.
	env.transport.sendText(t, types.MessageFromClient{Msg: "hello new room"})
	env.transport.waitFinishCount(t, 1)

	env.stop(t)

	cc, err := env.hist.LoadContext(context.Background(), "u1", "room-two", "chronos_hermes_13b")
	require.NoError(t, err)
	assert.NotZero(t, cc.Profile.CreatedAt)
	require.Len(t, cc.History(types.RoleUser), 1)
	assert.Equal(t, "hello new room", cc.History(types.RoleUser)[0].Content)

	// The discarded text must not appear in any room.
	profiles, err := env.hist.LoadProfiles(context.Background(), "u1")
	require.NoError(t, err)
	for _, p := range profiles {
		room, err := env.hist.LoadContext(context.Background(), "u1", p.ChatRoomID, "chronos_hermes_13b")
		require.NoError(t, err)
		for _, entry := range room.History(types.RoleUser) {
			assert.NotEqual(t, "typed into the old room", entry.Content)
		}
	}
}

func TestSession_BinaryUploadEmbeds(t *testing.T) {
	env := startSession(t, 0)

	env.transport.sendText(t, FileUploadHeaderFrame("notes.txt"))
	env.transport.in <- Frame{Binary: true, Data: []byte("some text to embed in the vector index")}

	require.Eventually(t, func() bool {
		for _, msg := range env.transport.frames() {
			if strings.Contains(msg.Msg, "notes.txt") {
				return strings.Contains(msg.Msg, "indexed")
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	env.stop(t)
}

// FileUploadHeaderFrame builds the control JSON announcing an upload.
func FileUploadHeaderFrame(name string) types.FileUploadHeader {
	return types.FileUploadHeader{Filename: name}
}
