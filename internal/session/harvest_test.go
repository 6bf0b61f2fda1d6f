package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/history"
	"github.com/deepakbhatia/LLMChat-experiments/internal/storage"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

func newHarvestSession(t *testing.T) (*Session, *types.ChatContext) {
	t.Helper()

	registry := engine.NewRegistry()
	hist := history.NewStore(storage.New(t.TempDir()))
	s := &Session{
		buf: NewBuffer("u1", newFakeTransport()),
		deps: Deps{
			History:  hist,
			Registry: registry,
			Config:   &types.Config{DefaultModel: "chronos_hermes_13b"},
		},
	}

	profile := types.ChatProfile{ChatRoomID: "r1", CreatedAt: time.Now().UnixMilli()}
	cc := types.NewChatContext("u1", profile, "chronos_hermes_13b")
	s.buf.Add(cc)
	return s, cc
}

func finishedTask(t *testing.T, result SummarizedResult, err error) *Task {
	t.Helper()
	task := Spawn(context.Background(), func(context.Context) (SummarizedResult, error) {
		return result, err
	})
	require.Eventually(t, task.IsDone, time.Second, time.Millisecond)
	return task
}

func TestHarvest_AppliesSummary(t *testing.T) {
	ctx := context.Background()
	s, cc := newHarvestSession(t)

	spec, _ := s.deps.Registry.Lookup(cc.ModelName)
	entry, err := s.deps.History.Append(ctx, cc, types.RoleAI, "a long response worth summarizing", spec)
	require.NoError(t, err)

	s.buf.AddTask(finishedTask(t, SummarizedResult{
		RoomID:  "r1",
		Role:    types.RoleAI,
		UUID:    entry.UUID,
		Content: "short summary",
	}, nil))

	s.harvestDoneTasks(ctx)

	assert.Equal(t, "short summary", cc.History(types.RoleAI)[0].EffectiveContent())
	assert.Empty(t, s.buf.TakeDoneTasks())
}

func TestHarvest_SkipsPoppedEntry(t *testing.T) {
	ctx := context.Background()
	s, cc := newHarvestSession(t)

	spec, _ := s.deps.Registry.Lookup(cc.ModelName)
	entry, err := s.deps.History.Append(ctx, cc, types.RoleAI, "soon to vanish", spec)
	require.NoError(t, err)
	keeper, err := s.deps.History.Append(ctx, cc, types.RoleAI, "still here", spec)
	require.NoError(t, err)

	// Pop the task's target before harvest; positions drift, identity
	// resolution must notice the entry is gone.
	removed, err := s.deps.History.PopLast(ctx, cc, types.RoleAI, 2, true)
	require.NoError(t, err)
	require.Equal(t, entry.UUID, removed[0].UUID)
	reAdded, err := s.deps.History.Append(ctx, cc, types.RoleAI, keeper.Content, spec)
	require.NoError(t, err)

	s.buf.AddTask(finishedTask(t, SummarizedResult{
		RoomID:  "r1",
		Role:    types.RoleAI,
		UUID:    entry.UUID,
		Content: "summary of a ghost",
	}, nil))

	s.harvestDoneTasks(ctx)

	// Nothing applied; the surviving entry is untouched.
	require.Len(t, cc.History(types.RoleAI), 1)
	assert.Equal(t, keeper.Content, cc.History(types.RoleAI)[0].EffectiveContent())
	assert.Empty(t, cc.History(types.RoleAI)[0].Summarized)
	assert.Equal(t, reAdded.UUID, cc.History(types.RoleAI)[0].UUID)
	assert.Empty(t, s.buf.TakeDoneTasks())
}

func TestHarvest_SkipsUnknownRoom(t *testing.T) {
	ctx := context.Background()
	s, _ := newHarvestSession(t)

	s.buf.AddTask(finishedTask(t, SummarizedResult{
		RoomID:  "never-loaded",
		Role:    types.RoleAI,
		UUID:    "whatever",
		Content: "orphan summary",
	}, nil))

	s.harvestDoneTasks(ctx)
	assert.Empty(t, s.buf.TakeDoneTasks())
}

func TestHarvest_FailedTaskRemoved(t *testing.T) {
	ctx := context.Background()
	s, _ := newHarvestSession(t)

	s.buf.AddTask(finishedTask(t, SummarizedResult{}, errors.New("summarizer down")))

	s.harvestDoneTasks(ctx)
	assert.Empty(t, s.buf.TakeDoneTasks())
}

func TestHarvest_LeavesRunningTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := newHarvestSession(t)

	blocker := make(chan struct{})
	running := Spawn(ctx, func(ctx context.Context) (SummarizedResult, error) {
		<-blocker
		return SummarizedResult{}, nil
	})
	s.buf.AddTask(running)

	s.harvestDoneTasks(ctx)

	// Still registered: it was not done at harvest time.
	close(blocker)
	require.Eventually(t, running.IsDone, time.Second, time.Millisecond)
	done := s.buf.TakeDoneTasks()
	require.Len(t, done, 1)
	assert.Equal(t, running.ID, done[0].ID)
}

func TestHeadSummarizer(t *testing.T) {
	sum := &HeadSummarizer{MaxChars: 40}

	short, err := sum.Summarize(context.Background(), "already short")
	require.NoError(t, err)
	assert.Equal(t, "already short", short)

	long, err := sum.Summarize(context.Background(), "First sentence here. Second sentence that runs well past the budget and keeps going.")
	require.NoError(t, err)
	assert.Equal(t, "First sentence here.", long)
	assert.LessOrEqual(t, len(long), 40)
}

func TestChunkText(t *testing.T) {
	chunks := chunkText("", 10)
	assert.Nil(t, chunks)

	chunks = chunkText("tiny", 10)
	assert.Equal(t, []string{"tiny"}, chunks)

	chunks = chunkText("alpha beta gamma delta", 12)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 12)
	}
	assert.Equal(t, "alpha beta gamma delta", strings.Join(chunks, " "))
}
