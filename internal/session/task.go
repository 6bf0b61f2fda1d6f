package session

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// SummarizedResult is what a finished background task hands back for
// reconciliation. The entry is addressed by room and UUID, never by
// index: positions drift while the task runs.
type SummarizedResult struct {
	RoomID  string
	Role    types.Role
	UUID    string
	Content string
}

// Task is a handle to background work whose result is harvested by the
// sender loop between queue waits.
type Task struct {
	ID string

	done   chan struct{}
	result SummarizedResult
	err    error
}

// Spawn runs fn on its own goroutine and returns a handle for later
// harvest.
func Spawn(ctx context.Context, fn func(ctx context.Context) (SummarizedResult, error)) *Task {
	t := &Task{
		ID:   ulid.Make().String(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		t.result, t.err = fn(ctx)
	}()
	return t
}

// IsDone reports whether the task has finished, without blocking.
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns the task's outcome. Only valid once IsDone reports
// true.
func (t *Task) Result() (SummarizedResult, error) {
	return t.result, t.err
}

// Summarizer condenses one history entry's content.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

// HeadSummarizer is the built-in summarizer: it keeps the leading
// sentences up to a character budget. A deployment wanting model-backed
// summaries swaps in its own Summarizer.
type HeadSummarizer struct {
	// MaxChars caps the summary length. Zero means 256.
	MaxChars int
}

// Summarize implements Summarizer.
func (h *HeadSummarizer) Summarize(_ context.Context, content string) (string, error) {
	budget := h.MaxChars
	if budget <= 0 {
		budget = 256
	}
	content = strings.TrimSpace(content)
	if len(content) <= budget {
		return content, nil
	}

	// Prefer cutting at a sentence boundary inside the budget.
	cut := budget
	if idx := strings.LastIndexAny(content[:budget], ".!?"); idx > 0 {
		cut = idx + 1
	}
	return strings.TrimSpace(content[:cut]), nil
}

// spawnSummarize starts a background summarization of one entry,
// retrying transient failures with exponential backoff.
func spawnSummarize(ctx context.Context, sum Summarizer, roomID string, role types.Role, entryUUID, content string) *Task {
	return Spawn(ctx, func(ctx context.Context) (SummarizedResult, error) {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 100 * time.Millisecond
		policy.MaxElapsedTime = 30 * time.Second

		var summary string
		op := func() error {
			var err error
			summary, err = sum.Summarize(ctx, content)
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
			return SummarizedResult{}, err
		}
		return SummarizedResult{
			RoomID:  roomID,
			Role:    role,
			UUID:    entryUUID,
			Content: summary,
		}, nil
	})
}
