package session

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
)

// harvestDoneTasks applies the results of finished background tasks.
// It runs on the sender goroutine before and after every queue wait, so
// a completed summarization lands at the next natural pause.
//
// Reconciliation is best effort: a result whose room or entry has
// vanished in the meantime (popped, cleared, room never loaded) is
// dropped silently apart from a debug line. Harvested tasks are removed
// whether or not their result applied.
func (s *Session) harvestDoneTasks(ctx context.Context) {
	done := s.buf.TakeDoneTasks()
	if len(done) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range done {
		g.Go(func() error {
			s.applyTask(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Session) applyTask(ctx context.Context, t *Task) {
	result, err := t.Result()
	if err != nil {
		logging.Debug().
			Err(err).
			Str("taskId", t.ID).
			Msg("background task failed; nothing to harvest")
		return
	}

	applied := false
	defer func() {
		event.Publish(event.Event{
			Type: event.TaskHarvested,
			Data: event.TaskHarvestedData{
				UserID:  s.buf.UserID,
				TaskID:  t.ID,
				Applied: applied,
			},
		})
	}()

	cc, ok := s.buf.Find(result.RoomID)
	if !ok {
		logging.Debug().
			Str("taskId", t.ID).
			Str("chatRoomId", result.RoomID).
			Msg("harvest target room gone; dropping result")
		return
	}

	// Entry positions drift while a task runs; resolve by UUID now.
	idx := cc.IndexByUUID(result.Role, result.UUID)
	if idx < 0 {
		logging.Debug().
			Str("taskId", t.ID).
			Str("uuid", result.UUID).
			Msg("harvest target entry gone; dropping result")
		return
	}

	spec, _ := s.deps.Registry.Lookup(cc.ModelName)
	ok, err = s.deps.History.SetAt(ctx, cc, result.Role, idx, nil, &result.Content, spec)
	if err != nil {
		logging.Error().
			Err(err).
			Str("taskId", t.ID).
			Msg("failed to persist harvested summary")
		return
	}
	applied = ok
}
