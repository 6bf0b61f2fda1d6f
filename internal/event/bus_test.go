package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan Event, want Type) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "channel closed before %s arrived", want)
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := Subscribe(ctx, TurnAppended)
	require.NoError(t, err)

	Publish(Event{
		Type: TurnAppended,
		Data: TurnAppendedData{UserID: "u1", ChatRoomID: "r1", Role: "user", UUID: "abc", Tokens: 12},
	})

	e := waitEvent(t, ch, TurnAppended)
	data, ok := e.Data.(map[string]any)
	require.True(t, ok, "data decodes as a JSON object, got %T", e.Data)
	assert.Equal(t, "u1", data["userId"])
	assert.Equal(t, "r1", data["chatRoomId"])
	assert.Equal(t, float64(12), data["tokens"])
}

func TestSubscribeFiltersKinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := Subscribe(ctx, ModelLoaded)
	require.NoError(t, err)

	Publish(Event{Type: SessionStarted, Data: SessionStartedData{UserID: "u1"}})
	Publish(Event{Type: TurnAppended, Data: TurnAppendedData{UserID: "u1"}})
	Publish(Event{Type: ModelLoaded, Data: ModelLoadedData{Kind: "completion", Identity: "chronos_hermes_13b"}})

	e := waitEvent(t, ch, ModelLoaded)
	data := e.Data.(map[string]any)
	assert.Equal(t, "chronos_hermes_13b", data["identity"])

	// Nothing besides the requested kind ever arrives.
	select {
	case extra, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, ModelLoaded, extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeWithoutKindsReceivesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := Subscribe(ctx)
	require.NoError(t, err)

	Publish(Event{Type: SessionStarted, Data: SessionStartedData{UserID: "u9"}})
	Publish(Event{Type: SessionEnded, Data: SessionEndedData{UserID: "u9"}})

	waitEvent(t, ch, SessionStarted)
	waitEvent(t, ch, SessionEnded)
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := Subscribe(ctx, StreamDelta)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "channel stays open after cancel")
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			Publish(Event{Type: StreamDelta, Data: StreamDeltaData{UserID: "u1", Delta: "x"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := Subscribe(ctx, ContextSwitched)
	require.NoError(t, err)
	second, err := Subscribe(ctx, ContextSwitched)
	require.NoError(t, err)

	Publish(Event{
		Type: ContextSwitched,
		Data: ContextSwitchedData{UserID: "u1", ChatRoomID: "room-two", Created: true},
	})

	for _, ch := range []<-chan Event{first, second} {
		e := waitEvent(t, ch, ContextSwitched)
		data := e.Data.(map[string]any)
		assert.Equal(t, "room-two", data["chatRoomId"])
		assert.Equal(t, true, data["created"])
	}
}
