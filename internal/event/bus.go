// Package event is the in-process notification fabric. Producers
// publish typed events describing what the server just did; consumers
// subscribe to a filtered channel. Delivery rides on watermill's
// gochannel pub/sub, so events are JSON messages and a distributed
// backend could replace the transport without touching call sites.
package event

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
)

// Type classifies an event.
type Type string

const (
	SessionStarted  Type = "session.started"
	SessionEnded    Type = "session.ended"
	ContextSwitched Type = "context.switched"
	TurnAppended    Type = "turn.appended"
	TurnRemoved     Type = "turn.removed"
	StreamDelta     Type = "stream.delta"
	ModelLoaded     Type = "model.loaded"
	ModelEvicted    Type = "model.evicted"
	TaskHarvested   Type = "task.harvested"
)

// Event is one notification. Data carries the type-specific payload
// from types.go; after transport it decodes as a generic JSON value.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}

const topic = "llmchat.events"

var bus = gochannel.NewGoChannel(
	gochannel.Config{
		OutputChannelBuffer: 256,
		Persistent:          false,
	},
	watermill.NopLogger{},
)

// Publish delivers e to every current subscriber. Best effort: an
// event that cannot be encoded or routed is logged and dropped, never
// surfaced to the producer's caller.
func Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		logging.Warn().Err(err).Str("type", string(e.Type)).Msg("event not encodable, dropped")
		return
	}
	if err := bus.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		logging.Warn().Err(err).Str("type", string(e.Type)).Msg("event publish failed")
	}
}

// Subscribe returns a channel of events published after the call,
// filtered to the given kinds; with no kinds every event is delivered.
// The channel closes when ctx ends.
func Subscribe(ctx context.Context, kinds ...Type) (<-chan Event, error) {
	msgs, err := bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	want := make(map[Type]struct{}, len(kinds))
	for _, k := range kinds {
		want[k] = struct{}{}
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var e Event
			err := json.Unmarshal(msg.Payload, &e)
			msg.Ack()
			if err != nil {
				logging.Warn().Err(err).Msg("undecodable event dropped")
				continue
			}
			if _, ok := want[e.Type]; len(want) > 0 && !ok {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
