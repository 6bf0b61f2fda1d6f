package session

import (
	"context"
	"sync"

	"github.com/deepakbhatia/LLMChat-experiments/internal/interrupt"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// queueSize bounds pending work per session. A client that floods
// messages faster than generation drains them blocks on the websocket,
// which is the backpressure we want.
const queueSize = 16

// inbound is one unit of work queued from the receiver to the sender.
// Exactly one field group is populated.
type inbound struct {
	// msg is a parsed client chat message.
	msg *types.MessageFromClient

	// status is sent to the client verbatim, produced by receiver-side
	// work such as file ingestion.
	status string

	// control is a room rename or model switch to apply on the sender
	// goroutine, which owns the contexts.
	control *controlFrame
}

// controlFrame is the non-chat JSON a client may send: a filename
// header before a binary upload, a room rename, or a model switch.
type controlFrame struct {
	Msg          *string `json:"msg"`
	Filename     string  `json:"filename"`
	ChatRoomID   string  `json:"chatRoomId"`
	ChatRoomName string  `json:"chatRoomName"`
	ModelName    string  `json:"modelName"`
}

// Buffer is the per-session state shared by the receiver and sender
// goroutines. The contexts slice and current index are owned by the
// sender; the queue channel and the task and filename fields are the
// only parts both goroutines touch.
type Buffer struct {
	UserID    string
	Transport Transport

	// contexts is every room loaded this session, with current always a
	// valid index into it.
	contexts []*types.ChatContext
	current  int

	queue chan inbound

	// Interrupt is latched by a bare "stop" frame; StreamGuard is held
	// while a generation stream is being flushed so the coordinator does
	// not fire mid-teardown.
	Interrupt   *interrupt.Signal
	StreamGuard *interrupt.Signal

	// lastUserMessage feeds /retry.
	lastUserMessage string

	mu              sync.Mutex
	tasks           []*Task
	pendingFilename string
}

// NewBuffer creates the session state for one connection.
func NewBuffer(userID string, transport Transport) *Buffer {
	return &Buffer{
		UserID:      userID,
		Transport:   transport,
		queue:       make(chan inbound, queueSize),
		Interrupt:   interrupt.NewSignal(),
		StreamGuard: interrupt.NewSignal(),
	}
}

// Current returns the active chat context. Only valid after at least
// one context has been added.
func (b *Buffer) Current() *types.ChatContext {
	return b.contexts[b.current]
}

// Find returns the loaded context for a room id, if any.
func (b *Buffer) Find(roomID string) (*types.ChatContext, bool) {
	for _, cc := range b.contexts {
		if cc.ChatRoomID() == roomID {
			return cc, true
		}
	}
	return nil, false
}

// Add appends a context and makes it current.
func (b *Buffer) Add(cc *types.ChatContext) {
	b.contexts = append(b.contexts, cc)
	b.current = len(b.contexts) - 1
}

// Len returns how many rooms are loaded.
func (b *Buffer) Len() int { return len(b.contexts) }

// Remove drops a loaded room, adjusting the current index so Current
// stays valid. The caller must ensure another room remains loaded.
// Returns false when the room is not loaded.
func (b *Buffer) Remove(roomID string) bool {
	for i, cc := range b.contexts {
		if cc.ChatRoomID() == roomID {
			b.contexts = append(b.contexts[:i], b.contexts[i+1:]...)
			if b.current > i || b.current == len(b.contexts) {
				b.current--
			}
			return true
		}
	}
	return false
}

// SwitchTo makes an already-loaded room current. Returns false when the
// room is not loaded.
func (b *Buffer) SwitchTo(roomID string) bool {
	for i, cc := range b.contexts {
		if cc.ChatRoomID() == roomID {
			b.current = i
			return true
		}
	}
	return false
}

// Enqueue hands work to the sender goroutine, blocking when the queue
// is full.
func (b *Buffer) Enqueue(ctx context.Context, item inbound) error {
	select {
	case b.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddTask registers an in-flight background task for later harvest.
func (b *Buffer) AddTask(t *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, t)
}

// TakeDoneTasks removes and returns every finished task, leaving the
// still-running ones registered.
func (b *Buffer) TakeDoneTasks() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var done, pending []*Task
	for _, t := range b.tasks {
		if t.IsDone() {
			done = append(done, t)
		} else {
			pending = append(pending, t)
		}
	}
	b.tasks = pending
	return done
}

// SetFilename memoizes the announced name for the next binary upload.
func (b *Buffer) SetFilename(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingFilename = name
}

// TakeFilename consumes the memoized upload name.
func (b *Buffer) TakeFilename() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := b.pendingFilename
	b.pendingFilename = ""
	return name
}

// LastUserMessage returns the /retry memo.
func (b *Buffer) LastUserMessage() string { return b.lastUserMessage }

// SetLastUserMessage updates the /retry memo. Called from the sender
// goroutine only.
func (b *Buffer) SetLastUserMessage(msg string) { b.lastUserMessage = msg }
