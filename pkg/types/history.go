package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageHistory is one conversational turn. Its UUID is the entry's
// stable identity: positions within a history drift as entries are
// popped from either end, so anything that needs to find an entry later
// (the background harvester in particular) must re-resolve by UUID at
// the moment of use.
type MessageHistory struct {
	UUID             string `json:"uuid"`
	Role             string `json:"role"` // user-customizable display label
	ActualRole       Role   `json:"actualRole"`
	Content          string `json:"content"`
	Tokens           int    `json:"tokens"` // includes the model's token margin
	Summarized       string `json:"summarized,omitempty"`
	SummarizedTokens *int   `json:"summarizedTokens,omitempty"`
	ModelName        string `json:"modelName,omitempty"` // set only for AI entries
	Timestamp        int64  `json:"timestamp"`
}

// NewMessageHistory creates an entry with a fresh UUID and the current
// timestamp. The caller supplies the token count with margin applied.
func NewMessageHistory(displayRole string, actual Role, content string, tokens int) *MessageHistory {
	return &MessageHistory{
		UUID:       uuid.NewString(),
		Role:       displayRole,
		ActualRole: actual,
		Content:    content,
		Tokens:     tokens,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// EffectiveContent returns the summarized content when one exists,
// otherwise the full content. Prompt building prefers summaries to
// conserve context budget.
func (m *MessageHistory) EffectiveContent() string {
	if m.Summarized != "" {
		return m.Summarized
	}
	return m.Content
}

// EffectiveTokens returns the token count matching EffectiveContent.
func (m *MessageHistory) EffectiveTokens() int {
	if m.Summarized != "" && m.SummarizedTokens != nil {
		return *m.SummarizedTokens
	}
	return m.Tokens
}

// ChatRoles holds the user-customizable display labels for the three
// roles of one conversation.
type ChatRoles struct {
	System string `json:"system"`
	User   string `json:"user"`
	AI     string `json:"ai"`
}

// DefaultChatRoles returns the display labels used for new rooms.
func DefaultChatRoles() ChatRoles {
	return ChatRoles{System: "system", User: "user", AI: "assistant"}
}

// Label returns the display label for a role.
func (c ChatRoles) Label(r Role) string {
	switch r {
	case RoleSystem:
		return c.System
	case RoleUser:
		return c.User
	default:
		return c.AI
	}
}

// ChatProfile is the lightweight rehydration metadata for one chat room.
type ChatProfile struct {
	ChatRoomID   string `json:"chatRoomId"`
	ChatRoomName string `json:"chatRoomName,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// ChatContext is one chat room's full state within a session: its three
// role-segmented history sequences, the selected model, and display
// labels. The three sequences are independent ordered lists, not a
// merged timeline; prompt builders interleave them by timestamp.
type ChatContext struct {
	UserID    string                     `json:"userId"`
	Profile   ChatProfile                `json:"profile"`
	ModelName string                     `json:"modelName"`
	Roles     ChatRoles                  `json:"roles"`
	Histories map[Role][]*MessageHistory `json:"histories"`
}

// NewChatContext creates an empty context for a room.
func NewChatContext(userID string, profile ChatProfile, modelName string) *ChatContext {
	return &ChatContext{
		UserID:    userID,
		Profile:   profile,
		ModelName: modelName,
		Roles:     DefaultChatRoles(),
		Histories: map[Role][]*MessageHistory{
			RoleSystem: {},
			RoleUser:   {},
			RoleAI:     {},
		},
	}
}

// ChatRoomID returns the room id this context belongs to.
func (c *ChatContext) ChatRoomID() string { return c.Profile.ChatRoomID }

// History returns the sequence for a role. The returned slice is the
// live backing store; only the history store may mutate it.
func (c *ChatContext) History(r Role) []*MessageHistory {
	return c.Histories[r]
}

// IndexByUUID re-resolves an entry's current position by its stable
// identity. Returns -1 when the entry is no longer present.
func (c *ChatContext) IndexByUUID(r Role, entryUUID string) int {
	for i, m := range c.Histories[r] {
		if m.UUID == entryUUID {
			return i
		}
	}
	return -1
}

// TotalTokens sums the effective token counts across all three
// sequences.
func (c *ChatContext) TotalTokens() int {
	total := 0
	for _, r := range Roles {
		for _, m := range c.Histories[r] {
			total += m.EffectiveTokens()
		}
	}
	return total
}
