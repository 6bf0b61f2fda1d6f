// Package history manages the role-segmented message histories of chat
// rooms. The in-memory sequences inside a ChatContext are the source of
// truth during a session; every mutation is mirrored to durable storage
// before it returns, so a reconnecting client sees exactly what the
// disconnecting one saw.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
	"github.com/deepakbhatia/LLMChat-experiments/internal/storage"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// contextMeta is the durable form of a room's non-history state.
type contextMeta struct {
	Profile   types.ChatProfile `json:"profile"`
	ModelName string            `json:"modelName"`
	Roles     types.ChatRoles   `json:"roles"`
}

// Store mutates chat histories in memory and mirrors them to storage.
// All methods must be called from the session's sender goroutine; the
// store itself does not lock the ChatContext.
type Store struct {
	storage *storage.Store
}

// NewStore creates a store backed by st.
func NewStore(st *storage.Store) *Store {
	return &Store{storage: st}
}

func rolePath(cc *types.ChatContext, role types.Role) []string {
	return []string{"history", cc.UserID, cc.ChatRoomID(), string(role)}
}

func metaPath(userID, roomID string) []string {
	return []string{"history", userID, roomID, "context"}
}

// Append adds a turn to one role sequence and persists it. The token
// count includes the model's per-entry margin. AI entries record the
// model that produced them.
func (s *Store) Append(ctx context.Context, cc *types.ChatContext, role types.Role, content string, spec engine.ModelSpec) (*types.MessageHistory, error) {
	entry := types.NewMessageHistory(cc.Roles.Label(role), role, content, spec.TokensOf(content)+spec.TokenMargin)
	if role == types.RoleAI {
		entry.ModelName = spec.Name
	}

	cc.Histories[role] = append(cc.Histories[role], entry)
	if err := s.persistRole(ctx, cc, role); err != nil {
		return nil, err
	}

	event.Publish(event.Event{
		Type: event.TurnAppended,
		Data: event.TurnAppendedData{
			UserID:     cc.UserID,
			ChatRoomID: cc.ChatRoomID(),
			Role:       string(role),
			UUID:       entry.UUID,
			Tokens:     entry.Tokens,
		},
	})
	return entry, nil
}

// PopLast removes up to count entries from one role sequence, from the
// end by default or from the front when fromFront is set. It returns
// the removed entries; fewer than count when the sequence is shorter.
func (s *Store) PopLast(ctx context.Context, cc *types.ChatContext, role types.Role, count int, fromFront bool) ([]*types.MessageHistory, error) {
	seq := cc.Histories[role]
	if count > len(seq) {
		count = len(seq)
	}
	if count <= 0 {
		return nil, nil
	}

	var removed []*types.MessageHistory
	if fromFront {
		removed = append(removed, seq[:count]...)
		cc.Histories[role] = seq[count:]
	} else {
		removed = append(removed, seq[len(seq)-count:]...)
		cc.Histories[role] = seq[:len(seq)-count]
	}

	if err := s.persistRole(ctx, cc, role); err != nil {
		return nil, err
	}

	event.Publish(event.Event{
		Type: event.TurnRemoved,
		Data: event.TurnRemovedData{
			UserID:     cc.UserID,
			ChatRoomID: cc.ChatRoomID(),
			Role:       string(role),
			Count:      count,
		},
	})
	return removed, nil
}

// SetAt rewrites an entry in place. A nil content or summarized leaves
// that field untouched; token counts are recomputed for whatever
// changed. Returns false without error when index is out of range,
// which callers treat as "the entry is gone, move on".
func (s *Store) SetAt(ctx context.Context, cc *types.ChatContext, role types.Role, index int, content, summarized *string, spec engine.ModelSpec) (bool, error) {
	seq := cc.Histories[role]
	if index < 0 || index >= len(seq) {
		return false, nil
	}

	entry := seq[index]
	if content != nil {
		entry.Content = *content
		entry.Tokens = spec.TokensOf(*content) + spec.TokenMargin
	}
	if summarized != nil {
		entry.Summarized = *summarized
		tokens := spec.TokensOf(*summarized) + spec.TokenMargin
		entry.SummarizedTokens = &tokens
	}

	if err := s.persistRole(ctx, cc, role); err != nil {
		return false, err
	}
	return true, nil
}

// Clear empties one role sequence of a room and returns how many
// entries were dropped.
func (s *Store) Clear(ctx context.Context, cc *types.ChatContext, role types.Role) (int, error) {
	n := len(cc.Histories[role])
	if n == 0 {
		return 0, nil
	}
	cc.Histories[role] = []*types.MessageHistory{}
	if err := s.persistRole(ctx, cc, role); err != nil {
		return 0, err
	}
	event.Publish(event.Event{
		Type: event.TurnRemoved,
		Data: event.TurnRemovedData{
			UserID:     cc.UserID,
			ChatRoomID: cc.ChatRoomID(),
			Role:       string(role),
			Count:      n,
		},
	})
	return n, nil
}

// ClearAll empties all three role sequences of a room.
func (s *Store) ClearAll(ctx context.Context, cc *types.ChatContext) (int, error) {
	total := 0
	for _, role := range types.Roles {
		n, err := s.Clear(ctx, cc, role)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DeleteContext removes every durable trace of a room: the three role
// documents and the context metadata. Missing documents are ignored.
func (s *Store) DeleteContext(ctx context.Context, userID, roomID string) error {
	for _, role := range types.Roles {
		if err := s.storage.Delete(ctx, []string{"history", userID, roomID, string(role)}); err != nil {
			return fmt.Errorf("delete history %s/%s: %w", roomID, role, err)
		}
	}
	if err := s.storage.Delete(ctx, metaPath(userID, roomID)); err != nil {
		return fmt.Errorf("delete context %s: %w", roomID, err)
	}
	return nil
}

// SaveContext persists a room's metadata and all three sequences.
// Used when a room is created or its metadata (name, model, labels)
// changes.
func (s *Store) SaveContext(ctx context.Context, cc *types.ChatContext) error {
	meta := contextMeta{
		Profile:   cc.Profile,
		ModelName: cc.ModelName,
		Roles:     cc.Roles,
	}
	if err := s.storage.Put(ctx, metaPath(cc.UserID, cc.ChatRoomID()), meta); err != nil {
		return fmt.Errorf("save context %s: %w", cc.ChatRoomID(), err)
	}
	for _, role := range types.Roles {
		if err := s.persistRole(ctx, cc, role); err != nil {
			return err
		}
	}
	return nil
}

// LoadContext rehydrates a room from storage. A room with no durable
// state yet comes back empty with defaultModel selected.
func (s *Store) LoadContext(ctx context.Context, userID, roomID, defaultModel string) (*types.ChatContext, error) {
	var meta contextMeta
	err := s.storage.Get(ctx, metaPath(userID, roomID), &meta)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		meta = contextMeta{
			Profile:   types.ChatProfile{ChatRoomID: roomID},
			ModelName: defaultModel,
			Roles:     types.DefaultChatRoles(),
		}
	case err != nil:
		return nil, fmt.Errorf("load context %s: %w", roomID, err)
	}
	if meta.ModelName == "" {
		meta.ModelName = defaultModel
	}

	cc := types.NewChatContext(userID, meta.Profile, meta.ModelName)
	cc.Roles = meta.Roles

	for _, role := range types.Roles {
		var seq []*types.MessageHistory
		err := s.storage.Get(ctx, rolePath(cc, role), &seq)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load history %s/%s: %w", roomID, role, err)
		}
		if seq == nil {
			seq = []*types.MessageHistory{}
		}
		cc.Histories[role] = seq
	}
	return cc, nil
}

// ListRooms returns the ids of every room a user has durable state
// for, in storage order.
func (s *Store) ListRooms(ctx context.Context, userID string) ([]string, error) {
	rooms, err := s.storage.List(ctx, []string{"history", userID})
	if err != nil {
		return nil, fmt.Errorf("list rooms for %s: %w", userID, err)
	}
	return rooms, nil
}

// LoadProfiles returns the profile of every room a user has, for the
// telemetry frame sent at session start.
func (s *Store) LoadProfiles(ctx context.Context, userID string) ([]types.ChatProfile, error) {
	rooms, err := s.ListRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	profiles := make([]types.ChatProfile, 0, len(rooms))
	for _, roomID := range rooms {
		var meta contextMeta
		err := s.storage.Get(ctx, metaPath(userID, roomID), &meta)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load profile %s: %w", roomID, err)
		}
		profiles = append(profiles, meta.Profile)
	}
	return profiles, nil
}

func (s *Store) persistRole(ctx context.Context, cc *types.ChatContext, role types.Role) error {
	if err := s.storage.Put(ctx, rolePath(cc, role), cc.Histories[role]); err != nil {
		return fmt.Errorf("persist history %s/%s: %w", cc.ChatRoomID(), role, err)
	}
	return nil
}
