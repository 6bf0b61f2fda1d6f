package session

import (
	"sort"
	"strings"

	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// buildPrompt flattens a room's three role sequences into one prompt,
// interleaved by timestamp. Summarized entries contribute their summary
// instead of the full content.
func buildPrompt(cc *types.ChatContext) string {
	var entries []*types.MessageHistory
	for _, role := range types.Roles {
		entries = append(entries, cc.Histories[role]...)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	var sb strings.Builder
	for _, m := range entries {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.EffectiveContent())
		sb.WriteString("\n")
	}
	sb.WriteString(cc.Roles.AI)
	sb.WriteString(":")
	return sb.String()
}
