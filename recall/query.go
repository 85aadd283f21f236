package recall

import (
	"strings"

	"github.com/lodestarhq/threadline/types"
)

// maxQueryMessages bounds how many trailing user messages feed the query.
const maxQueryMessages = 3

// BuildQuery derives the retrieval query for a turn: the cached pre-turn
// prompt when the runtime knows it, otherwise the last few user messages in
// chronological order. Channel prefixes are stripped and recall blocks are
// skipped so the query reflects what the user actually said.
func BuildQuery(messages []*types.Message, cachedPrompt string, strip func(string) string) string {
	if prompt := strings.TrimSpace(cachedPrompt); prompt != "" {
		return prompt
	}

	var parts []string
	for i := len(messages) - 1; i >= 0 && len(parts) < maxQueryMessages; i-- {
		msg := messages[i]
		if msg == nil || msg.Role != types.RoleUser {
			continue
		}
		text := msg.Text()
		if strings.Contains(text, Marker) {
			continue
		}
		if strip != nil {
			text = strip(text)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}

	// collected newest-first, joined oldest-first
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}
