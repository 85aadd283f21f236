package compaction

import (
	"regexp"
	"strings"

	"github.com/lodestarhq/threadline/types"
)

// Limits for the archival fast-path summary.
const (
	maxFastPathTopics      = 15
	maxFastPathTopicLen    = 120
	maxFastPathQuestions   = 8
	maxFastPathKeyValues   = 20
	maxFastPathKeyValueLen = 80
)

// keyValuePattern matches configuration-flavored key=value pairs worth
// carrying across a compaction: endpoints, ports, hosts, databases,
// buckets, keys, URLs, paths and API settings.
var keyValuePattern = regexp.MustCompile(`(?i)([A-Za-z0-9_.-]*(?:endpoint|port|host|db|database|bucket|key|url|path|api)[A-Za-z0-9_.-]*)\s*[=:]\s*([^\s,;"']+)`)

// BuildArchivalSummary synthesizes a structured summary purely from message
// text, with zero model cost: topics from the first lines of user turns,
// lines containing question marks, and configuration-style key=value pairs.
// Fidelity is deliberately traded away because the full content remains
// recoverable through archive recall.
func BuildArchivalSummary(messages []*types.Message) string {
	var topics, questions, keyValues []string
	topicSeen := make(map[string]bool)
	questionSeen := make(map[string]bool)
	kvSeen := make(map[string]bool)

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		text := msg.Text()
		if text == "" {
			continue
		}

		if msg.Role == types.RoleUser {
			lines := strings.Split(text, "\n")

			if first := strings.TrimSpace(lines[0]); first != "" && len(topics) < maxFastPathTopics {
				topic := truncate(first, maxFastPathTopicLen)
				key := strings.ToLower(topic)
				if !topicSeen[key] {
					topicSeen[key] = true
					topics = append(topics, topic)
				}
			}

			for _, line := range lines {
				line = strings.TrimSpace(line)
				if line == "" || !strings.Contains(line, "?") {
					continue
				}
				if len(questions) >= maxFastPathQuestions {
					break
				}
				if questionSeen[line] {
					continue
				}
				questionSeen[line] = true
				questions = append(questions, line)
			}
		}

		for _, match := range keyValuePattern.FindAllStringSubmatch(text, -1) {
			if len(keyValues) >= maxFastPathKeyValues {
				break
			}
			pair := truncate(match[1]+"="+match[2], maxFastPathKeyValueLen)
			key := strings.ToLower(pair)
			if kvSeen[key] {
				continue
			}
			kvSeen[key] = true
			keyValues = append(keyValues, pair)
		}
	}

	var sb strings.Builder
	sb.WriteString("Conversation summary (archive-backed; full history remains searchable):\n")

	if len(topics) > 0 {
		sb.WriteString("\n## Topics\n")
		for _, t := range topics {
			sb.WriteString("- " + t + "\n")
		}
	}
	if len(questions) > 0 {
		sb.WriteString("\n## Key Questions\n")
		for _, q := range questions {
			sb.WriteString("- " + q + "\n")
		}
	}
	if len(keyValues) > 0 {
		sb.WriteString("\n## Recorded Values\n")
		for _, kv := range keyValues {
			sb.WriteString("- " + kv + "\n")
		}
	}

	if len(topics) == 0 && len(questions) == 0 && len(keyValues) == 0 {
		sb.WriteString("No notable activity in the compacted span.\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

// truncate cuts s to at most n bytes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
