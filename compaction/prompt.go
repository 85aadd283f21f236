package compaction

// SummarizationSystemPrompt is the system prompt used for context
// summarization. It instructs the model to produce a structured summary
// that replaces older conversation history while preserving everything a
// later turn might depend on.
const SummarizationSystemPrompt = `You are a conversation summarizer for a multi-channel chat agent. Your task is to create a summary of older conversation history that will replace the original messages while preserving all context needed to continue naturally.

Create a structured summary with the following sections. If a section has no relevant content, write "None" for that section.

## Format

1. **Intent and Requests**
   - What the user is trying to accomplish
   - Constraints or requirements they specified

2. **Key Facts Established**
   - Names, identifiers, endpoints, settings, and other concrete details
   - Domain knowledge established during the conversation

3. **Decisions and Outcomes**
   - Decisions made and their reasoning
   - Results of actions taken, including tool activity

4. **Errors and Unresolved Issues**
   - Failures encountered and how they were handled
   - Anything still broken or pending

5. **User Preferences**
   - Tone, format, language, or workflow preferences expressed

6. **Open Threads**
   - Questions awaiting answers
   - Tasks mentioned but not finished

7. **Current State**
   - Where the conversation stands and what comes next

## Guidelines

- Be concise but complete. Preserve every detail a later turn might need.
- Use bullet points. Include exact names, values, and quotes where they matter.
- Maintain chronological order within each section.
- Do not add information that was not in the conversation.`

// SplitTurnInstructions is appended when a compaction boundary falls in the
// middle of a turn. The prefix of the interrupted turn is summarized so the
// retained suffix stays understandable.
const SplitTurnInstructions = `This conversation was cut mid-turn. Summarize the beginning of the in-progress turn: preserve the user's original request verbatim where possible, describe the progress made so far, and keep any context needed to understand the messages that follow this summary.`

// BuildStagePrompt creates the user message for one summarization stage.
// previousSummary carries the running summary from earlier stages (or from a
// prior compaction) and may be empty.
func BuildStagePrompt(previousSummary, conversationText string) string {
	prompt := `Please summarize the following conversation according to the format specified in your instructions.

`
	if previousSummary != "" {
		prompt += `<previous_summary>
` + previousSummary + `
</previous_summary>

The above summarizes earlier parts of this conversation. Fold it into your summary: carry forward everything still relevant and update anything the new messages change.

`
	}

	prompt += `<conversation>
` + conversationText + `
</conversation>

Create a single cumulative summary covering both the previous summary and the conversation above. Follow the section format exactly.`

	return prompt
}

// MessageForSummary represents a simplified message for summarization.
type MessageForSummary struct {
	Role    string
	Content string
}

// FormatMessagesAsText formats messages as readable text for summarization.
func FormatMessagesAsText(messages []MessageForSummary) string {
	var result string
	for _, msg := range messages {
		result += formatSingleMessage(msg)
		result += "\n\n"
	}
	return result
}

func formatSingleMessage(msg MessageForSummary) string {
	roleLabel := "User"
	switch msg.Role {
	case "assistant":
		roleLabel = "Assistant"
	case "system":
		roleLabel = "System"
	case "tool":
		roleLabel = "Tool"
	}
	return roleLabel + ":\n" + msg.Content
}
