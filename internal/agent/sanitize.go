package agent

import (
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans up the terminal text extracted from the
// model's final turn before it is escaped and handed to the transport.
// Unlike a text-only chat loop, this module's tool calls travel as
// structural Part/message fields rather than inline text markers, so the
// tool-call-leakage stripping a text-first provider needs does not apply
// here; what does still apply is trimming stray reasoning tags a model
// sometimes emits in its visible answer, and collapsing an accidental
// duplicated paragraph.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	cleaned := stripThinkingTags(content)
	cleaned = collapseConsecutiveDuplicateBlocks(cleaned)
	return strings.TrimSpace(cleaned)
}

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") {
		return content
	}
	result := content
	for _, pat := range thinkingTagPatterns {
		result = pat.ReplaceAllString(result, "")
	}
	return strings.TrimSpace(result)
}

// collapseConsecutiveDuplicateBlocks removes an immediately-repeated
// paragraph — a pattern observed when a model echoes its own answer twice
// across a tool round-trip.
func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}
