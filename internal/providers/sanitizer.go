package providers

import (
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// sanitizeToolMessages repairs a message list that may have tool-response
// messages separated from the assistant turn that announced their
// tool_call_id (spec §4.4.3) — a shape that shows up after the history is
// trimmed/reordered by the History Manager before a resend. The OpenAI API
// rejects a request where a role=tool message does not immediately follow
// the assistant message that announced its tool_call_id.
//
// Pass 1 walks the input once, keeping every non-tool message as-is and
// recording, per assistant message index, the set of tool_call_ids it
// announced. Pass 2 walks the input again in original order and, for each
// tool message, splices it immediately after its announcing assistant (and
// after any tool messages already spliced there for the same assistant) —
// provided the id was announced and not already used. A tool message whose
// id was never announced, or was already consumed, is dropped with a
// warning rather than sent upstream.
func sanitizeToolMessages(msgs []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	type announcement struct {
		assistantPos int
		used         bool
	}
	announced := make(map[string]*announcement)

	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	// insertPos[assistantPos] is the index in out immediately after which the
	// next tool message for that assistant should be spliced.
	insertPos := make(map[int]int)

	for _, m := range msgs {
		if m.Role == openai.ChatMessageRoleTool {
			continue
		}
		out = append(out, m)
		if m.Role == openai.ChatMessageRoleAssistant && len(m.ToolCalls) > 0 {
			pos := len(out) - 1
			insertPos[pos] = pos + 1
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					continue
				}
				announced[tc.ID] = &announcement{assistantPos: pos}
			}
		}
	}

	for _, m := range msgs {
		if m.Role != openai.ChatMessageRoleTool {
			continue
		}
		ann, ok := announced[m.ToolCallID]
		if !ok || ann.used {
			slog.Warn("sanitizer: dropping tool message with unannounced or reused tool_call_id", "tool_call_id", m.ToolCallID)
			continue
		}
		ann.used = true
		pos := insertPos[ann.assistantPos]
		out = spliceAt(out, pos, m)
		// Every later splice for the same assistant goes right after this one.
		shiftInsertPositions(insertPos, pos)
		insertPos[ann.assistantPos] = pos + 1
	}

	return out
}

func spliceAt(out []openai.ChatCompletionMessage, pos int, m openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out = append(out, openai.ChatCompletionMessage{})
	copy(out[pos+1:], out[pos:])
	out[pos] = m
	return out
}

// shiftInsertPositions bumps every recorded splice point at or after pos by
// one, since spliceAt just grew out by inserting at pos.
func shiftInsertPositions(insertPos map[int]int, pos int) {
	for k, v := range insertPos {
		if v > pos {
			insertPos[k] = v + 1
		}
	}
}
