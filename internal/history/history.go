// Package history implements the History Manager (spec §4.5): assembling a
// prepared message list for the Provider Driver and persisting whatever new
// turns a drive produced.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaywing/agentcore/internal/escape"
	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/parts"
	"github.com/relaywing/agentcore/internal/providers"
)

// DefaultLength is the default number of stored entries Prepare reads
// before filtering (spec §4.5 step 1).
const DefaultLength = 50

// DefaultRecentLogCount is the default number of tool-execution-log entries
// folded into the "recent actions" context block (spec §4.5 step 3).
const DefaultRecentLogCount = 4

const recentLogBodyTruncate = 500
const recentLogFieldTruncate = 200

// Flags selects which synthetic context blocks Prepare prepends.
type Flags struct {
	AddRecentLogs  bool
	AddUserContext bool
}

// Store is the subset of the History Store that Prepare/Save need, kept
// narrow so this package does not depend on *store.Store directly.
type Store interface {
	ReadLastN(ctx context.Context, chatID model.ChatId, n int) ([]model.MessageEntry, error)
	ReadRecentToolLogs(ctx context.Context, chatID model.ChatId, k int) ([]model.ToolExecutionLog, error)
	GetProfile(ctx context.Context, userID model.UserId) (*model.UserProfile, error)
	GetNotes(ctx context.Context, userID model.UserId) ([]model.UserNote, error)
	AppendMessage(ctx context.Context, chatID model.ChatId, role model.Role, partsJSON string, userID *model.UserId, ts time.Time) error
}

// Prepare builds the message list the Provider Driver consumes for one
// request (spec §4.5 "Prepare"). n <= 0 selects DefaultLength.
func Prepare(ctx context.Context, st Store, chatID model.ChatId, userID model.UserId, chatType model.ChatType, flags Flags, n int) ([]providers.Turn, error) {
	if n <= 0 {
		n = DefaultLength
	}
	entries, err := st.ReadLastN(ctx, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("history: read last entries: %w", err)
	}

	entries = dropLoopEcho(entries)

	var out []providers.Turn

	if flags.AddRecentLogs {
		logs, err := st.ReadRecentToolLogs(ctx, chatID, DefaultRecentLogCount)
		if err != nil {
			slog.Warn("history: failed to read recent tool logs", "chat_id", chatID, "error", err)
		} else if block := formatRecentLogs(logs); block != "" {
			out = append(out, providers.Turn{Role: model.RoleModel, Parts: []model.Part{model.NewTextPart(block)}})
		}
	}

	if flags.AddUserContext {
		profile, err := st.GetProfile(ctx, userID)
		if err != nil {
			slog.Warn("history: failed to read user profile", "user_id", userID, "error", err)
		}
		notes, err := st.GetNotes(ctx, userID)
		if err != nil {
			slog.Warn("history: failed to read user notes", "user_id", userID, "error", err)
		}
		if block := formatUserContext(profile, notes); block != "" {
			out = append(out, providers.Turn{Role: model.RoleModel, Parts: []model.Part{model.NewTextPart(block)}})
		}
	}

	isGroup := chatType == model.ChatGroup || chatType == model.ChatSupergroup

	for _, e := range entries {
		content := parts.Reconstruct(e.Role, partDicts(e))
		var turnParts []model.Part
		if content != nil {
			turnParts = content.Parts
		}

		if len(turnParts) == 0 && e.Role != model.RoleModel {
			continue
		}

		if isGroup && e.Role == model.RoleUser {
			turnParts = prefixFirstText(turnParts, e.UserID)
		}

		if e.Role == model.RoleModel && len(turnParts) > 0 {
			turnParts = stripToolParts(turnParts)
			if len(turnParts) == 0 {
				continue
			}
		}

		out = append(out, providers.Turn{Role: e.Role, Parts: turnParts})
	}

	return out, nil
}

// partDicts re-derives the dict form of an already-reconstructed entry so
// it can be fed back through Reconstruct uniformly with the synthetic
// context blocks built above. ReadLastN already performs reconstruction and
// drops entries whose stored JSON failed to decode, so this is a pure
// round-trip, not a second decode attempt.
func partDicts(e model.MessageEntry) []map[string]any {
	dicts := make([]map[string]any, 0, len(e.Parts))
	for _, p := range e.Parts {
		if d := parts.ToDict(p); d != nil {
			dicts = append(dicts, d)
		}
	}
	return dicts
}

// dropLoopEcho implements the loop-avoidance filter (spec §4.5 step 2):
// some providers echo their own final text as a fresh model turn right
// after a tool round-trip, and re-sending that echo sometimes re-enters the
// tool loop. If the last two entries are both role=model, the
// second-to-last carries a tool-call/response part, and the last is
// text-only, the last entry is dropped from the prepared view.
func dropLoopEcho(entries []model.MessageEntry) []model.MessageEntry {
	n := len(entries)
	if n < 2 {
		return entries
	}
	last, prev := entries[n-1], entries[n-2]
	if last.Role != model.RoleModel || prev.Role != model.RoleModel {
		return entries
	}
	if !hasToolPart(prev.Parts) {
		return entries
	}
	if !isTextOnly(last.Parts) {
		return entries
	}
	return entries[:n-1]
}

func hasToolPart(ps []model.Part) bool {
	for _, p := range ps {
		if p.Kind == model.PartToolCall || p.Kind == model.PartToolResponse {
			return true
		}
	}
	return false
}

func isTextOnly(ps []model.Part) bool {
	if len(ps) == 0 {
		return false
	}
	for _, p := range ps {
		if p.Kind != model.PartText || p.Text == "" {
			return false
		}
	}
	return true
}

// stripToolParts implements the final-cleanup rule (spec §4.5 step 7): a
// replayed role=model turn keeps only its Text parts, since the provider
// accepts tool-call/response parts only when "live" in the current turn.
func stripToolParts(ps []model.Part) []model.Part {
	out := make([]model.Part, 0, len(ps))
	for _, p := range ps {
		if p.Kind == model.PartText {
			out = append(out, p)
		}
	}
	return out
}

// prefixFirstText tags the first Text part of a group-chat user turn with
// the speaker's id, so the model can disambiguate participants (spec §4.5
// step 6).
func prefixFirstText(ps []model.Part, userID *model.UserId) []model.Part {
	if userID == nil {
		return ps
	}
	out := make([]model.Part, len(ps))
	copy(out, ps)
	for i, p := range out {
		if p.Kind == model.PartText {
			out[i] = model.NewTextPart(fmt.Sprintf("User %d: %s", *userID, p.Text))
			break
		}
	}
	return out
}

// formatRecentLogs renders recent tool-execution-log entries as a single
// "recent actions" context block (spec §4.5 step 3). Logs for the
// communication tool are skipped as irrelevant context.
func formatRecentLogs(logs []model.ToolExecutionLog) string {
	var b strings.Builder
	count := 0
	for _, l := range logs {
		if l.ToolName == providers.CommunicationToolName {
			continue
		}
		if count == 0 {
			b.WriteString("Recent actions:\n")
		}
		count++
		fmt.Fprintf(&b, "- [%s] %s: %s", l.Timestamp.Format("2006-01-02T15:04:05Z"), l.ToolName, l.Status)
		if l.ResultMessage != nil && *l.ResultMessage != "" {
			fmt.Fprintf(&b, " — %s", truncate(*l.ResultMessage, recentLogFieldTruncate))
		}
		b.WriteString("\n")
		if l.Stdout != nil && *l.Stdout != "" {
			fmt.Fprintf(&b, "  stdout: %s\n", truncate(*l.Stdout, recentLogFieldTruncate))
		}
		if l.Stderr != nil && *l.Stderr != "" {
			fmt.Fprintf(&b, "  stderr: %s\n", truncate(*l.Stderr, recentLogFieldTruncate))
		}
		if l.FullResultJSON != nil && *l.FullResultJSON != "" {
			fmt.Fprintf(&b, "  ```\n  %s\n  ```\n", truncate(*l.FullResultJSON, recentLogBodyTruncate))
		}
	}
	if count == 0 {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatUserContext renders the caller's profile and notes as a single
// context block (spec §4.5 step 4).
func formatUserContext(profile *model.UserProfile, notes []model.UserNote) string {
	if profile == nil && len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("User context:\n")
	if profile != nil {
		name := ""
		if profile.FirstName != nil {
			name = *profile.FirstName
		}
		if profile.LastName != nil && *profile.LastName != "" {
			name = strings.TrimSpace(name + " " + *profile.LastName)
		}
		if name != "" {
			fmt.Fprintf(&b, "- name: %s\n", name)
		}
		if profile.Username != nil && *profile.Username != "" {
			fmt.Fprintf(&b, "- username: @%s\n", *profile.Username)
		}
	}
	for _, n := range notes {
		fmt.Fprintf(&b, "- %s: %v\n", n.Category, n.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	return escape.Truncate(s, n, "…")
}

// Save persists whatever new turns a Drive call produced (spec §4.5
// "Save"). originalLoadedLength is the length of the history slice handed
// to the driver before it ran; finalHistory is providers.DriveResult's
// FinalHistory. Role=user and role=tool entries are skipped (user turns
// are already saved at ingress; tool turns are transient). lastTextSentViaTool
// is accepted for signature symmetry with the Agent Loop's call site but
// does not change what gets persisted here — it only affects what the
// caller chooses to surface to the transport.
func Save(ctx context.Context, st Store, chatID model.ChatId, finalHistory []providers.Turn, originalLoadedLength int, currentUserID model.UserId, lastTextSentViaTool string) error {
	delta := len(finalHistory) - originalLoadedLength
	if delta <= 0 {
		return nil
	}
	newTurns := finalHistory[len(finalHistory)-delta:]
	for _, t := range newTurns {
		switch t.Role {
		case model.RoleUser, model.RoleTool:
			continue
		case model.RoleModel:
			partsJSON := parts.SerializeParts(t.Parts)
			uid := currentUserID
			if err := st.AppendMessage(ctx, chatID, model.RoleModel, partsJSON, &uid, time.Now()); err != nil {
				return fmt.Errorf("history: save model turn: %w", err)
			}
		}
	}
	return nil
}
