package history

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/parts"
	"github.com/relaywing/agentcore/internal/providers"
)

type fakeStore struct {
	entries  []model.MessageEntry
	logs     []model.ToolExecutionLog
	profile  *model.UserProfile
	notes    []model.UserNote
	appended []model.MessageEntry
}

func (f *fakeStore) ReadLastN(ctx context.Context, chatID model.ChatId, n int) ([]model.MessageEntry, error) {
	return f.entries, nil
}

func (f *fakeStore) ReadRecentToolLogs(ctx context.Context, chatID model.ChatId, k int) ([]model.ToolExecutionLog, error) {
	return f.logs, nil
}

func (f *fakeStore) GetProfile(ctx context.Context, userID model.UserId) (*model.UserProfile, error) {
	return f.profile, nil
}

func (f *fakeStore) GetNotes(ctx context.Context, userID model.UserId) ([]model.UserNote, error) {
	return f.notes, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, chatID model.ChatId, role model.Role, partsJSON string, userID *model.UserId, ts time.Time) error {
	content := parts.Reconstruct(role, parts.DeserializeParts(partsJSON))
	e := model.MessageEntry{ChatID: chatID, Role: role, UserID: userID, Timestamp: ts}
	if content != nil {
		e.Parts = content.Parts
	}
	f.appended = append(f.appended, e)
	return nil
}

func entry(role model.Role, uid *model.UserId, ps ...model.Part) model.MessageEntry {
	return model.MessageEntry{Role: role, UserID: uid, Parts: ps}
}

func TestPrepareDropsLoopEchoAfterToolRoundTrip(t *testing.T) {
	st := &fakeStore{entries: []model.MessageEntry{
		entry(model.RoleUser, nil, model.NewTextPart("weather?")),
		entry(model.RoleModel, nil, model.NewToolCallPart("get_current_weather", map[string]any{"location": "NYC"})),
		entry(model.RoleModel, nil, model.NewTextPart("it's an echo of the final answer")),
	}}
	out, err := Prepare(context.Background(), st, 1, 2, model.ChatPrivate, Flags{}, 10)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d turns, want 1 (echo dropped, tool-only model turn stripped away): %+v", len(out), out)
	}
	if out[0].Role != model.RoleUser {
		t.Fatalf("expected the surviving turn to be the user question, got %+v", out[0])
	}
}

func TestPrepareKeepsEmptyModelTurnForContinuity(t *testing.T) {
	st := &fakeStore{entries: []model.MessageEntry{
		entry(model.RoleModel, nil),
	}}
	out, err := Prepare(context.Background(), st, 1, 2, model.ChatPrivate, Flags{}, 10)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(out) != 1 || out[0].Role != model.RoleModel {
		t.Fatalf("expected one empty-preserved model turn, got %+v", out)
	}
}

func TestPrepareDropsEmptyNonModelTurn(t *testing.T) {
	st := &fakeStore{entries: []model.MessageEntry{
		entry(model.RoleUser, nil),
	}}
	out, err := Prepare(context.Background(), st, 1, 2, model.ChatPrivate, Flags{}, 10)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty user turn dropped, got %+v", out)
	}
}

func TestPrepareStripsToolPartsFromReplayedModelTurn(t *testing.T) {
	uid := model.UserId(7)
	st := &fakeStore{entries: []model.MessageEntry{
		entry(model.RoleModel, &uid,
			model.NewTextPart("here you go"),
			model.NewToolCallPart("get_current_weather", map[string]any{"location": "NYC"}),
		),
	}}
	out, err := Prepare(context.Background(), st, 1, 2, model.ChatPrivate, Flags{}, 10)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d turns, want 1", len(out))
	}
	for _, p := range out[0].Parts {
		if p.Kind != model.PartText {
			t.Fatalf("expected only text parts to survive on a replayed model turn, found %v", p.Kind)
		}
	}
}

func TestPrepareTagsGroupChatSpeakers(t *testing.T) {
	uid := model.UserId(42)
	st := &fakeStore{entries: []model.MessageEntry{
		entry(model.RoleUser, &uid, model.NewTextPart("hello")),
	}}
	out, err := Prepare(context.Background(), st, 1, 2, model.ChatGroup, Flags{}, 10)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(out) != 1 || out[0].Parts[0].Text != "User 42: hello" {
		t.Fatalf("expected speaker-prefixed text, got %+v", out)
	}
}

func TestPrepareSkipsCommunicationToolInRecentLogs(t *testing.T) {
	msg := "sent"
	st := &fakeStore{
		logs: []model.ToolExecutionLog{
			{ToolName: providers.CommunicationToolName, Status: model.ToolStatusSuccess, Timestamp: time.Now(), ResultMessage: &msg},
			{ToolName: "get_current_weather", Status: model.ToolStatusSuccess, Timestamp: time.Now(), ResultMessage: &msg},
		},
	}
	out, err := Prepare(context.Background(), st, 1, 2, model.ChatPrivate, Flags{AddRecentLogs: true}, 10)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one synthetic context turn, got %d", len(out))
	}
	text := out[0].Parts[0].Text
	if contains := (len(text) > 0); !contains {
		t.Fatalf("expected non-empty recent-actions block")
	}
	if !strings.Contains(text, "get_current_weather") {
		t.Fatalf("expected the weather tool in the recent-actions block, got %q", text)
	}
	if strings.Contains(text, providers.CommunicationToolName) {
		t.Fatalf("expected %s to be skipped, got %q", providers.CommunicationToolName, text)
	}
}

func TestSaveComputesDeltaAndSkipsUserAndToolRoles(t *testing.T) {
	st := &fakeStore{}
	final := []providers.Turn{
		{Role: model.RoleUser, Parts: []model.Part{model.NewTextPart("hi")}},
		{Role: model.RoleModel, Parts: []model.Part{model.NewTextPart("hello")}},
		{Role: model.RoleTool, Parts: []model.Part{model.NewToolResponsePart("x", map[string]any{"status": "success"})}},
		{Role: model.RoleModel, Parts: []model.Part{model.NewTextPart("done")}},
	}
	if err := Save(context.Background(), st, 1, final, 0, 2, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(st.appended) != 2 {
		t.Fatalf("got %d appended entries, want 2 (only model turns): %+v", len(st.appended), st.appended)
	}
}

func TestSaveNoOpWhenDeltaNonPositive(t *testing.T) {
	st := &fakeStore{}
	final := []providers.Turn{
		{Role: model.RoleUser, Parts: []model.Part{model.NewTextPart("hi")}},
	}
	if err := Save(context.Background(), st, 1, final, 1, 2, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(st.appended) != 0 {
		t.Fatalf("expected no appends when delta <= 0, got %+v", st.appended)
	}
}
