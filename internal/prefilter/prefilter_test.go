package prefilter

import (
	"context"
	"testing"

	"github.com/relaywing/agentcore/internal/model"
)

type fakeCaller struct {
	response string
	lastPrompt string
}

func (f *fakeCaller) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.lastPrompt = prompt
	return f.response, nil
}

func TestInvokeFormatsPromptAndParsesResponse(t *testing.T) {
	caller := &fakeCaller{response: `{"actions_to_perform": []}`}
	pf := New(caller, nil)

	r, err := pf.Invoke(context.Background(), model.UserId(1), model.ChatId(2), "hello bot")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !r.NoActionNeeded {
		t.Fatalf("got %+v, want NoActionNeeded", r)
	}
	want := "user_id: 1\nchat_id: 2\nuser_input: hello bot"
	if caller.lastPrompt != want {
		t.Fatalf("prompt = %q, want %q", caller.lastPrompt, want)
	}
}
