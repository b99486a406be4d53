package telegram

import (
	"errors"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/relaywing/agentcore/internal/model"
)

func TestIsEntityParseErrorMatchesTelegramParseFailures(t *testing.T) {
	if !isEntityParseError(errors.New("Bad Request: can't parse entities: character '.' is reserved")) {
		t.Fatalf("expected a can't-parse-entities message to match")
	}
	if isEntityParseError(errors.New("Too Many Requests: retry after 5")) {
		t.Fatalf("expected an unrelated API error not to match")
	}
}

func TestChatTypeMapsTelegramTypes(t *testing.T) {
	cases := map[string]model.ChatType{
		"private":    model.ChatPrivate,
		"group":      model.ChatGroup,
		"supergroup": model.ChatSupergroup,
		"channel":    model.ChatChannel,
		"":           model.ChatPrivate,
	}
	for in, want := range cases {
		if got := chatType(in); got != want {
			t.Fatalf("chatType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsReplyToBotDetectsReplyFromBotUsername(t *testing.T) {
	msg := &telego.Message{
		ReplyToMessage: &telego.Message{From: &telego.User{Username: "mybot"}},
	}
	if !isReplyToBot(msg, "mybot") {
		t.Fatalf("expected a reply from @mybot to count as a reply-to-bot")
	}
	if isReplyToBot(msg, "otherbot") {
		t.Fatalf("expected a reply from a different user not to count")
	}
}

func TestIsReplyToBotFalseWithoutReply(t *testing.T) {
	if isReplyToBot(&telego.Message{}, "mybot") {
		t.Fatalf("expected no reply-to-message to be false")
	}
}

func TestMentionedUsernamesExtractsEntitySpans(t *testing.T) {
	msg := &telego.Message{
		Text: "hey @mybot please help",
		Entities: []telego.MessageEntity{
			{Type: "mention", Offset: 4, Length: 6},
		},
	}
	got := mentionedUsernames(msg)
	if len(got) != 1 || got[0] != "mybot" {
		t.Fatalf("got %v, want [mybot]", got)
	}
}

func TestMentionedUsernamesIgnoresOutOfBoundsEntities(t *testing.T) {
	msg := &telego.Message{
		Text: "hi",
		Entities: []telego.MessageEntity{
			{Type: "mention", Offset: 10, Length: 6},
		},
	}
	if got := mentionedUsernames(msg); len(got) != 0 {
		t.Fatalf("got %v, want no mentions from an out-of-bounds entity", got)
	}
}
