// Package telegram is a thin transport stub (SPEC_FULL.md §10): it
// translates inbound Telegram updates into the core's normalized
// model.InboundMessage and sends outbound text back through the bot API.
// Command handling, media, forum topics, pairing, and rate limiting — the
// teacher's full channel surface — are explicitly out of spec §1's scope;
// only enough is kept here to exercise the mymmrac/telego dependency and
// drive the Agent Loop end to end.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/relaywing/agentcore/internal/model"
)

// Handler runs the Agent Loop for one normalized inbound message and
// returns the reply text to send back, if any.
type Handler func(ctx context.Context, msg model.InboundMessage) (*string, error)

// Transport owns a telego bot and drives Handler off its long-polling
// update stream.
type Transport struct {
	bot         *telego.Bot
	botUsername string
	handler     Handler
}

// New builds a Transport. token is the Telegram bot API token; botUsername
// is used for the reply-to-bot check. Whole-token @mention matching is done
// by the Agent Loop's triage step, not here.
func New(token, botUsername string, handler Handler) (*Transport, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &Transport{bot: bot, botUsername: botUsername, handler: handler}, nil
}

// FetchIdentity resolves the bot's own user id and username via getMe, so
// callers can pass a resolved model.BotIdentity into both New and the Agent
// Loop's mention-matching config before Run starts.
func FetchIdentity(ctx context.Context, token string) (model.BotIdentity, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return model.BotIdentity{}, fmt.Errorf("telegram: new bot: %w", err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return model.BotIdentity{}, fmt.Errorf("telegram: get me: %w", err)
	}
	return model.BotIdentity{UserID: model.UserId(me.ID), Username: me.Username}, nil
}

// Run consumes updates via long polling until ctx is canceled.
func (t *Transport) Run(ctx context.Context) error {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	for update := range updates {
		t.handleUpdate(ctx, update)
	}
	return nil
}

func (t *Transport) handleUpdate(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}
	if message.Text == "" {
		return
	}

	msg := model.InboundMessage{
		ChatID:       model.ChatId(message.Chat.ID),
		UserID:       model.UserId(message.From.ID),
		ChatType:     chatType(message.Chat.Type),
		Text:         message.Text,
		IsReplyToBot: isReplyToBot(message, t.botUsername),
		Mentions:     mentionedUsernames(message),
	}

	reply, err := t.handler(ctx, msg)
	if err != nil {
		slog.Error("telegram: handler failed", "chat_id", msg.ChatID, "error", err)
		return
	}
	if reply == nil {
		return
	}
	if err := t.Send(ctx, msg.ChatID, *reply); err != nil {
		slog.Error("telegram: send failed", "chat_id", msg.ChatID, "error", err)
	}
}

// Send delivers one text reply to a chat as MarkdownV2. text must already be
// escaped by the caller (both call sites are: the Agent Loop's own
// terminal-text return, already run through escape.Text before Send sees
// it, and the send_telegram_message tool's handler, which escapes the
// model's text the same way) — Send itself performs no escaping. If
// Telegram's entity parser still rejects the text, Send retries once
// without a parse mode so the message is still delivered, rather than
// dropped, matching the original's parse-mode-less fallback.
func (t *Transport) Send(ctx context.Context, chatID model.ChatId, text string) error {
	params := tu.Message(tu.ID(int64(chatID)), text)
	params.ParseMode = telego.ModeMarkdownV2
	_, err := t.bot.SendMessage(ctx, params)
	if err != nil && isEntityParseError(err) {
		slog.Warn("telegram: markdownv2 parse failed, retrying without parse mode", "chat_id", chatID, "error", err)
		fallback := tu.Message(tu.ID(int64(chatID)), text)
		_, err = t.bot.SendMessage(ctx, fallback)
	}
	return err
}

// isEntityParseError reports whether err is Telegram rejecting the message
// entities rather than some other send failure (network, auth, flood wait).
func isEntityParseError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

func chatType(telegramType string) model.ChatType {
	switch telegramType {
	case "group":
		return model.ChatGroup
	case "supergroup":
		return model.ChatSupergroup
	case "channel":
		return model.ChatChannel
	default:
		return model.ChatPrivate
	}
}

// isReplyToBot detects the implicit-mention case: a reply to one of the
// bot's own messages, grounded on the teacher's detectMention reply check.
func isReplyToBot(msg *telego.Message, botUsername string) bool {
	if botUsername == "" || msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		return false
	}
	return msg.ReplyToMessage.From.Username == botUsername
}

// mentionedUsernames extracts @username mentions from the message's text
// entities, grounded on the teacher's detectMention entity scan.
func mentionedUsernames(msg *telego.Message) []string {
	var mentions []string
	for _, entity := range msg.Entities {
		if entity.Type != "mention" {
			continue
		}
		if entity.Offset < 0 || entity.Offset+entity.Length > len(msg.Text) {
			continue
		}
		mention := msg.Text[entity.Offset : entity.Offset+entity.Length]
		mentions = append(mentions, strings.TrimPrefix(mention, "@"))
	}
	return mentions
}
