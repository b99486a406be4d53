// Package agent implements the Agent Loop (spec §4.7): the top-level state
// machine that turns one inbound user text message into an optional reply.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/relaywing/agentcore/internal/history"
	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/parts"
	"github.com/relaywing/agentcore/internal/prefilter"
	"github.com/relaywing/agentcore/internal/providers"
	"github.com/relaywing/agentcore/internal/tools"
	"github.com/relaywing/agentcore/internal/tracing"
)

// Store is the subset of the History Store the Agent Loop needs directly,
// on top of what it hands to the History Manager (history.Store) — profile
// upsert at ingress, note upsert for the Pre-Filter's inline action, and
// tool-execution logging for the Provider Driver.
type Store interface {
	history.Store
	UpsertProfile(ctx context.Context, p model.UserProfile) error
	UpsertNote(ctx context.Context, note model.UserNote, merge bool) error
	AppendToolLog(ctx context.Context, log model.ToolExecutionLog) error
}

// Config wires one Loop's dependencies.
type Config struct {
	Store            Store
	ProDriver        providers.Driver
	PreFilter        *prefilter.PreFilter // nil disables the Pre-Filter branch entirely
	Registry         *tools.Registry
	Dispatcher       *tools.Dispatcher
	ToolDeclarations []tools.ToolDeclaration
	// ProSystemPrompt is the operator-authored instruction text loaded from
	// pro_prompt_file at startup, forwarded on every Drive call.
	ProSystemPrompt string
	BotIdentity     model.BotIdentity
	MaxProSteps     int
	HistoryLength   int
	Escape          func(string) string
	IsAdmin         func(model.UserId) bool
}

// Loop is the top-level state machine for one inbound user text message
// (spec §4.7): TRIAGE → [PREFILTER] → [PRO] → DONE | ERROR.
type Loop struct {
	store            Store
	proDriver        providers.Driver
	preFilter        *prefilter.PreFilter
	registry         *tools.Registry
	dispatcher       *tools.Dispatcher
	toolDeclMu       sync.RWMutex
	toolDeclarations []tools.ToolDeclaration
	promptMu         sync.RWMutex
	proSystemPrompt  string
	botIdentity      model.BotIdentity
	mentionPattern   *regexp.Regexp
	maxProSteps      int
	historyLength    int
	escape           func(string) string
	isAdmin          func(model.UserId) bool
}

// New builds a Loop. cfg.Escape defaults to the identity function if nil;
// cfg.IsAdmin defaults to "nobody is admin" if nil.
func New(cfg Config) *Loop {
	l := &Loop{
		store:            cfg.Store,
		proDriver:        cfg.ProDriver,
		preFilter:        cfg.PreFilter,
		registry:         cfg.Registry,
		dispatcher:       cfg.Dispatcher,
		toolDeclarations: cfg.ToolDeclarations,
		proSystemPrompt:  cfg.ProSystemPrompt,
		botIdentity:      cfg.BotIdentity,
		maxProSteps:      cfg.MaxProSteps,
		historyLength:    cfg.HistoryLength,
		escape:           cfg.Escape,
		isAdmin:          cfg.IsAdmin,
	}
	if l.escape == nil {
		l.escape = func(s string) string { return s }
	}
	if l.isAdmin == nil {
		l.isAdmin = func(model.UserId) bool { return false }
	}
	if cfg.BotIdentity.Username != "" {
		// Whole-token @mention check. Go's RE2 engine has no lookahead, so
		// the "not followed by another identifier char" rule from spec
		// §4.7 step 2 is expressed as a boundary character class on both
		// sides instead.
		pattern := `(?i)(^|[^A-Za-z0-9_])@` + regexp.QuoteMeta(cfg.BotIdentity.Username) + `([^A-Za-z0-9_]|$)`
		l.mentionPattern = regexp.MustCompile(pattern)
	}
	return l
}

// SetToolDeclarations replaces the model-facing tool schema in place,
// guarded by a lock so a hot-reload of the declarations file (SPEC_FULL.md
// §4.8's fsnotify-driven reload) never races an in-flight Run call.
func (l *Loop) SetToolDeclarations(decls []tools.ToolDeclaration) {
	l.toolDeclMu.Lock()
	defer l.toolDeclMu.Unlock()
	l.toolDeclarations = decls
}

func (l *Loop) currentToolDeclarations() []tools.ToolDeclaration {
	l.toolDeclMu.RLock()
	defer l.toolDeclMu.RUnlock()
	return l.toolDeclarations
}

// SetProSystemPrompt replaces the pro system prompt in place, guarded the
// same way as SetToolDeclarations, for pro_prompt_file's hot-reload path.
func (l *Loop) SetProSystemPrompt(prompt string) {
	l.promptMu.Lock()
	defer l.promptMu.Unlock()
	l.proSystemPrompt = prompt
}

func (l *Loop) currentProSystemPrompt() string {
	l.promptMu.RLock()
	defer l.promptMu.RUnlock()
	return l.proSystemPrompt
}

// Result is the Agent Loop's outcome: either no reply (Text == nil) or one
// escaped text payload for the transport to send (spec §6).
type Result struct {
	Text *string
}

// Run executes the full state machine for one inbound message.
func (l *Loop) Run(ctx context.Context, msg model.InboundMessage) (*Result, error) {
	ctx, span := tracing.StartAgentSpan(ctx, int64(msg.ChatID), int64(msg.UserID))
	defer span.End()

	if err := l.persistUserTurn(ctx, msg); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("agent: persist user turn: %w", err)
	}

	var res *Result
	var err error
	if l.shouldGoDirectlyToPro(msg) || l.preFilter == nil {
		res, err = l.runPro(ctx, msg)
	} else {
		res, err = l.runPrefilter(ctx, msg)
	}
	if err != nil {
		tracing.RecordError(span, err)
	} else if res != nil && res.Text != nil {
		tracing.RecordOutput(span, *res.Text)
	}
	return res, err
}

// shouldGoDirectlyToPro implements the triage rule of spec §4.7 step 2: a
// forced-pro flag, a private chat, or a reply/mention in a group all skip
// the Pre-Filter.
func (l *Loop) shouldGoDirectlyToPro(msg model.InboundMessage) bool {
	if msg.ForcePro {
		return true
	}
	if msg.ChatType == model.ChatPrivate {
		return true
	}
	if msg.ChatType == model.ChatGroup || msg.ChatType == model.ChatSupergroup {
		return msg.IsReplyToBot || l.mentions(msg.Text)
	}
	return true
}

func (l *Loop) mentions(text string) bool {
	if l.mentionPattern == nil {
		return false
	}
	return l.mentionPattern.MatchString(text)
}

// runPrefilter implements spec §4.7 step 3.
func (l *Loop) runPrefilter(ctx context.Context, msg model.InboundMessage) (*Result, error) {
	res, err := l.preFilter.Invoke(ctx, msg.UserID, msg.ChatID, msg.Text)
	if err != nil {
		slog.Warn("agent: pre-filter invocation failed, falling through to pro", "error", err)
		return l.runPro(ctx, msg)
	}
	if res.Err != nil {
		slog.Warn("agent: pre-filter parse error, falling through to pro", "code", res.Err.Code, "message", res.Err.Message)
		return l.runPro(ctx, msg)
	}
	if res.NoActionNeeded {
		return &Result{}, nil
	}

	triggerPro := false
	for _, a := range res.Actions {
		switch a.FunctionName {
		case prefilter.ActionRememberUserInfo:
			if err := l.executeRememberInline(ctx, a); err != nil {
				slog.Warn("agent: inline remember_user_info failed", "error", err)
			}
		case prefilter.ActionTriggerProModel:
			triggerPro = true
		default:
			// Unknown action kinds are reserved for future use, not a
			// failure (spec §4.6).
		}
	}

	if !triggerPro {
		return &Result{}, nil
	}
	return l.runPro(ctx, msg)
}

func (l *Loop) executeRememberInline(ctx context.Context, a prefilter.Action) error {
	userIDRaw, ok := a.Arguments["user_id"]
	if !ok {
		return fmt.Errorf("remember_user_info: missing user_id")
	}
	userID, ok := userIDRaw.(int64)
	if !ok {
		return fmt.Errorf("remember_user_info: user_id is not an integer")
	}
	category, _ := a.Arguments["info_category"].(string)
	if category == "" {
		return fmt.Errorf("remember_user_info: missing info_category")
	}
	value := a.Arguments["info_value"]
	return tools.UpsertUserInfo(ctx, l.store, model.UserId(userID), category, value)
}

// runPro implements spec §4.7 step 4/5.
func (l *Loop) runPro(ctx context.Context, msg model.InboundMessage) (*Result, error) {
	prepareCtx, prepareSpan := tracing.StartHistorySpan(ctx, "prepare")
	flags := history.Flags{AddRecentLogs: true, AddUserContext: true}
	prepared, err := history.Prepare(prepareCtx, l.store, msg.ChatID, msg.UserID, msg.ChatType, flags, l.historyLength)
	tracing.RecordError(prepareSpan, err)
	prepareSpan.End()
	if err != nil {
		return nil, fmt.Errorf("agent: prepare history: %w", err)
	}

	triggerID := msg.TriggerMsgID
	req := providers.DriveRequest{
		History:          prepared,
		UserMessage:      msg.Text,
		SystemPrompt:     l.currentProSystemPrompt(),
		Registry:         l.registry,
		Dispatcher:       l.dispatcher,
		ToolDeclarations: l.currentToolDeclarations(),
		MaxSteps:         l.maxProSteps,
		CallerChatID:     msg.ChatID,
		CallerUserID:     msg.UserID,
		CallerIsAdmin:    l.isAdmin(msg.UserID),
		TriggerMessageID: &triggerID,
		Logger:           l.store,
	}

	driveCtx, driveSpan := tracing.StartDriveSpan(ctx, "pro", "")
	driveResult, err := l.proDriver.Drive(driveCtx, req)
	tracing.RecordError(driveSpan, err)
	driveSpan.End()
	if err != nil {
		// spec §4.7 step 5 / §7: on driver error, surface an internal,
		// escaped error string; never attempt to save a partial turn.
		slog.Error("agent: provider drive failed", "chat_id", msg.ChatID, "error", err)
		errText := l.escape("Sorry, something went wrong while handling your message.")
		return &Result{Text: &errText}, nil
	}

	text := extractTerminalText(driveResult.FinalHistory)
	if driveResult.LastToolCalled == providers.CommunicationToolName {
		// The bot already spoke through the tool — don't double-speak.
		text = ""
	}

	saveCtx, saveSpan := tracing.StartHistorySpan(ctx, "save")
	saveErr := history.Save(saveCtx, l.store, msg.ChatID, driveResult.FinalHistory, len(prepared), msg.UserID, driveResult.LastTextSentViaTool)
	tracing.RecordError(saveSpan, saveErr)
	saveSpan.End()
	if saveErr != nil {
		// Model output was already produced by this point, so per spec
		// §7's StoreError rule this is logged, not surfaced to the user.
		slog.Error("agent: failed to save history", "chat_id", msg.ChatID, "error", saveErr)
	}

	if text == "" {
		return &Result{}, nil
	}
	escaped := l.escape(SanitizeAssistantContent(text))
	return &Result{Text: &escaped}, nil
}

// extractTerminalText concatenates the Text parts of the last role=model
// entry in the final history, in order (spec §4.7 step 4).
func extractTerminalText(finalHistory []providers.Turn) string {
	for i := len(finalHistory) - 1; i >= 0; i-- {
		if finalHistory[i].Role != model.RoleModel {
			continue
		}
		var b strings.Builder
		for _, p := range finalHistory[i].Parts {
			if p.Kind == model.PartText {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

func (l *Loop) persistUserTurn(ctx context.Context, msg model.InboundMessage) error {
	now := time.Now()
	if err := l.store.UpsertProfile(ctx, model.UserProfile{UserID: msg.UserID, LastSeen: now}); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	partsJSON := parts.SerializeParts([]model.Part{model.NewTextPart(msg.Text)})
	uid := msg.UserID
	if err := l.store.AppendMessage(ctx, msg.ChatID, model.RoleUser, partsJSON, &uid, now); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	return nil
}
