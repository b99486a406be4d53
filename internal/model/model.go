// Package model defines the entities shared across the orchestration core:
// chats, users, message parts, and the records the History Store persists.
package model

import "time"

// ChatId is an opaque identifier for a conversation, unique per chat.
type ChatId int64

// UserId is an opaque identifier for a human participant, unique per user.
type UserId int64

// Role tags who authored a Message Entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// PartKind discriminates the single variant a Part carries.
type PartKind string

const (
	PartText         PartKind = "text"
	PartToolCall     PartKind = "tool_call"
	PartToolResponse PartKind = "tool_response"
)

// Part is a tagged variant over Text, ToolCall, and ToolResponse. Exactly one
// of the variant-specific fields is meaningful, selected by Kind.
type Part struct {
	Kind PartKind

	// Text variant.
	Text string

	// ToolCall variant.
	CallName string
	CallArgs map[string]any

	// ToolResponse variant.
	ResponseName   string
	ResponseResult map[string]any
}

// NewTextPart builds a Text part.
func NewTextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// NewToolCallPart builds a ToolCall part.
func NewToolCallPart(name string, args map[string]any) Part {
	return Part{Kind: PartToolCall, CallName: name, CallArgs: args}
}

// NewToolResponsePart builds a ToolResponse part.
func NewToolResponsePart(name string, result map[string]any) Part {
	return Part{Kind: PartToolResponse, ResponseName: name, ResponseResult: result}
}

// MessageEntry is one persisted, append-only row of a chat's history.
type MessageEntry struct {
	ID        int64
	ChatID    ChatId
	Role      Role
	Parts     []Part
	UserID    *UserId
	Timestamp time.Time
}

// UserProfile is upserted on every user message seen.
type UserProfile struct {
	UserID            UserId
	Username          *string
	FirstName         *string
	LastName          *string
	LastSeen          time.Time
	AvatarID          *string
	AvatarDescription *string
}

// UserNote is a per-user, per-category fact. Value is either a scalar string
// or a JSON-shaped list/map, stored as a decoded Go value (string, []any, or
// map[string]any).
type UserNote struct {
	UserID   UserId
	Category string
	Value    any
}

// AIMode selects which model tier a chat defaults to.
type AIMode string

const (
	AIModeDefault AIMode = "default"
	AIModePro     AIMode = "pro"
)

// ChatSettings is default-constructed on first use of a chat.
type ChatSettings struct {
	ChatID         ChatId
	CustomPrompt   *string
	AIMode         AIMode
	ModelName      *string
	DigestSchedule *string // additive, SPEC_FULL.md §4.8; validated but not yet consumed by a scheduler.
}

// DefaultChatSettings returns the zero-value settings for a freshly seen chat.
func DefaultChatSettings(chatID ChatId) ChatSettings {
	return ChatSettings{ChatID: chatID, AIMode: AIModeDefault}
}

// ToolExecutionStatus is the outcome recorded for one handler invocation.
type ToolExecutionStatus string

const (
	ToolStatusSuccess  ToolExecutionStatus = "success"
	ToolStatusError    ToolExecutionStatus = "error"
	ToolStatusNotFound ToolExecutionStatus = "not_found"
	ToolStatusWarning  ToolExecutionStatus = "warning"
	ToolStatusTimeout  ToolExecutionStatus = "timeout"
)

// ToolExecutionLog records one handler invocation, success or failure.
type ToolExecutionLog struct {
	ID               string
	ChatID           ChatId
	UserID           *UserId
	Timestamp        time.Time
	ToolName         string
	ArgsJSON         *string
	Status           ToolExecutionStatus
	ReturnCode       *int
	ResultMessage    *string
	Stdout           *string
	Stderr           *string
	FullResultJSON   *string
	TriggerMessageID *int64
}

// ChatType classifies the chat a message arrived in.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// InboundMessage is the normalized shape the transport hands to the Agent
// Loop (spec §6 — "opaque, provided by collaborators").
type InboundMessage struct {
	ChatID        ChatId
	UserID        UserId
	ChatType      ChatType
	Text          string
	IsReplyToBot  bool
	Mentions      []string
	ForcePro      bool
	TriggerMsgID  int64
}

// BotIdentity is the lookup result for the bot's own user id and username.
type BotIdentity struct {
	UserID   UserId
	Username string
}
