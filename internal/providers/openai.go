package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/tools"
)

// OpenAIDriver implements Dialect B (spec §4.4.2): tool calls and their
// results travel as separate role=assistant/role=tool messages rather than
// inline parts of one content blob.
type OpenAIDriver struct {
	clients   []*openai.Client
	modelName string
	rotator   *KeyRotator
}

// NewOpenAIDriver builds one client per API key, index-aligned with rotator.
// organizationID is optional (spec §6's openai_organization_id) and is
// attached to every client's request headers when set.
func NewOpenAIDriver(apiKeys []string, modelName string, rotator *KeyRotator, organizationID string) (*OpenAIDriver, error) {
	if len(apiKeys) == 0 {
		return nil, fmt.Errorf("openai: at least one API key is required")
	}
	clients := make([]*openai.Client, 0, len(apiKeys))
	for _, key := range apiKeys {
		cfg := openai.DefaultConfig(strings.TrimSpace(key))
		if organizationID != "" {
			cfg.OrgID = organizationID
		}
		clients = append(clients, openai.NewClientWithConfig(cfg))
	}
	if rotator == nil {
		rotator = NewKeyRotator(len(clients))
	}
	return &OpenAIDriver{clients: clients, modelName: modelName, rotator: rotator}, nil
}

// Drive runs the Dialect B loop to completion (spec §4.4.2/§4.4.3).
func (d *OpenAIDriver) Drive(ctx context.Context, req DriveRequest) (*DriveResult, error) {
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}

	history := append([]Turn{}, req.History...)
	userTurn := Turn{Role: model.RoleUser, Parts: []model.Part{model.NewTextPart(req.UserMessage)}}
	history = append(history, userTurn)

	msgs := turnsToOpenAIMessages(req.History)
	if req.SystemPrompt != "" {
		msgs = append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt}}, msgs...)
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserMessage})

	decls := tools.FilterForCaller(req.ToolDeclarations, req.Registry, req.CallerIsAdmin)
	openaiTools := adaptToolDeclarationsOpenAI(decls)

	client, resp, err := d.sendInitial(ctx, msgs, openaiTools)
	if err != nil {
		return nil, err
	}

	result := &DriveResult{}

	for step := 0; step < maxSteps; step++ {
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai: no choices in response")
		}
		choice := resp.Choices[0]
		assistantMsg := choice.Message
		msgs = append(msgs, assistantMsg)
		history = append(history, turnFromOpenAIMessage(assistantMsg))

		if len(assistantMsg.ToolCalls) == 0 {
			break
		}

		blocked := false
		for _, tc := range assistantMsg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				slog.Warn("openai: failed to parse tool call arguments", "tool", tc.Function.Name, "error", err)
				errResult := map[string]any{"status": "error", "message": fmt.Sprintf("invalid arguments: %v", err)}
				msgs = append(msgs, toolMessage(tc.ID, errResult))
				history = append(history, Turn{Role: model.RoleTool, Parts: []model.Part{model.NewToolResponsePart(tc.Function.Name, errResult)}})
				continue
			}

			res := req.Dispatcher.Execute(ctx, tc.Function.Name, args, req.CallerChatID, req.CallerUserID)
			logToolExecution(ctx, req.Logger, buildToolExecutionLog(req.CallerChatID, req.CallerUserID, tc.Function.Name, args, res, req.TriggerMessageID))

			result.LastToolCalled = tc.Function.Name
			result.LastToolResult = res
			if tc.Function.Name == CommunicationToolName {
				if text, ok := args["text"].(string); ok {
					result.LastTextSentViaTool = text
				}
			}

			msgs = append(msgs, toolMessage(tc.ID, res))
			history = append(history, Turn{Role: model.RoleTool, Parts: []model.Part{model.NewToolResponsePart(tc.Function.Name, res)}})

			if tc.Function.Name == CommunicationToolName && isTruthy(args["requires_user_response"]) {
				blocked = true
				break
			}
		}

		if blocked {
			break
		}

		msgs = sanitizeToolMessages(msgs)

		resp, err = client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    d.modelName,
			Messages: msgs,
			Tools:    openaiTools,
		})
		if err != nil {
			return nil, fmt.Errorf("openai: follow-up send failed: %w", err)
		}
	}

	result.FinalHistory = history
	return result, nil
}

func (d *OpenAIDriver) sendInitial(ctx context.Context, msgs []openai.ChatCompletionMessage, toolDefs []openai.Tool) (*openai.Client, openai.ChatCompletionResponse, error) {
	start := d.rotator.Current()
	size := d.rotator.Size()
	var lastErr error
	for attempt := 0; attempt < size; attempt++ {
		idx := (start + attempt) % size
		client := d.clients[idx]
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    d.modelName,
			Messages: msgs,
			Tools:    toolDefs,
		})
		if err == nil {
			d.rotator.Advance()
			return client, resp, nil
		}
		lastErr = err
		if !IsQuotaExceeded(err) {
			d.rotator.Advance()
			return nil, openai.ChatCompletionResponse{}, fmt.Errorf("openai: send failed: %w", err)
		}
		slog.Warn("openai: quota exceeded, rotating key", "key_index", idx, "attempt", attempt)
		if attempt < size-1 {
			if sleepErr := SleepBackoff(ctx); sleepErr != nil {
				return nil, openai.ChatCompletionResponse{}, sleepErr
			}
		}
	}
	d.rotator.Advance()
	return nil, openai.ChatCompletionResponse{}, fmt.Errorf("openai: quota exceeded on all %d keys: %w", size, lastErr)
}

func toolMessage(toolCallID string, result map[string]any) openai.ChatCompletionMessage {
	b, err := json.Marshal(result)
	content := string(b)
	if err != nil {
		content = `{"status":"error","message":"failed to encode tool result"}`
	}
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    content,
		ToolCallID: toolCallID,
	}
}

// turnsToOpenAIMessages converts prepared history into the wire format. Tool
// response parts have no durable tool_call_id (the persisted schema never
// stored one), so each is re-emitted with a synthetic id scoped to this
// request — safe because it is only ever referenced by the sanitizer within
// the same Drive call, never persisted.
func turnsToOpenAIMessages(turns []Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for i, t := range turns {
		switch t.Role {
		case model.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: textOf(t)})
		case model.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: textOf(t)})
		case model.RoleModel:
			out = append(out, assistantMessageFromTurn(t, i))
		case model.RoleTool:
			for _, p := range t.Parts {
				if p.Kind != model.PartToolResponse {
					continue
				}
				out = append(out, toolMessage(fmt.Sprintf("replayed-%d-%s", i, p.ResponseName), p.ResponseResult))
			}
		}
	}
	return out
}

func assistantMessageFromTurn(t Turn, idx int) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: textOf(t)}
	var calls []openai.ToolCall
	n := 0
	for _, p := range t.Parts {
		if p.Kind != model.PartToolCall || p.CallName == "" {
			continue
		}
		argsJSON, _ := json.Marshal(p.CallArgs)
		calls = append(calls, openai.ToolCall{
			ID:   fmt.Sprintf("replayed-%d-%d", idx, n),
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      p.CallName,
				Arguments: string(argsJSON),
			},
		})
		n++
	}
	msg.ToolCalls = calls
	return msg
}

func turnFromOpenAIMessage(m openai.ChatCompletionMessage) Turn {
	var parts []model.Part
	if m.Content != "" {
		parts = append(parts, model.NewTextPart(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		parts = append(parts, model.NewToolCallPart(tc.Function.Name, args))
	}
	return Turn{Role: model.RoleModel, Parts: parts}
}

func adaptToolDeclarationsOpenAI(decls []tools.ToolDeclaration) []openai.Tool {
	if len(decls) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(decls))
	for _, d := range decls {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  toJSONSchema(d.Parameters),
			},
		})
	}
	return out
}
