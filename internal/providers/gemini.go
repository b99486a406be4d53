package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	genai "google.golang.org/genai"

	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/tools"
)

// CommunicationToolName is the tool both dialects treat specially: a call to
// it can end the driver loop early when the model marks it as needing the
// user's next reply before continuing (spec §4.4, blocking-tool rule).
const CommunicationToolName = "send_telegram_message"

// GeminiDriver implements Dialect A (spec §4.4.1): inline parts, a single
// Content stream shared between text, tool calls, and tool responses.
type GeminiDriver struct {
	clients   []*genai.Client
	modelName string
	rotator   *KeyRotator
}

// NewGeminiDriver builds one genai.Client per API key, index-aligned with
// rotator so Current()/Advance() pick the matching client.
func NewGeminiDriver(ctx context.Context, apiKeys []string, modelName string, rotator *KeyRotator) (*GeminiDriver, error) {
	if len(apiKeys) == 0 {
		return nil, fmt.Errorf("gemini: at least one API key is required")
	}
	clients := make([]*genai.Client, 0, len(apiKeys))
	for i, key := range apiKeys {
		c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: strings.TrimSpace(key)})
		if err != nil {
			return nil, fmt.Errorf("gemini: init client %d: %w", i, err)
		}
		clients = append(clients, c)
	}
	if rotator == nil {
		rotator = NewKeyRotator(len(clients))
	}
	return &GeminiDriver{clients: clients, modelName: modelName, rotator: rotator}, nil
}

// Drive runs the Dialect A loop to completion (spec §4.4.1).
func (d *GeminiDriver) Drive(ctx context.Context, req DriveRequest) (*DriveResult, error) {
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}

	history := append([]Turn{}, req.History...)
	userTurn := Turn{Role: model.RoleUser, Parts: []model.Part{model.NewTextPart(req.UserMessage)}}
	history = append(history, userTurn)

	contents, err := turnsToGenaiContents(req.History)
	if err != nil {
		return nil, fmt.Errorf("gemini: convert history: %w", err)
	}
	contents = append(contents, genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(req.UserMessage)}, genai.RoleUser))

	decls := tools.FilterForCaller(req.ToolDeclarations, req.Registry, req.CallerIsAdmin)
	genaiTools, toolCfg := adaptToolDeclarations(decls)
	cfg := &genai.GenerateContentConfig{Tools: genaiTools, ToolConfig: toolCfg}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}

	client, resp, err := d.sendInitial(ctx, contents, cfg)
	if err != nil {
		return nil, err
	}

	result := &DriveResult{}

	for step := 0; step < maxSteps; step++ {
		turn, finish, parseErr := geminiTurnFromResponse(resp)
		if parseErr != nil {
			return nil, fmt.Errorf("gemini: %w", parseErr)
		}
		history = append(history, turn)
		contents = append(contents, genaiContentFromTurn(turn))

		if !isContinuableFinish(finish) {
			break
		}

		calls := wellFormedToolCalls(turn)
		if len(calls) == 0 {
			break
		}

		responseParts := make([]model.Part, 0, len(calls))
		blocked := false
		for _, call := range calls {
			res := req.Dispatcher.Execute(ctx, call.CallName, call.CallArgs, req.CallerChatID, req.CallerUserID)
			logToolExecution(ctx, req.Logger, buildToolExecutionLog(req.CallerChatID, req.CallerUserID, call.CallName, call.CallArgs, res, req.TriggerMessageID))

			result.LastToolCalled = call.CallName
			result.LastToolResult = res
			if call.CallName == CommunicationToolName {
				if text, ok := call.CallArgs["text"].(string); ok {
					result.LastTextSentViaTool = text
				}
			}
			responseParts = append(responseParts, model.NewToolResponsePart(call.CallName, res))

			if call.CallName == CommunicationToolName && isTruthy(call.CallArgs["requires_user_response"]) {
				blocked = true
				break
			}
		}

		toolTurn := Turn{Role: model.RoleTool, Parts: responseParts}
		history = append(history, toolTurn)

		if blocked {
			break
		}

		contents = append(contents, genaiContentFromTurn(toolTurn))

		resp, err = client.Models.GenerateContent(ctx, d.modelName, contents, cfg)
		if err != nil {
			return nil, fmt.Errorf("gemini: follow-up send failed: %w", err)
		}
	}

	result.FinalHistory = history
	return result, nil
}

// sendInitial walks the key pool starting at the rotator's current index,
// retrying on a quota-exceeded signal without mutating the shared cursor,
// and advances the cursor exactly once on completion (spec §4.4.4).
func (d *GeminiDriver) sendInitial(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.Client, *genai.GenerateContentResponse, error) {
	start := d.rotator.Current()
	size := d.rotator.Size()
	var lastErr error
	for attempt := 0; attempt < size; attempt++ {
		idx := (start + attempt) % size
		client := d.clients[idx]
		resp, err := client.Models.GenerateContent(ctx, d.modelName, contents, cfg)
		if err == nil {
			d.rotator.Advance()
			return client, resp, nil
		}
		lastErr = err
		if !IsQuotaExceeded(err) {
			d.rotator.Advance()
			return nil, nil, fmt.Errorf("gemini: send failed: %w", err)
		}
		slog.Warn("gemini: quota exceeded, rotating key", "key_index", idx, "attempt", attempt)
		if attempt < size-1 {
			if sleepErr := SleepBackoff(ctx); sleepErr != nil {
				return nil, nil, sleepErr
			}
		}
	}
	d.rotator.Advance()
	return nil, nil, fmt.Errorf("gemini: quota exceeded on all %d keys: %w", size, lastErr)
}

// isContinuableFinish reports whether resp's finish reason permits another
// round-trip (spec §4.4.1 step 4): STOP, MAX_TOKENS, unspecified, or empty.
// Safety/recitation/malformed-function-call are surfaced as errors earlier,
// in geminiTurnFromResponse.
func isContinuableFinish(reason genai.FinishReason) bool {
	switch reason {
	case genai.FinishReasonStop, genai.FinishReasonMaxTokens, genai.FinishReasonUnspecified, "":
		return true
	default:
		return false
	}
}

func wellFormedToolCalls(t Turn) []model.Part {
	var out []model.Part
	for _, p := range t.Parts {
		if p.Kind == model.PartToolCall && p.CallName != "" {
			out = append(out, p)
		}
	}
	return out
}

// turnsToGenaiContents converts a prepared history into the genai wire
// shape. Role mapping follows the grounded reference: user/system become
// genai.RoleUser, model becomes genai.RoleModel, tool responses are sent
// back as function-response parts under genai.RoleUser.
func turnsToGenaiContents(turns []Turn) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		c := genaiContentFromTurn(t)
		if c != nil && len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

func genaiContentFromTurn(t Turn) *genai.Content {
	switch t.Role {
	case model.RoleTool:
		var gparts []*genai.Part
		for _, p := range t.Parts {
			if p.Kind != model.PartToolResponse {
				continue
			}
			gparts = append(gparts, genai.NewPartFromFunctionResponse(p.ResponseName, p.ResponseResult))
		}
		return genai.NewContentFromParts(gparts, genai.RoleUser)
	case model.RoleModel:
		var gparts []*genai.Part
		for _, p := range t.Parts {
			switch p.Kind {
			case model.PartText:
				if p.Text != "" {
					gparts = append(gparts, genai.NewPartFromText(p.Text))
				}
			case model.PartToolCall:
				if p.CallName != "" {
					gparts = append(gparts, genai.NewPartFromFunctionCall(p.CallName, p.CallArgs))
				}
			}
		}
		return &genai.Content{Role: genai.RoleModel, Parts: gparts}
	default: // user, system
		text := textOf(t)
		if t.Role == model.RoleSystem {
			text = "[system] " + text
		}
		return genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(text)}, genai.RoleUser)
	}
}

func textOf(t Turn) string {
	var sb strings.Builder
	for _, p := range t.Parts {
		if p.Kind == model.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// geminiTurnFromResponse converts a GenerateContentResponse into a Turn,
// surfacing safety/recitation/malformed-function-call finish reasons as
// errors (grounded on the reference SDK wrapper's classification).
func geminiTurnFromResponse(resp *genai.GenerateContentResponse) (Turn, genai.FinishReason, error) {
	if resp == nil {
		return Turn{}, "", fmt.Errorf("nil response from model")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Turn{}, "", fmt.Errorf("request blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return Turn{}, "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety:
		return Turn{}, "", fmt.Errorf("response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return Turn{}, "", fmt.Errorf("response blocked due to recitation")
	case genai.FinishReasonMalformedFunctionCall:
		return Turn{}, "", fmt.Errorf("malformed function call generated by model")
	}
	if candidate.Content == nil {
		return Turn{Role: model.RoleModel}, candidate.FinishReason, nil
	}
	var out []model.Part
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			out = append(out, model.NewTextPart(part.Text))
		}
		if part.FunctionCall != nil {
			out = append(out, model.NewToolCallPart(part.FunctionCall.Name, part.FunctionCall.Args))
		}
	}
	return Turn{Role: model.RoleModel, Parts: out}, candidate.FinishReason, nil
}

// adaptToolDeclarations builds the genai tool schema from the model-facing
// declarations, in AUTO mode so the model can choose not to call anything
// (avoids forced tool-call loops, grounded on the reference client).
func adaptToolDeclarations(decls []tools.ToolDeclaration) ([]*genai.Tool, *genai.ToolConfig) {
	if len(decls) == 0 {
		return nil, nil
	}
	fd := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		fd = append(fd, &genai.FunctionDeclaration{
			Name:                 d.Name,
			Description:          d.Description,
			ParametersJsonSchema: toJSONSchema(d.Parameters),
		})
	}
	toolCfg := &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeAuto,
		},
	}
	return []*genai.Tool{{FunctionDeclarations: fd}}, toolCfg
}

func toJSONSchema(p tools.ParameterSchema) map[string]any {
	props := make(map[string]any, len(p.Properties))
	for name, prop := range p.Properties {
		props[name] = map[string]any{"type": prop.Type, "description": prop.Description}
	}
	schema := map[string]any{"type": p.Type, "properties": props}
	if len(p.Required) > 0 {
		schema["required"] = p.Required
	}
	return schema
}
