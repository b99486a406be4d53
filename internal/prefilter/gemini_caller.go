package prefilter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	genai "google.golang.org/genai"

	"github.com/relaywing/agentcore/internal/providers"
)

// GeminiLiteCaller implements Caller over the lite model, sharing the heavy
// driver's KeyRotator (Open Question 1, SPEC_FULL.md §9: resolved shared —
// both tiers draw from the same Google API key pool, so a quota hit on one
// tier should rotate the key the other tier sees too) and its exact
// quota/backoff retry shape.
type GeminiLiteCaller struct {
	clients        []*genai.Client
	modelName      string
	rotator        *providers.KeyRotator
	systemPromptMu sync.RWMutex
	systemPrompt   string
}

// NewGeminiLiteCaller builds one genai.Client per key, index-aligned with
// rotator — the same construction shape as providers.NewGeminiDriver, but
// for the tool-less lite model. systemPrompt, when non-empty, is loaded from
// lite_prompt_file and sent as the lite model's system instruction on every
// call.
func NewGeminiLiteCaller(ctx context.Context, apiKeys []string, modelName string, rotator *providers.KeyRotator, systemPrompt string) (*GeminiLiteCaller, error) {
	if len(apiKeys) == 0 {
		return nil, fmt.Errorf("prefilter: at least one API key is required")
	}
	clients := make([]*genai.Client, 0, len(apiKeys))
	for i, key := range apiKeys {
		c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: strings.TrimSpace(key)})
		if err != nil {
			return nil, fmt.Errorf("prefilter: init lite client %d: %w", i, err)
		}
		clients = append(clients, c)
	}
	if rotator == nil {
		rotator = providers.NewKeyRotator(len(clients))
	}
	return &GeminiLiteCaller{clients: clients, modelName: modelName, rotator: rotator, systemPrompt: systemPrompt}, nil
}

// SetSystemPrompt replaces the lite model's system instruction in place, for
// lite_prompt_file's hot-reload path.
func (c *GeminiLiteCaller) SetSystemPrompt(prompt string) {
	c.systemPromptMu.Lock()
	defer c.systemPromptMu.Unlock()
	c.systemPrompt = prompt
}

func (c *GeminiLiteCaller) currentSystemPrompt() string {
	c.systemPromptMu.RLock()
	defer c.systemPromptMu.RUnlock()
	return c.systemPrompt
}

// GenerateText sends one prompt with no tool declarations and returns the
// concatenated text of the response, applying the same key-rotation retry
// as the heavy driver's initial send (spec §4.4.4).
func (c *GeminiLiteCaller) GenerateText(ctx context.Context, prompt string) (string, error) {
	start := c.rotator.Current()
	size := c.rotator.Size()
	content := genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser)
	var cfg *genai.GenerateContentConfig
	if sp := c.currentSystemPrompt(); sp != "" {
		cfg = &genai.GenerateContentConfig{SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: sp}}}}
	}

	var lastErr error
	for attempt := 0; attempt < size; attempt++ {
		idx := (start + attempt) % size
		client := c.clients[idx]
		resp, err := client.Models.GenerateContent(ctx, c.modelName, []*genai.Content{content}, cfg)
		if err == nil {
			c.rotator.Advance()
			return textOfResponse(resp), nil
		}
		lastErr = err
		if !providers.IsQuotaExceeded(err) {
			c.rotator.Advance()
			return "", fmt.Errorf("prefilter: lite model send failed: %w", err)
		}
		slog.Warn("prefilter: lite model quota exceeded, rotating key", "key_index", idx, "attempt", attempt)
		if attempt < size-1 {
			if sleepErr := providers.SleepBackoff(ctx); sleepErr != nil {
				return "", sleepErr
			}
		}
	}
	c.rotator.Advance()
	return "", fmt.Errorf("prefilter: quota exceeded on all %d keys: %w", size, lastErr)
}

func textOfResponse(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
