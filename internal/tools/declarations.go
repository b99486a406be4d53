package tools

import (
	"encoding/json"
	"fmt"
	"os"
)

// ToolDeclaration is the model-facing tool schema loaded from JSON at
// startup (spec §6), kept deliberately separate from HandlerMetadata:
// HandlerMetadata is dispatch bookkeeping (names, required set); a
// ToolDeclaration is the typed schema a provider driver shows the model.
// Only simple-typed parameters are supported — anything else is expected to
// already be coerced to "string" by whoever authored the declarations file.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema is the "parameters" object of a ToolDeclaration.
type ParameterSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// PropertySchema describes one declared parameter.
type PropertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// LoadDeclarations reads a tool declaration list from path.
func LoadDeclarations(path string) ([]ToolDeclaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool declarations %s: %w", path, err)
	}
	var decls []ToolDeclaration
	if err := json.Unmarshal(data, &decls); err != nil {
		return nil, fmt.Errorf("parse tool declarations %s: %w", path, err)
	}
	return decls, nil
}

// FilterForCaller drops declarations for tools the registry hides from this
// caller (AdminOnly gating, SPEC_FULL.md §10), so a non-admin caller never
// even sees run_shell_command offered as a choice.
func FilterForCaller(decls []ToolDeclaration, r *Registry, callerIsAdmin bool) []ToolDeclaration {
	visible := make(map[string]bool, len(decls))
	for _, h := range r.Declarations(callerIsAdmin) {
		visible[h.Name] = true
	}
	out := make([]ToolDeclaration, 0, len(decls))
	for _, d := range decls {
		if visible[d.Name] {
			out = append(out, d)
		}
	}
	return out
}
