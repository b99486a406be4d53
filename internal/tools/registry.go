// Package tools implements the Tool Registry & Dispatcher (spec §4.3): an
// explicit, reflection-free mapping from tool name to handler metadata, and
// the dispatch contract that injects caller context, validates arguments,
// and normalizes results for the model.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// HandlerFunc is the uniform signature every tool handler satisfies. The
// sync/async distinction the source language needed (spec §9) collapses to
// nothing observable here: the dispatcher always submits invocations to a
// worker pool, so a handler that blocks never stalls the caller.
type HandlerFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// ParamSpec describes one declared handler parameter.
type ParamSpec struct {
	Name     string
	Required bool
}

// HandlerMetadata is everything the dispatcher needs to know about a
// registered tool short of actually calling it.
type HandlerMetadata struct {
	Name        string
	Description string
	Params      []ParamSpec
	Func        HandlerFunc
	// AdminOnly hides the tool's declaration from the model unless the
	// caller's user id is in the configured admin set (SPEC_FULL.md §10,
	// additive to spec §4.3 — the dispatch contract itself is unaffected).
	AdminOnly bool
}

func (h HandlerMetadata) paramNames() map[string]bool {
	out := make(map[string]bool, len(h.Params))
	for _, p := range h.Params {
		out[p.Name] = true
	}
	return out
}

func (h HandlerMetadata) hasParam(name string) bool {
	for _, p := range h.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (h HandlerMetadata) requiredMissing(args map[string]any) []string {
	var missing []string
	for _, p := range h.Params {
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// blocklist excludes names that must never be directly callable by a model,
// mirroring the source's leading-underscore-and-explicit-blocklist exclusion
// rule (spec §4.3), generalized since Go has no naming convention to lean on.
var blocklist = map[string]bool{}

// Registry is the fixed, immutable-after-startup map of callable tools.
// There is no reflection here by design (spec §9): every tool is registered
// explicitly through MustRegister at startup.
type Registry struct {
	handlers map[string]HandlerMetadata
}

// NewRegistry returns an empty registry ready for MustRegister calls.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerMetadata)}
}

// MustRegister adds a handler. A duplicate name overwrites the previous
// registration with a warning, matching the source's duplicate-name
// tolerance. Names on the blocklist are rejected outright.
func (r *Registry) MustRegister(h HandlerMetadata) {
	if h.Name == "" {
		panic("tools: handler registered with empty name")
	}
	if blocklist[h.Name] {
		panic(fmt.Sprintf("tools: %q is blocklisted and cannot be registered", h.Name))
	}
	if h.Func == nil {
		panic(fmt.Sprintf("tools: %q registered with nil handler func", h.Name))
	}
	if _, exists := r.handlers[h.Name]; exists {
		slog.Warn("overwriting duplicate tool registration", "name", h.Name)
	}
	r.handlers[h.Name] = h
}

// Get looks up a handler by name.
func (r *Registry) Get(name string) (HandlerMetadata, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// List returns registered tool names, sorted for deterministic iteration
// (e.g. when building tool declarations for the model).
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the HandlerMetadata for every registered tool visible
// to a caller, honoring AdminOnly gating (SPEC_FULL.md §10).
func (r *Registry) Declarations(callerIsAdmin bool) []HandlerMetadata {
	out := make([]HandlerMetadata, 0, len(r.handlers))
	for _, name := range r.List() {
		h := r.handlers[name]
		if h.AdminOnly && !callerIsAdmin {
			continue
		}
		out = append(out, h)
	}
	return out
}
