// Package tools provides the tool descriptor catalog. Descriptors are
// registered at startup and immutable thereafter.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SideEffect classifies what a tool touches.
type SideEffect string

const (
	EffectRead    SideEffect = "read"
	EffectWrite   SideEffect = "write"
	EffectExec    SideEffect = "exec"
	EffectNetwork SideEffect = "network"
	EffectSend    SideEffect = "send"
)

// Result is the output of a tool handler.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Handler executes a tool call.
type Handler func(ctx context.Context, input json.RawMessage) (*Result, error)

// Descriptor is the static metadata and handler for one tool.
type Descriptor struct {
	Name            string
	Description     string
	Groups          []string
	InputSchema     json.RawMessage
	SideEffects     []SideEffect
	RequiresSandbox bool
	Timeout         time.Duration
	Handler         Handler

	schema *jsonschema.Schema
}

// ValidateInput checks a call's input against the descriptor schema.
func (d *Descriptor) ValidateInput(input json.RawMessage) error {
	if d.schema == nil || len(input) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("tool %s: invalid input json: %w", d.Name, err)
	}
	if err := d.schema.Validate(value); err != nil {
		return fmt.Errorf("tool %s: %w", d.Name, err)
	}
	return nil
}

// Registry is the process-wide tool catalog.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]*Descriptor
	groups map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "tools"),
		byName: make(map[string]*Descriptor),
		groups: make(map[string][]string),
	}
}

// Register adds a descriptor. Duplicate names fail. The input schema is
// compiled at registration so bad schemas surface at startup.
func (r *Registry) Register(desc Descriptor) error {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}
	if len(desc.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(desc.InputSchema)); err != nil {
			return fmt.Errorf("tool %s: schema: %w", name, err)
		}
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: schema: %w", name, err)
		}
		desc.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("tool %s: already registered", name)
	}
	desc.Name = name
	r.byName[name] = &desc
	for _, group := range desc.Groups {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		r.groups[group] = append(r.groups[group], name)
	}
	return nil
}

// Lookup returns the descriptor for a tool name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byName[name]
	return desc, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DescribeAll returns all descriptors, sorted by name.
func (r *Registry) DescribeAll() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.byName))
	for _, desc := range r.byName {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Expand resolves a mixed list of tool names and "group:<tag>" entries into
// the union of tool names. Unknown tool names are dropped silently; unknown
// groups are logged.
func (r *Registry) Expand(items []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if tag, ok := strings.CutPrefix(item, "group:"); ok {
			members, exists := r.groups[tag]
			if !exists {
				r.logger.Warn("unknown tool group", "group", tag)
				continue
			}
			for _, name := range members {
				add(name)
			}
			continue
		}
		if item == "*" {
			for name := range r.byName {
				add(name)
			}
			continue
		}
		if _, exists := r.byName[item]; exists {
			add(item)
		}
	}
	sort.Strings(out)
	return out
}
