package policy

import (
	"sort"
)

// Expander resolves group references against the registered tool catalog.
// The tool registry satisfies this.
type Expander interface {
	Expand(items []string) []string
	Names() []string
}

// Decision explains the outcome for one tool.
type Decision struct {
	Tool      string `json:"tool"`
	Allowed   bool   `json:"allowed"`
	DeniedBy  string `json:"denied_by,omitempty"`
	AllowedBy string `json:"allowed_by,omitempty"`
}

var layerNames = []string{
	"provider_profile",
	"global",
	"global_provider",
	"agent",
	"agent_provider",
	"channel",
	"sandbox",
	"subagent",
}

// Compute folds every layer over the profile base set and returns the
// effective tool names, sorted. A tool denied at any layer stays denied even
// if a later layer allows it. Unregistered names never survive the final
// intersection, so the result is always executable.
func Compute(ctx FilterContext, reg Expander) []string {
	tools, _ := ComputeWithTrace(ctx, reg)
	return tools
}

// ComputeWithTrace is Compute plus a per-tool decision trace for audit
// logging.
func ComputeWithTrace(ctx FilterContext, reg Expander) ([]string, []Decision) {
	profile := ctx.Profile
	if profile == "" {
		profile = ProfileMinimal
	}

	working := make(map[string]string)
	denied := make(map[string]string)

	reset := func(p Profile, source string) {
		for name := range working {
			delete(working, name)
		}
		base, ok := ProfileBases[p]
		if !ok {
			base = ProfileBases[ProfileMinimal]
		}
		for _, name := range reg.Expand(base) {
			working[name] = source
		}
	}

	reset(profile, "profile:"+string(profile))

	for i, rule := range ctx.Layers() {
		if rule.IsZero() {
			continue
		}
		layer := layerNames[i]
		if rule.Profile != nil {
			reset(*rule.Profile, layer)
		}
		for _, name := range reg.Expand(rule.Allow) {
			if _, ok := working[name]; !ok {
				working[name] = layer
			}
		}
		for _, name := range reg.Expand(rule.Deny) {
			if _, ok := denied[name]; !ok {
				denied[name] = layer
			}
		}
	}

	registered := make(map[string]bool)
	for _, name := range reg.Names() {
		registered[name] = true
	}

	var tools []string
	var trace []Decision
	for name, source := range working {
		if !registered[name] {
			continue
		}
		if layer, blocked := denied[name]; blocked {
			trace = append(trace, Decision{Tool: name, Allowed: false, DeniedBy: layer})
			continue
		}
		tools = append(tools, name)
		trace = append(trace, Decision{Tool: name, Allowed: true, AllowedBy: source})
	}
	sort.Strings(tools)
	sort.Slice(trace, func(i, j int) bool { return trace[i].Tool < trace[j].Tool })
	return tools, trace
}

// Allows reports whether a single tool survives the full layer stack.
func Allows(ctx FilterContext, reg Expander, tool string) bool {
	for _, name := range Compute(ctx, reg) {
		if name == tool {
			return true
		}
	}
	return false
}
