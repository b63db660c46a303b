package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RoleGraph is a directed acyclic graph of role inheritance. Each node may
// carry granted and denied permission patterns; Resolve unions both sets
// along every ancestor path and denies override grants. The engine also
// expands a request's roles to their ancestor closure so that policies
// naming an ancestor apply to the descendant, and a deny carried anywhere
// in that closure is final.
type RoleGraph struct {
	mu    sync.RWMutex
	nodes map[string]*roleNode
}

type roleNode struct {
	parents []string
	granted []string
	denied  []string
}

// Resolution is the effective permission view of one role: the union of
// grants along every ancestor path, minus anything a deny matches, plus
// the union of denies.
type Resolution struct {
	Granted []string
	Denied  []string
}

// NewRoleGraph creates an empty graph.
func NewRoleGraph() *RoleGraph {
	return &RoleGraph{nodes: make(map[string]*roleNode)}
}

func (g *RoleGraph) nodeLocked(role string) *roleNode {
	n, ok := g.nodes[role]
	if !ok {
		n = &roleNode{}
		g.nodes[role] = n
	}
	return n
}

// AddRole declares a role and its parents. Adding an edge that would close a
// cycle fails and leaves the graph unchanged.
func (g *RoleGraph) AddRole(role string, parents ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, parent := range parents {
		if parent == role {
			return fmt.Errorf("role %s cannot inherit itself", role)
		}
		if g.reachableLocked(parent, role) {
			return fmt.Errorf("role cycle: %s -> %s", role, parent)
		}
	}
	n := g.nodeLocked(role)
	n.parents = appendUnique(n.parents, parents)
	return nil
}

// Grant attaches granted permission patterns to a role. Patterns use the
// same trailing-"*" wildcard as policy resources.
func (g *RoleGraph) Grant(role string, perms ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodeLocked(role)
	n.granted = appendUnique(n.granted, perms)
}

// Deny attaches denied permission patterns to a role. A deny anywhere in a
// role's ancestor closure beats every grant.
func (g *RoleGraph) Deny(role string, perms ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodeLocked(role)
	n.denied = appendUnique(n.denied, perms)
}

// reachableLocked reports whether target is reachable from start following
// parent edges.
func (g *RoleGraph) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := g.nodes[current]
		if !ok {
			continue
		}
		for _, parent := range node.parents {
			if parent == target {
				return true
			}
			if !seen[parent] {
				seen[parent] = true
				stack = append(stack, parent)
			}
		}
	}
	return false
}

// Expand returns the role plus all its ancestors, deduplicated and sorted.
// Diamond-shaped graphs contribute each ancestor once.
func (g *RoleGraph) Expand(role string) []string {
	return g.ExpandAll([]string{role})
}

// ExpandAll expands a set of roles to their combined ancestor closure.
func (g *RoleGraph) ExpandAll(roles []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closureLocked(roles)
}

func (g *RoleGraph) closureLocked(roles []string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), roles...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == "" || seen[current] {
			continue
		}
		seen[current] = true
		if node, ok := g.nodes[current]; ok {
			stack = append(stack, node.parents...)
		}
	}
	out := make([]string, 0, len(seen))
	for role := range seen {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Resolve unions the granted and denied sets along every ancestor path of
// the role. Grants matched by any denied pattern are dropped.
func (g *RoleGraph) Resolve(role string) Resolution {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var granted, denied []string
	for _, r := range g.closureLocked([]string{role}) {
		node, ok := g.nodes[r]
		if !ok {
			continue
		}
		granted = appendUnique(granted, node.granted)
		denied = appendUnique(denied, node.denied)
	}
	kept := make([]string, 0, len(granted))
	for _, grant := range granted {
		if !permMatchesAny(denied, grant) {
			kept = append(kept, grant)
		}
	}
	sort.Strings(kept)
	sort.Strings(denied)
	return Resolution{Granted: kept, Denied: denied}
}

// Allows reports whether the resolved view of role grants the permission.
func (g *RoleGraph) Allows(role, perm string) bool {
	res := g.Resolve(role)
	if permMatchesAny(res.Denied, perm) {
		return false
	}
	return permMatchesAny(res.Granted, perm)
}

// DeniedFor reports whether any role in the ancestor closure of roles
// carries a deny matching the permission, and names the role and pattern.
func (g *RoleGraph) DeniedFor(roles []string, perm string) (role, pattern string, denied bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.closureLocked(roles) {
		node, ok := g.nodes[r]
		if !ok {
			continue
		}
		for _, p := range node.denied {
			if permMatch(p, perm) {
				return r, p, true
			}
		}
	}
	return "", "", false
}

func appendUnique(have, more []string) []string {
	for _, entry := range more {
		dup := false
		for _, existing := range have {
			if existing == entry {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, entry)
		}
	}
	return have
}

func permMatch(pattern, perm string) bool {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "":
		return false
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(perm, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == perm
	}
}

func permMatchesAny(patterns []string, perm string) bool {
	for _, pattern := range patterns {
		if permMatch(pattern, perm) {
			return true
		}
	}
	return false
}
