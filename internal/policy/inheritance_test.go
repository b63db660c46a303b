package policy

import (
	"reflect"
	"testing"

	"github.com/latticehq/lattice/pkg/models"
)

func TestRoleGraphExpand(t *testing.T) {
	g := NewRoleGraph()
	if err := g.AddRole("admin", "operator"); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	if err := g.AddRole("operator", "viewer"); err != nil {
		t.Fatalf("add operator: %v", err)
	}
	got := g.Expand("admin")
	want := []string{"admin", "operator", "viewer"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expand(admin) = %v, want %v", got, want)
	}
	if got := g.Expand("viewer"); !reflect.DeepEqual(got, []string{"viewer"}) {
		t.Fatalf("Expand(viewer) = %v", got)
	}
}

func TestRoleGraphDiamond(t *testing.T) {
	g := NewRoleGraph()
	// admin -> {ops, dev} -> base
	if err := g.AddRole("ops", "base"); err != nil {
		t.Fatalf("add ops: %v", err)
	}
	if err := g.AddRole("dev", "base"); err != nil {
		t.Fatalf("add dev: %v", err)
	}
	if err := g.AddRole("admin", "ops", "dev"); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	got := g.Expand("admin")
	want := []string{"admin", "base", "dev", "ops"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("diamond Expand = %v, want %v", got, want)
	}
}

func TestRoleGraphRejectsCycles(t *testing.T) {
	g := NewRoleGraph()
	if err := g.AddRole("a", "b"); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := g.AddRole("b", "c"); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := g.AddRole("c", "a"); err == nil {
		t.Fatal("expected cycle rejection")
	}
	if err := g.AddRole("a", "a"); err == nil {
		t.Fatal("expected self-inheritance rejection")
	}
	// Graph unchanged after the rejected edge.
	if got := g.Expand("c"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("Expand(c) = %v after rejected edge", got)
	}
}

func TestInheritedDenyOverrides(t *testing.T) {
	g := NewRoleGraph()
	if err := g.AddRole("intern", "staff"); err != nil {
		t.Fatalf("add intern: %v", err)
	}
	s := newTestStore(t,
		models.Policy{
			Name:       "staff-allow",
			Effect:     models.EffectAllow,
			Principals: []string{"role:staff"},
			Resources:  []string{"*"},
			Actions:    []string{"*"},
		},
		models.Policy{
			Name:       "intern-deny-exec",
			Effect:     models.EffectDeny,
			Principals: []string{"role:intern"},
			Resources:  []string{"*"},
			Actions:    []string{"exec"},
		},
	)
	e := NewEngine(s, 0, 0, nil, WithRoles(g))

	// The intern inherits the staff allow but keeps the direct deny.
	if !e.Evaluate(Request{Principal: "u", Roles: []string{"intern"}, Resource: "r", Action: "read"}).Allowed {
		t.Fatal("inherited allow should apply")
	}
	if e.Evaluate(Request{Principal: "u", Roles: []string{"intern"}, Resource: "r", Action: "exec"}).Allowed {
		t.Fatal("direct deny must override the inherited allow")
	}
}

func TestResolveUnionsAncestorSets(t *testing.T) {
	g := NewRoleGraph()
	// admin -> {ops, dev} -> base
	if err := g.AddRole("ops", "base"); err != nil {
		t.Fatalf("add ops: %v", err)
	}
	if err := g.AddRole("dev", "base"); err != nil {
		t.Fatalf("add dev: %v", err)
	}
	if err := g.AddRole("admin", "ops", "dev"); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	g.Grant("base", "session:read")
	g.Grant("ops", "tool:exec")
	g.Grant("dev", "tool:read_file")
	g.Deny("base", "tool:exec")

	res := g.Resolve("admin")
	wantGranted := []string{"session:read", "tool:read_file"}
	if !reflect.DeepEqual(res.Granted, wantGranted) {
		t.Fatalf("Granted = %v, want %v", res.Granted, wantGranted)
	}
	if !reflect.DeepEqual(res.Denied, []string{"tool:exec"}) {
		t.Fatalf("Denied = %v", res.Denied)
	}
	if g.Allows("admin", "tool:exec") {
		t.Fatal("ancestor deny must survive a closer grant")
	}
	if !g.Allows("admin", "session:read") {
		t.Fatal("inherited grant should hold")
	}
}

func TestResolveDenyWildcardPrunesGrants(t *testing.T) {
	g := NewRoleGraph()
	if err := g.AddRole("intern", "staff"); err != nil {
		t.Fatalf("add intern: %v", err)
	}
	g.Grant("intern", "tool:exec", "session:read")
	g.Deny("staff", "tool:*")

	res := g.Resolve("intern")
	if !reflect.DeepEqual(res.Granted, []string{"session:read"}) {
		t.Fatalf("Granted = %v", res.Granted)
	}
	if role, pattern, denied := g.DeniedFor([]string{"intern"}, "tool:exec"); !denied || role != "staff" || pattern != "tool:*" {
		t.Fatalf("DeniedFor = (%q, %q, %v)", role, pattern, denied)
	}
}

func TestAncestorDenyBeatsHigherPriorityAllow(t *testing.T) {
	g := NewRoleGraph()
	if err := g.AddRole("intern", "staff"); err != nil {
		t.Fatalf("add intern: %v", err)
	}
	s := newTestStore(t,
		models.Policy{
			Name:       "deny-staff-exec",
			Effect:     models.EffectDeny,
			Principals: []string{"role:staff"},
			Resources:  []string{"tool:exec"},
			Actions:    []string{"*"},
			Priority:   10,
		},
		models.Policy{
			Name:       "allow-intern",
			Effect:     models.EffectAllow,
			Principals: []string{"role:intern"},
			Resources:  []string{"tool:exec"},
			Actions:    []string{"*"},
			Priority:   100,
		},
	)
	e := NewEngine(s, 0, 0, nil, WithRoles(g))

	dec := e.Evaluate(Request{Principal: "u", Roles: []string{"intern"}, Resource: "tool:exec", Action: "execute"})
	if dec.Allowed {
		t.Fatalf("deny at the ancestor role was overridden: %+v", dec)
	}
	// Staff itself sees its own deny through the normal priority order.
	dec = e.Evaluate(Request{Principal: "u", Roles: []string{"staff"}, Resource: "tool:exec", Action: "execute"})
	if dec.Allowed {
		t.Fatalf("staff deny ignored: %+v", dec)
	}
}

func TestNodeDenyShortCircuitsEngine(t *testing.T) {
	g := NewRoleGraph()
	if err := g.AddRole("intern", "staff"); err != nil {
		t.Fatalf("add intern: %v", err)
	}
	g.Deny("staff", "tool:exec")
	s := newTestStore(t,
		models.Policy{
			Name:       "allow-everything",
			Effect:     models.EffectAllow,
			Principals: []string{"*"},
			Resources:  []string{"*"},
			Actions:    []string{"*"},
			Priority:   1000,
		},
	)
	e := NewEngine(s, 0, 0, nil, WithRoles(g))

	if dec := e.Evaluate(Request{Principal: "u", Roles: []string{"intern"}, Resource: "tool:exec", Action: "execute"}); dec.Allowed {
		t.Fatalf("node-level ancestor deny ignored: %+v", dec)
	}
	if dec := e.Evaluate(Request{Principal: "u", Roles: []string{"intern"}, Resource: "tool:read_file", Action: "execute"}); !dec.Allowed {
		t.Fatalf("unrelated permission should pass: %+v", dec)
	}
}
