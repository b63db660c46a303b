package models

import "time"

// Effect is the outcome a policy produces when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// CompareOp is an attribute comparison operator in policy conditions.
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpNe       CompareOp = "ne"
	OpIn       CompareOp = "in"
	OpNotIn    CompareOp = "not_in"
	OpGt       CompareOp = "gt"
	OpLt       CompareOp = "lt"
	OpGte      CompareOp = "gte"
	OpLte      CompareOp = "lte"
	OpContains CompareOp = "contains"
)

// AttributeCondition compares a context attribute against a value.
type AttributeCondition struct {
	Key   string    `json:"key"`
	Op    CompareOp `json:"op"`
	Value any       `json:"value"`
}

// PolicyConditions are AND-combined constraints on a policy. Zero-valued
// fields impose no constraint.
type PolicyConditions struct {
	// Weekdays restricts matching to the named days (Mon..Sun, lowercase).
	Weekdays []string `json:"weekdays,omitempty"`
	// StartTime/EndTime bound the local time of day, "HH:MM".
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	// IPs lists exact IPs or CIDR blocks; any match passes.
	IPs []string `json:"ips,omitempty"`
	// Attributes are compared against the evaluation context environment.
	Attributes []AttributeCondition `json:"attributes,omitempty"`
}

// Policy is an attribute-based access rule. Principals, resources, and
// actions are glob patterns; larger priority evaluates earlier.
type Policy struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Effect      Effect            `json:"effect"`
	Principals  []string          `json:"principals"`
	Resources   []string          `json:"resources"`
	Actions     []string          `json:"actions"`
	Priority    int               `json:"priority"`
	Conditions  *PolicyConditions `json:"conditions,omitempty"`
	TenantScope string            `json:"tenant_scope,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
