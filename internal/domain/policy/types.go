// Package policy contains domain types for send policy evaluation.
package policy

// Action represents the result of a policy rule evaluation.
type Action string

const (
	// ActionAllow lets the message through.
	ActionAllow Action = "allow"
	// ActionDeny rejects the message before it reaches the gateway or the PBX.
	ActionDeny Action = "deny"
)

// Rule is a single policy rule. Rules are evaluated in priority order
// (higher first) and the first rule whose condition holds decides.
type Rule struct {
	// Name identifies the rule in logs and rejection messages.
	Name string
	// Priority determines evaluation order (higher = earlier).
	Priority int
	// Condition is a CEL expression. Empty means "true".
	Condition string
	// Action is applied when Condition evaluates to true.
	Action Action
}

// Decision represents the outcome of policy evaluation for a message.
type Decision struct {
	// Allowed is true if the message may be dispatched.
	Allowed bool
	// RuleName is the rule that produced this decision, empty for the default.
	RuleName string
	// Reason explains why the decision was made.
	Reason string
}
