package policy

import "context"

// PolicyEngine decides whether a message may be dispatched.
type PolicyEngine interface {
	Evaluate(ctx context.Context, evalCtx EvaluationContext) (Decision, error)
}
