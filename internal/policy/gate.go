// Package policy decides whether a fully resolved intent may be turned into
// a write plan.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
)

// Input is what the gate sees about a resolved intent.
type Input struct {
	// Confidence is nil when the packet did not carry one.
	Confidence     *float64
	InferredFields int
	IntentType     string
	Fields         map[string]any
}

// Decision is Allow, or a block with the rule that fired.
type Decision struct {
	Allow   bool
	Code    apperr.Code
	Message string
	// Rule is the operator expression that failed, if any.
	Rule string
}

// Err converts a blocking decision to an error.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	details := map[string]any{}
	if d.Rule != "" {
		details["rule"] = d.Rule
	}
	return apperr.WithDetails(d.Code, d.Message, details)
}

type rule struct {
	expr string
	prg  cel.Program
}

// Gate applies the confidence and inference ceilings, then the operator rules.
type Gate struct {
	MinConfidence float64
	MaxInferred   int
	rules         []rule
}

// NewGate compiles the operator rules. Each rule is a CEL expression over
// confidence, inferred_fields, intent_type and fields that must yield true.
func NewGate(minConfidence float64, maxInferred int, exprs []string) (*Gate, error) {
	g := &Gate{MinConfidence: minConfidence, MaxInferred: maxInferred}
	if len(exprs) == 0 {
		return g, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("has_confidence", cel.BoolType),
		cel.Variable("inferred_fields", cel.IntType),
		cel.Variable("intent_type", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	for i, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %d: compile: %w", i, issues.Err())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000), cel.InterruptCheckFrequency(100))
		if err != nil {
			return nil, fmt.Errorf("policy: rule %d: program: %w", i, err)
		}
		g.rules = append(g.rules, rule{expr: expr, prg: prg})
	}
	return g, nil
}

// Check evaluates the rules in order and stops at the first block.
func (g *Gate) Check(in Input) Decision {
	if in.Confidence != nil && *in.Confidence < g.MinConfidence {
		return Decision{
			Code:    apperr.CodeLowConfidence,
			Message: fmt.Sprintf("confidence %.2f is below the write threshold %.2f", *in.Confidence, g.MinConfidence),
		}
	}
	if in.InferredFields > g.MaxInferred {
		return Decision{
			Code:    apperr.CodeTooManyInferences,
			Message: fmt.Sprintf("%d inferred fields exceed the limit of %d", in.InferredFields, g.MaxInferred),
		}
	}
	if len(g.rules) == 0 {
		return Decision{Allow: true}
	}

	fields := in.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	confidence := 0.0
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	vars := map[string]any{
		"confidence":      confidence,
		"has_confidence":  in.Confidence != nil,
		"inferred_fields": int64(in.InferredFields),
		"intent_type":     in.IntentType,
		"fields":          fields,
	}
	for _, r := range g.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			// Evaluation errors fail closed.
			return Decision{Code: apperr.CodeRuleViolation, Message: fmt.Sprintf("policy rule error: %v", err), Rule: r.expr}
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return Decision{Code: apperr.CodeRuleViolation, Message: "policy rule rejected the intent", Rule: r.expr}
		}
	}
	return Decision{Allow: true}
}
