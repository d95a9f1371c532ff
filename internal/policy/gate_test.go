package policy

import (
	"strings"
	"testing"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
)

func conf(v float64) *float64 { return &v }

func newGate(t *testing.T, minConfidence float64, maxInferred int, rules []string) *Gate {
	t.Helper()
	g, err := NewGate(minConfidence, maxInferred, rules)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func TestGateCeilings(t *testing.T) {
	g := newGate(t, 0.75, 2, nil)

	cases := []struct {
		name string
		in   Input
		code apperr.Code
	}{
		{"allow", Input{Confidence: conf(0.9), InferredFields: 2}, ""},
		{"missing confidence skips rule", Input{InferredFields: 0}, ""},
		{"boundary confidence allowed", Input{Confidence: conf(0.75)}, ""},
		{"low confidence", Input{Confidence: conf(0.6)}, apperr.CodeLowConfidence},
		{"too many inferences", Input{Confidence: conf(0.95), InferredFields: 3}, apperr.CodeTooManyInferences},
		{"confidence checked first", Input{Confidence: conf(0.1), InferredFields: 9}, apperr.CodeLowConfidence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := g.Check(tc.in)
			if tc.code == "" {
				if !d.Allow || d.Err() != nil {
					t.Fatalf("expected allow, got %+v", d)
				}
				return
			}
			if d.Allow || d.Code != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, d)
			}
			if got := apperr.CodeOf(d.Err()); got != tc.code {
				t.Fatalf("error code = %s", got)
			}
		})
	}
}

func TestGateOperatorRules(t *testing.T) {
	g := newGate(t, 0.75, 2, []string{
		`intent_type != "update_task" || inferred_fields == 0`,
		`!("priority" in fields) || fields.priority in ["low", "medium", "high"]`,
	})

	if d := g.Check(Input{IntentType: "create_task", InferredFields: 1, Fields: map[string]any{"title": "x"}}); !d.Allow {
		t.Fatalf("create_task should pass, got %+v", d)
	}

	d := g.Check(Input{IntentType: "update_task", InferredFields: 1})
	if d.Allow || d.Code != apperr.CodeRuleViolation || !strings.Contains(d.Rule, "update_task") {
		t.Fatalf("expected the update rule to fire, got %+v", d)
	}

	d = g.Check(Input{IntentType: "create_task", Fields: map[string]any{"priority": "urgent"}})
	if d.Allow {
		t.Fatalf("urgent priority should be refused")
	}
	e, ok := apperr.As(d.Err())
	if !ok {
		t.Fatalf("expected an apperr, got %v", d.Err())
	}
	if e.Details["rule"] != d.Rule {
		t.Fatalf("details rule = %v, want %q", e.Details["rule"], d.Rule)
	}
}

func TestGateRuleEvaluationErrorFailsClosed(t *testing.T) {
	g := newGate(t, 0, 10, []string{`fields.missing == "x"`})
	if d := g.Check(Input{Fields: map[string]any{}}); d.Allow || d.Code != apperr.CodeRuleViolation {
		t.Fatalf("expected a rule violation, got %+v", d)
	}
}

func TestNewGateRejectsBadRules(t *testing.T) {
	for _, rule := range []string{`confidence >`, `unknown_var == 1`} {
		if _, err := NewGate(0.75, 2, []string{rule}); err == nil {
			t.Fatalf("rule %q should not compile", rule)
		}
	}
}
