// Package pipeline turns an intent packet into a plan, a clarification
// request, or a rejection. A paused run is captured in a Draft and resumed
// from the pending step once the question is answered.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/canonical"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/plan"
	"github.com/matthewcove-stack/intent-normaliser/internal/policy"
	"github.com/matthewcove-stack/intent-normaliser/internal/resolve"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	// Status is ready, needs_clarification or rejected.
	Status     domain.IntentStatus
	IntentType domain.IntentType
	Plan       []domain.ActionPacket
	Resolution *domain.Resolution
	// Clarification is set when Status is needs_clarification.
	Clarification *Pending
	Error         *apperr.Error
	// Draft is nil only when the packet failed before classification.
	Draft *Draft
	// Final is the fully resolved field set of a ready run.
	Final map[string]any
}

type entityRef struct {
	Field  string
	Target string
	Type   resolve.EntityType
	Reason apperr.Code
	Noun   string
}

// entityRefs is evaluated in this order.
var entityRefs = []entityRef{
	{Field: "project", Target: "project_id", Type: resolve.EntityProject, Reason: apperr.CodeNeedsProject, Noun: "project"},
	{Field: "assignee", Target: "assignee_id", Type: resolve.EntityPerson, Reason: apperr.CodeNeedsAssignee, Noun: "assignee"},
}

// Pipeline holds the resolvers and gate shared by every run.
type Pipeline struct {
	Schema   *Schema
	Entities resolve.EntityResolver
	Temporal resolve.TemporalResolver
	Gate     *policy.Gate
	// Defaults are keyed by intent type, then field.
	Defaults map[string]map[string]any
	Now      func() time.Time
	Logger   *zap.Logger
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// Start runs a fresh packet through every step. The error is non-nil only
// when ctx ends while a lookup is in flight; nothing is decided then.
func (p *Pipeline) Start(ctx context.Context, raw []byte) (Outcome, error) {
	if p.Schema != nil {
		if err := p.Schema.Validate(raw); err != nil {
			e, _ := apperr.As(err)
			return rejected(nil, "", e), nil
		}
	}
	var pkt domain.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return rejected(nil, "", apperr.Wrap(apperr.CodeValidation, "packet is not valid JSON", err)), nil
	}
	if pkt.Kind != "intent" {
		return rejected(nil, "", apperr.Validation("kind", `kind must be "intent"`)), nil
	}

	intentType, ok := domain.ParseIntentType(strings.TrimSpace(pkt.IntentType))
	if !ok {
		return rejected(nil, "", apperr.Validation("intent_type", fmt.Sprintf("unknown intent_type %q", pkt.IntentType))), nil
	}
	d := newDraft(intentType, pkt.Fields, pkt.Confidence)
	d.complete(StepValidate)
	switch intentType {
	case domain.IntentUpsertTask, domain.IntentQuery:
		return rejected(d, intentType, apperr.WithDetails(apperr.CodeNotImplemented,
			fmt.Sprintf("intent_type %s is not implemented", intentType),
			map[string]any{"intent_type": string(intentType)})), nil
	}
	d.complete(StepClassify)
	return p.run(ctx, d)
}

// Resume applies answer to the pending step of d and continues the run.
// The error is non-nil when the draft has nothing pending, the answer does
// not fit the question, or ctx ends during a lookup.
func (p *Pipeline) Resume(ctx context.Context, d *Draft, answer Answer) (Outcome, error) {
	if d == nil || d.Pending == nil {
		return Outcome{}, apperr.New(apperr.CodeInvalidState, "intent has no pending clarification")
	}
	value, err := ValidateAnswer(d.Pending, answer)
	if err != nil {
		return Outcome{}, err
	}
	pending := d.Pending
	d.Pending = nil
	switch pending.Step {
	case StepDue:
		d.Resolved["due"] = value
		d.complete(StepDue)
	case StepEntities:
		ref, ok := refFor(pending.Field)
		if !ok {
			return Outcome{}, apperr.New(apperr.CodeInvalidState, fmt.Sprintf("unknown pending field %q", pending.Field))
		}
		if pending.ExpectedAnswerType == domain.AnswerChoice {
			d.Resolved[ref.Target] = value
			d.Entities = append(d.Entities, domain.Inference{
				Field:         ref.Target,
				InferredFrom:  pending.Selector,
				Strategy:      "clarification_choice",
				ResolvedValue: value,
			})
		} else {
			// A typed name replaces the reference and is looked up again;
			// it stands as given unless the lookup offers a choice.
			d.Fields[ref.Field] = value
			if !d.typed(ref.Field) {
				d.Typed = append(d.Typed, ref.Field)
			}
		}
	default:
		return Outcome{}, apperr.New(apperr.CodeInvalidState, fmt.Sprintf("cannot resume step %q", pending.Step))
	}
	p.logger().Debug("pipeline resumed",
		zap.String("step", pending.Step),
		zap.String("field", pending.Field))
	return p.run(ctx, d)
}

func (p *Pipeline) run(ctx context.Context, d *Draft) (Outcome, error) {
	if !d.done(StepDefaults) {
		p.applyDefaults(d)
		for _, field := range plan.RequiredFields(d.IntentType) {
			if !present(d.Fields, field) {
				return rejected(d, d.IntentType, apperr.Validation(field, fmt.Sprintf("%s is required for %s", field, d.IntentType))), nil
			}
		}
		d.complete(StepDefaults)
	}

	if !d.done(StepDue) {
		if pending := p.resolveDue(d); pending != nil {
			return suspended(d, pending), nil
		}
		d.complete(StepDue)
	}

	if !d.done(StepEntities) {
		pending, err := p.resolveEntities(ctx, d)
		if err != nil {
			if e, ok := apperr.As(err); ok {
				return rejected(d, d.IntentType, e), nil
			}
			return Outcome{}, err
		}
		if pending != nil {
			return suspended(d, pending), nil
		}
		d.complete(StepEntities)
	}

	final := d.Final()
	if p.Gate != nil {
		decision := p.Gate.Check(policy.Input{
			Confidence:     d.Confidence,
			InferredFields: len(d.Inferences),
			IntentType:     string(d.IntentType),
			Fields:         final,
		})
		if !decision.Allow {
			e, _ := apperr.As(decision.Err())
			return rejected(d, d.IntentType, e), nil
		}
	}
	d.complete(StepPolicy)

	packets, err := plan.Build(d.IntentType, final)
	if err != nil {
		e, ok := apperr.As(err)
		if !ok {
			e = apperr.Wrap(apperr.CodeInternal, "build plan", err)
		}
		return rejected(d, d.IntentType, e), nil
	}
	d.complete(StepBuild)
	return Outcome{
		Status:     domain.IntentReady,
		IntentType: d.IntentType,
		Plan:       packets,
		Resolution: &domain.Resolution{DefaultsApplied: d.DefaultsApplied, Inferences: d.Inferences, Entities: d.Entities},
		Draft:      d,
		Final:      final,
	}, nil
}

func (p *Pipeline) applyDefaults(d *Draft) {
	defaults := p.Defaults[string(d.IntentType)]
	for _, field := range canonical.SortedKeys(defaults) {
		if present(d.Fields, field) {
			continue
		}
		d.Fields[field] = defaults[field]
		d.DefaultsApplied = append(d.DefaultsApplied, domain.DefaultApplied{
			Field:  field,
			Value:  defaults[field],
			Source: "config.defaults." + string(d.IntentType),
		})
	}
}

func (p *Pipeline) resolveDue(d *Draft) *Pending {
	if _, ok := d.Resolved["due"]; ok {
		return nil
	}
	expr, ok := d.Fields["due"]
	if !ok || expr == nil {
		return nil
	}
	out := p.Temporal.ResolveDue("due", expr, p.now())
	if !out.Resolved {
		return &Pending{
			Step:               StepDue,
			Field:              "due",
			Selector:           fmt.Sprint(expr),
			Question:           "What is the due date?",
			ExpectedAnswerType: domain.AnswerDate,
			Reason:             apperr.CodeNeedsDue,
			Candidates:         []domain.Candidate{},
		}
	}
	d.Resolved["due"] = out.Value
	if out.Inference != nil {
		d.Inferences = append(d.Inferences, *out.Inference)
	}
	return nil
}

// resolveEntities looks up every outstanding reference concurrently, then
// walks the results in fixed order. Resolved references are kept even when a
// later one suspends the run. A typed answer that the lookup does not know
// resolves to itself. The only non-apperr error is ctx ending.
func (p *Pipeline) resolveEntities(ctx context.Context, d *Draft) (*Pending, error) {
	type job struct {
		ref       entityRef
		reference string
	}
	var jobs []job
	for _, ref := range entityRefs {
		if present(d.Fields, ref.Target) {
			continue
		}
		if _, ok := d.Resolved[ref.Target]; ok {
			continue
		}
		if _, ok := d.Resolved[ref.Field]; ok {
			continue
		}
		v, ok := d.Fields[ref.Field]
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return nil, apperr.Validation(ref.Field, fmt.Sprintf("%s must be a string", ref.Field))
		}
		if strings.TrimSpace(s) == "" {
			continue
		}
		jobs = append(jobs, job{ref: ref, reference: strings.TrimSpace(s)})
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	outcomes := make([]resolve.EntityOutcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		g.Go(func() error {
			outcomes[i] = p.Entities.Resolve(gctx, j.reference, j.ref.Type)
			// A cancelled caller must not turn into a "not found" question.
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve entities: %w", err)
	}

	var pending *Pending
	for i, j := range jobs {
		out := outcomes[i]
		switch {
		case out.Kind == resolve.KindResolved:
			d.Resolved[j.ref.Target] = out.ID
			d.Entities = append(d.Entities, domain.Inference{
				Field:         j.ref.Target,
				InferredFrom:  j.reference,
				Strategy:      "entity_lookup_" + string(j.ref.Type),
				ResolvedValue: out.ID,
			})
			continue
		case out.Kind == resolve.KindNotFound && d.typed(j.ref.Field):
			d.Resolved[j.ref.Field] = j.reference
			d.Entities = append(d.Entities, domain.Inference{
				Field:         j.ref.Field,
				InferredFrom:  j.reference,
				Strategy:      "typed_answer",
				ResolvedValue: j.reference,
			})
			continue
		}
		if pending != nil {
			continue
		}
		pending = entityQuestion(j.ref, j.reference, out)
	}
	return pending, nil
}

func entityQuestion(ref entityRef, reference string, out resolve.EntityOutcome) *Pending {
	if out.Kind == resolve.KindAmbiguous {
		return &Pending{
			Step:               StepEntities,
			Field:              ref.Field,
			Selector:           reference,
			Question:           fmt.Sprintf("Which %s matches '%s'?", ref.Noun, reference),
			ExpectedAnswerType: domain.AnswerChoice,
			Reason:             ref.Reason,
			Candidates:         out.Candidates,
		}
	}
	return &Pending{
		Step:               StepEntities,
		Field:              ref.Field,
		Selector:           reference,
		Question:           fmt.Sprintf("Provide the %s name for '%s'.", ref.Noun, reference),
		ExpectedAnswerType: domain.AnswerFreeText,
		Reason:             ref.Reason,
		Candidates:         []domain.Candidate{},
	}
}

func refFor(field string) (entityRef, bool) {
	for _, ref := range entityRefs {
		if ref.Field == field {
			return ref, true
		}
	}
	return entityRef{}, false
}

func suspended(d *Draft, pending *Pending) Outcome {
	d.Pending = pending
	return Outcome{
		Status:        domain.IntentNeedsClarification,
		IntentType:    d.IntentType,
		Clarification: pending,
		Draft:         d,
	}
}

func rejected(d *Draft, intentType domain.IntentType, err *apperr.Error) Outcome {
	if err == nil {
		err = apperr.New(apperr.CodeInternal, "rejected without a reason")
	}
	return Outcome{Status: domain.IntentRejected, IntentType: intentType, Error: err, Draft: d}
}

func present(fields map[string]any, field string) bool {
	v, ok := fields[field]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}
