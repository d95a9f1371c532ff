package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/resolve"
)

// Pipeline steps, in execution order.
const (
	StepValidate = "validate"
	StepClassify = "classify"
	StepDefaults = "defaults"
	StepDue      = "due"
	StepEntities = "entities"
	StepPolicy   = "policy"
	StepBuild    = "build"
)

// Pending is the suspended step a clarification answers.
type Pending struct {
	Step               string             `json:"step"`
	Field              string             `json:"field"`
	Selector           string             `json:"selector,omitempty"`
	Question           string             `json:"question"`
	ExpectedAnswerType domain.AnswerType  `json:"expected_answer_type"`
	Reason             apperr.Code        `json:"reason"`
	Candidates         []domain.Candidate `json:"candidates"`
}

// Draft is the serializable continuation of a paused pipeline run. It holds
// everything resumption needs so completed steps never run twice.
type Draft struct {
	IntentType      domain.IntentType       `json:"intent_type"`
	Fields          map[string]any          `json:"fields"`
	Confidence      *float64                `json:"confidence,omitempty"`
	Resolved        map[string]any          `json:"resolved"`
	Steps           []string                `json:"steps"`
	DefaultsApplied []domain.DefaultApplied `json:"defaults_applied"`
	Inferences      []domain.Inference      `json:"inferences"`
	// Entities traces references resolved by lookup or by a typed answer.
	// They are not inferences for the policy ceiling.
	Entities []domain.Inference `json:"entities"`
	// Typed lists reference fields whose value came from a free-text answer.
	Typed   []string `json:"typed,omitempty"`
	Pending *Pending `json:"pending,omitempty"`
}

func newDraft(intentType domain.IntentType, fields map[string]any, confidence *float64) *Draft {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Draft{
		IntentType:      intentType,
		Fields:          copied,
		Confidence:      confidence,
		Resolved:        map[string]any{},
		DefaultsApplied: []domain.DefaultApplied{},
		Inferences:      []domain.Inference{},
		Entities:        []domain.Inference{},
	}
}

// DecodeDraft parses a stored canonical draft.
func DecodeDraft(raw []byte) (*Draft, error) {
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	if d.Resolved == nil {
		d.Resolved = map[string]any{}
	}
	if d.DefaultsApplied == nil {
		d.DefaultsApplied = []domain.DefaultApplied{}
	}
	if d.Inferences == nil {
		d.Inferences = []domain.Inference{}
	}
	if d.Entities == nil {
		d.Entities = []domain.Inference{}
	}
	return &d, nil
}

// Encode serializes the draft for storage.
func (d *Draft) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	return b, nil
}

func (d *Draft) done(step string) bool {
	for _, s := range d.Steps {
		if s == step {
			return true
		}
	}
	return false
}

func (d *Draft) complete(step string) {
	if !d.done(step) {
		d.Steps = append(d.Steps, step)
	}
}

func (d *Draft) typed(field string) bool {
	for _, f := range d.Typed {
		if f == field {
			return true
		}
	}
	return false
}

// Final merges the literal fields with everything resolved so far. Free-text
// references are dropped once their identifier is known.
func (d *Draft) Final() map[string]any {
	out := make(map[string]any, len(d.Fields)+len(d.Resolved))
	for k, v := range d.Fields {
		out[k] = v
	}
	for _, ref := range entityRefs {
		delete(out, ref.Field)
	}
	for k, v := range d.Resolved {
		out[k] = v
	}
	return out
}

// Answer is a human reply to a clarification.
type Answer struct {
	ChoiceID string `json:"choice_id,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ValidateAnswer checks a against the pending question and returns the value
// it contributes.
func ValidateAnswer(p *Pending, a Answer) (string, error) {
	switch p.ExpectedAnswerType {
	case domain.AnswerChoice:
		id := strings.TrimSpace(a.ChoiceID)
		if id == "" {
			return "", apperr.Validation("choice_id", "choice_id is required")
		}
		for _, c := range p.Candidates {
			if c.ID == id {
				return id, nil
			}
		}
		return "", apperr.WithDetails(apperr.CodeValidation, fmt.Sprintf("choice_id %q is not one of the offered candidates", id),
			map[string]any{"field": "choice_id"})
	case domain.AnswerDate:
		text := strings.TrimSpace(a.Text)
		if !resolve.IsAbsoluteDate(text) {
			return "", apperr.Validation("text", "answer must be a date in YYYY-MM-DD form")
		}
		return text, nil
	case domain.AnswerDateTime:
		text := strings.TrimSpace(a.Text)
		if !resolve.IsAbsoluteDateTime(text) {
			return "", apperr.Validation("text", "answer must be an ISO 8601 timestamp")
		}
		return text, nil
	case domain.AnswerFreeText:
		text := strings.TrimSpace(a.Text)
		if text == "" {
			return "", apperr.Validation("text", "answer text is required")
		}
		return text, nil
	default:
		return "", apperr.New(apperr.CodeInvalidState, fmt.Sprintf("unsupported answer type %q", p.ExpectedAnswerType))
	}
}
