package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or RFC 3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// IntentType is the closed set of intent kinds the pipeline dispatches on.
type IntentType string

const (
	IntentCreateTask IntentType = "create_task"
	IntentUpdateTask IntentType = "update_task"
	IntentUpsertTask IntentType = "upsert_task"
	IntentQuery      IntentType = "query"
	IntentNoop       IntentType = "noop"
)

// IntentTypes lists every accepted intent type in declaration order.
var IntentTypes = []IntentType{IntentCreateTask, IntentUpdateTask, IntentUpsertTask, IntentQuery, IntentNoop}

// ParseIntentType returns the enum value for s.
func ParseIntentType(s string) (IntentType, bool) {
	for _, t := range IntentTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// IntentStatus is the lifecycle state of a stored intent.
type IntentStatus string

const (
	IntentReceived           IntentStatus = "received"
	IntentNeedsClarification IntentStatus = "needs_clarification"
	IntentReady              IntentStatus = "ready"
	IntentExecuting          IntentStatus = "executing"
	IntentSucceeded          IntentStatus = "succeeded"
	IntentFailed             IntentStatus = "failed"
	IntentExpired            IntentStatus = "expired"
	IntentRejected           IntentStatus = "rejected"
)

// HasFinalCanonical reports whether an intent in status s carries a final canonical form.
func (s IntentStatus) HasFinalCanonical() bool {
	switch s {
	case IntentReady, IntentExecuting, IntentSucceeded, IntentFailed:
		return true
	}
	return false
}

// ClarificationStatus is the lifecycle state of a clarification.
type ClarificationStatus string

const (
	ClarificationOpen     ClarificationStatus = "open"
	ClarificationAnswered ClarificationStatus = "answered"
	ClarificationExpired  ClarificationStatus = "expired"
)

// AnswerType is the shape a clarification answer must take.
type AnswerType string

const (
	AnswerChoice   AnswerType = "choice"
	AnswerFreeText AnswerType = "free_text"
	AnswerDate     AnswerType = "date"
	AnswerDateTime AnswerType = "datetime"
)

// Action names understood by the execution kernel.
const (
	ActionCreateTask = "notion.tasks.create"
	ActionUpdateTask = "notion.tasks.update"
)

// Packet is the inbound intent packet.
type Packet struct {
	Kind               string         `json:"kind"`
	IntentType         string         `json:"intent_type"`
	NaturalLanguage    string         `json:"natural_language,omitempty"`
	Fields             map[string]any `json:"fields,omitempty"`
	Confidence         *float64       `json:"confidence,omitempty"`
	Source             string         `json:"source,omitempty"`
	Timestamp          string         `json:"timestamp,omitempty"`
	RequestID          string         `json:"request_id,omitempty"`
	IntentID           string         `json:"intent_id,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	SupersedesIntentID string         `json:"supersedes_intent_id,omitempty"`
}

type Intent struct {
	ID                 string          `json:"intent_id"`
	CorrelationID      string          `json:"correlation_id"`
	SupersedesIntentID *string         `json:"supersedes_intent_id,omitempty"`
	Status             IntentStatus    `json:"status" enum:"received,needs_clarification,ready,executing,succeeded,failed,expired,rejected"`
	IntentType         string          `json:"intent_type,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key"`
	ActorID            string          `json:"actor_id,omitempty"`
	TraceID            string          `json:"trace_id"`
	RawPacket          json.RawMessage `json:"raw_packet"`
	CanonicalDraft     json.RawMessage `json:"canonical_draft,omitempty"`
	FinalCanonical     json.RawMessage `json:"final_canonical,omitempty"`
	Response           json.RawMessage `json:"-"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

// Candidate is one option offered to a human for a choice clarification.
type Candidate struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Score float64        `json:"score,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type Clarification struct {
	ID                 string              `json:"clarification_id"`
	IntentID           string              `json:"intent_id"`
	Step               string              `json:"step"`
	Field              string              `json:"field"`
	Status             ClarificationStatus `json:"status" enum:"open,answered,expired"`
	Question           string              `json:"question"`
	ExpectedAnswerType AnswerType          `json:"expected_answer_type" enum:"choice,free_text,date,datetime"`
	Reason             string              `json:"reason,omitempty"`
	Candidates         []Candidate         `json:"candidates"`
	Answer             json.RawMessage     `json:"answer,omitempty"`
	AnswerHash         string              `json:"-"`
	AnsweredAt         *string             `json:"answered_at,omitempty" format:"date-time"`
	ResumeOutcome      json.RawMessage     `json:"-"`
	ActorID            string              `json:"actor_id,omitempty"`
	CreatedAt          string              `json:"created_at" format:"date-time"`
	ExpiresAt          string              `json:"expires_at" format:"date-time"`
}

// ActionPacket is a fully resolved, execution-ready instruction.
type ActionPacket struct {
	Kind           string         `json:"kind"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// DefaultApplied records a declared default filled into an absent field.
type DefaultApplied struct {
	Field  string `json:"field"`
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// Inference records how a non-literal value was derived.
type Inference struct {
	Field         string `json:"field"`
	InferredFrom  string `json:"inferred_from"`
	Strategy      string `json:"strategy"`
	ResolvedValue any    `json:"resolved_value"`
}

// Resolution is the explainability metadata attached to a ready outcome.
type Resolution struct {
	DefaultsApplied []DefaultApplied `json:"defaults_applied"`
	Inferences      []Inference      `json:"inferences"`
	// Entities records how entity references were settled. Only Inferences
	// count toward the policy ceiling.
	Entities []Inference `json:"entities,omitempty"`
}

type ArtifactKind string

const (
	ArtifactIntent ArtifactKind = "intent"
	ArtifactAction ArtifactKind = "action"
)

// Artifact statuses written to the audit log.
const (
	ArtifactReceived              = "received"
	ArtifactReady                 = "ready"
	ArtifactNeedsClarification    = "needs_clarification"
	ArtifactRejected              = "rejected"
	ArtifactClarificationAnswered = "clarification_answered"
	ArtifactClarificationExpired  = "clarification_expired"
	ArtifactExecuted              = "executed"
	ArtifactExecutionFailed       = "execution_failed"
)

type Artifact struct {
	ID                 string          `json:"id"`
	IntentID           string          `json:"intent_id"`
	CorrelationID      string          `json:"correlation_id"`
	SupersedesIntentID *string         `json:"supersedes_intent_id,omitempty"`
	Kind               ArtifactKind    `json:"kind" enum:"intent,action"`
	IntentType         *string         `json:"intent_type,omitempty"`
	Action             *string         `json:"action,omitempty"`
	Status             string          `json:"status"`
	IdempotencyKey     *string         `json:"idempotency_key,omitempty"`
	ArtifactVersion    int             `json:"artifact_version"`
	ArtifactHash       string          `json:"artifact_hash"`
	Artifact           json.RawMessage `json:"artifact"`
	ReceivedAt         string          `json:"received_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
