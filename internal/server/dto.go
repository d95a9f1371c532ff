package server

import (
	"encoding/json"

	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

// Request payloads

type AnswerValue struct {
	ChoiceID   string `json:"choice_id,omitempty" doc:"Candidate id for choice questions"`
	Text       string `json:"text,omitempty" doc:"Free text, date (YYYY-MM-DD) or ISO 8601 datetime"`
	AnswerText string `json:"answer_text,omitempty" doc:"Alias of text"`
}

// text prefers text and falls back to answer_text.
func (a AnswerValue) text() string {
	if a.Text != "" {
		return a.Text
	}
	return a.AnswerText
}

type AnswerRequest struct {
	Answer AnswerValue `json:"answer"`
}

// Response payloads

type IntentResponse struct {
	IntentID           string         `json:"intent_id"`
	CorrelationID      string         `json:"correlation_id"`
	SupersedesIntentID *string        `json:"supersedes_intent_id,omitempty"`
	Status             string         `json:"status" enum:"received,needs_clarification,ready,executing,succeeded,failed,expired,rejected"`
	IntentType         string         `json:"intent_type,omitempty"`
	IdempotencyKey     string         `json:"idempotency_key"`
	ActorID            string         `json:"actor_id,omitempty"`
	TraceID            string         `json:"trace_id"`
	Packet             map[string]any `json:"packet"`
	CanonicalDraft     map[string]any `json:"canonical_draft,omitempty"`
	FinalCanonical     map[string]any `json:"final_canonical,omitempty"`
	Outcome            map[string]any `json:"outcome,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

type ArtifactList struct {
	Items []domain.Artifact `json:"items"`
}

type ClarificationList struct {
	Items []domain.Clarification `json:"items"`
}

func intentResponse(in domain.Intent) IntentResponse {
	return IntentResponse{
		IntentID:           in.ID,
		CorrelationID:      in.CorrelationID,
		SupersedesIntentID: in.SupersedesIntentID,
		Status:             string(in.Status),
		IntentType:         in.IntentType,
		IdempotencyKey:     in.IdempotencyKey,
		ActorID:            in.ActorID,
		TraceID:            in.TraceID,
		Packet:             decodeJSONMap(in.RawPacket),
		CanonicalDraft:     decodeJSONMap(in.CanonicalDraft),
		FinalCanonical:     decodeJSONMap(in.FinalCanonical),
		Outcome:            decodeJSONMap(in.Response),
		CreatedAt:          in.CreatedAt,
		UpdatedAt:          in.UpdatedAt,
	}
}

func artifactList(items []domain.Artifact) ArtifactList {
	return ArtifactList{Items: nonNilSlice(items)}
}

func decodeJSONMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
