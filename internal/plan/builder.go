// Package plan maps a fully resolved intent onto downstream action packets.
package plan

import (
	"fmt"
	"strings"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/canonical"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/resolve"
)

// PacketKind is the kind tag on every emitted action packet.
const PacketKind = "action"

// PatchFields are the task attributes an update may change, in payload order.
var PatchFields = []string{"title", "due", "project_id", "project", "assignee_id", "assignee", "status", "priority", "description"}

// project and assignee carry a name a human typed when no identifier exists.
var createOptional = []string{"due", "project_id", "project", "assignee_id", "assignee", "status", "priority", "description"}

// Build returns the ordered plan for a resolved intent.
func Build(intentType domain.IntentType, resolved map[string]any) ([]domain.ActionPacket, error) {
	switch intentType {
	case domain.IntentCreateTask:
		payload, err := createPayload(resolved)
		if err != nil {
			return nil, err
		}
		return single(domain.ActionCreateTask, payload)
	case domain.IntentUpdateTask:
		payload, err := updatePayload(resolved)
		if err != nil {
			return nil, err
		}
		return single(domain.ActionUpdateTask, payload)
	case domain.IntentNoop:
		return []domain.ActionPacket{}, nil
	case domain.IntentUpsertTask, domain.IntentQuery:
		return nil, apperr.WithDetails(apperr.CodeNotImplemented,
			fmt.Sprintf("intent_type %s is not implemented", intentType),
			map[string]any{"intent_type": string(intentType)})
	default:
		return nil, apperr.Validation("intent_type", fmt.Sprintf("unknown intent_type %q", intentType))
	}
}

// RequiredFields lists the fields that must be concrete before Build succeeds.
func RequiredFields(intentType domain.IntentType) []string {
	switch intentType {
	case domain.IntentCreateTask:
		return []string{"title"}
	case domain.IntentUpdateTask:
		return []string{"task_id"}
	default:
		return nil
	}
}

func single(action string, payload map[string]any) ([]domain.ActionPacket, error) {
	key, err := canonical.IdempotencyKey(action, payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "compute idempotency key", err)
	}
	return []domain.ActionPacket{{
		Kind:           PacketKind,
		Action:         action,
		Payload:        payload,
		IdempotencyKey: key,
	}}, nil
}

func createPayload(resolved map[string]any) (map[string]any, error) {
	title, err := requireString(resolved, "title")
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"title": canonical.NormalizeTitle(title)}
	for _, field := range createOptional {
		v, ok, err := concrete(resolved, field)
		if err != nil {
			return nil, err
		}
		if ok {
			payload[field] = v
		}
	}
	return payload, nil
}

func updatePayload(resolved map[string]any) (map[string]any, error) {
	taskID, err := requireString(resolved, "task_id")
	if err != nil {
		return nil, err
	}
	patch := map[string]any{}
	for _, field := range PatchFields {
		v, ok, err := concrete(resolved, field)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if field == "title" {
			if s, isString := v.(string); isString {
				v = canonical.NormalizeTitle(s)
			}
		}
		patch[field] = v
	}
	if len(patch) == 0 {
		return nil, apperr.Validation("patch", "update_task requires at least one field to change")
	}
	return map[string]any{"notion_page_id": taskID, "patch": patch}, nil
}

func requireString(resolved map[string]any, field string) (string, error) {
	v, ok := resolved[field]
	if !ok || v == nil {
		return "", apperr.Validation(field, fmt.Sprintf("%s is required", field))
	}
	s, isString := v.(string)
	if !isString || strings.TrimSpace(s) == "" {
		return "", apperr.Validation(field, fmt.Sprintf("%s must be a non-empty string", field))
	}
	return strings.TrimSpace(s), nil
}

// concrete returns the field value when present, refusing values that are
// still relative or unresolved.
func concrete(resolved map[string]any, field string) (any, bool, error) {
	v, ok := resolved[field]
	if !ok || v == nil {
		return nil, false, nil
	}
	switch field {
	case "due":
		s, isString := v.(string)
		if !isString || !(resolve.IsAbsoluteDate(s) || resolve.IsAbsoluteDateTime(s)) {
			return nil, false, apperr.Validation(field, "due must be an absolute date")
		}
	case "project_id", "assignee_id":
		s, isString := v.(string)
		if !isString || strings.TrimSpace(s) == "" {
			return nil, false, apperr.Validation(field, fmt.Sprintf("%s must be a resolved identifier", field))
		}
	}
	return v, true, nil
}
