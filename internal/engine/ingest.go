package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/artifacts"
	"github.com/matthewcove-stack/intent-normaliser/internal/canonical"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/repo"
)

// Ingest stores a raw packet, normalises it and, when enabled, executes the
// resulting plan. Resubmitting a packet with the same intent key returns the
// stored envelope instead of running anything again.
func (e Engine) Ingest(ctx context.Context, raw []byte, actor string) (out Outcome, err error) {
	ctx, span := e.startSpan(ctx, "engine.Ingest")
	defer func() { endSpan(span, err) }()

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return Outcome{}, apperr.Wrap(apperr.CodeValidation, "packet must be a JSON object", err)
	}
	requestID := stringField(doc, "request_id")
	key, err := canonical.IntentKey(actor, requestID, map[string]any{
		"kind":             doc["kind"],
		"intent_type":      doc["intent_type"],
		"natural_language": doc["natural_language"],
		"fields":           doc["fields"],
	})
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.CodeValidation, "packet cannot be canonicalized", err)
	}

	intent := domain.Intent{
		ID:             stringField(doc, "intent_id"),
		CorrelationID:  stringField(doc, "correlation_id"),
		Status:         domain.IntentReceived,
		IntentType:     stringField(doc, "intent_type"),
		IdempotencyKey: key,
		ActorID:        actor,
		TraceID:        traceID(span),
		RawPacket:      json.RawMessage(raw),
	}
	if intent.ID == "" {
		intent.ID = "int_" + uuid.NewString()
	}
	if s := stringField(doc, "supersedes_intent_id"); s != "" {
		intent.SupersedesIntentID = &s
		if intent.CorrelationID == "" {
			prior, err := e.Repo.GetIntent(ctx, nil, s)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return Outcome{}, apperr.Validation("supersedes_intent_id", "superseded intent "+s+" does not exist")
				}
				return Outcome{}, err
			}
			intent.CorrelationID = prior.CorrelationID
		}
	}
	if intent.CorrelationID == "" {
		intent.CorrelationID = "cor_" + uuid.NewString()
	}
	intent.CreatedAt = e.stamp()
	intent.UpdatedAt = intent.CreatedAt
	span.SetAttributes(attribute.String("intent.id", intent.ID), attribute.String("intent.key", key))

	if existing, err := e.Repo.GetIntentByKey(ctx, nil, key); err == nil {
		return e.replay(ctx, existing)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, err
	}

	// Nothing is stored until the pipeline has decided, so an aborted run
	// leaves no trace and the same packet can simply be sent again.
	result, err := e.Pipeline.Start(ctx, raw)
	if err != nil {
		return Outcome{}, err
	}
	env := Outcome{
		IntentID:       intent.ID,
		CorrelationID:  intent.CorrelationID,
		TraceID:        intent.TraceID,
		IdempotencyKey: key,
	}
	err = e.persistOutcome(ctx, intent, result, &env, func(tx *sql.Tx) error {
		ok, err := e.Repo.InsertIntent(ctx, tx, intent)
		if err != nil {
			return err
		}
		if !ok {
			return errLostClaim
		}
		receipt, err := e.writer().Append(ctx, tx, artifacts.Record{
			IntentID:           intent.ID,
			CorrelationID:      intent.CorrelationID,
			SupersedesIntentID: deref(intent.SupersedesIntentID),
			Kind:               domain.ArtifactIntent,
			IntentType:         intent.IntentType,
			Status:             domain.ArtifactReceived,
			IdempotencyKey:     key,
			Payload: map[string]any{
				"packet":   json.RawMessage(raw),
				"actor_id": actor,
				"trace_id": intent.TraceID,
			},
		})
		env.ReceiptID = receipt.ID
		return err
	}, nil)
	if errors.Is(err, errLostClaim) {
		return e.replay(ctx, intent)
	}
	if err != nil {
		return Outcome{}, err
	}
	e.logger().Info("intent normalised",
		zap.String("intent_id", intent.ID),
		zap.String("correlation_id", intent.CorrelationID),
		zap.String("status", env.Status),
		zap.String("trace_id", intent.TraceID))

	if env.Status == string(domain.IntentReady) {
		return e.executeReady(ctx, intent.ID, env)
	}
	return env, nil
}

// replay answers a resubmission from the stored envelope.
func (e Engine) replay(ctx context.Context, attempted domain.Intent) (Outcome, error) {
	if _, err := e.ExpireStale(ctx); err != nil {
		return Outcome{}, err
	}
	existing, err := e.Repo.GetIntentByKey(ctx, nil, attempted.IdempotencyKey)
	if errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, apperr.WithDetails(apperr.CodeConflict, "intent_id is already used by a different request",
			map[string]any{"intent_id": attempted.ID})
	}
	if err != nil {
		return Outcome{}, err
	}
	if len(existing.Response) == 0 {
		return Outcome{}, apperr.WithDetails(apperr.CodeConflict, "intent is still being processed",
			map[string]any{"intent_id": existing.ID})
	}
	out, err := decodeOutcome(existing.Response)
	if err != nil {
		return Outcome{}, err
	}
	e.logger().Debug("intent replayed", zap.String("intent_id", existing.ID), zap.String("status", out.Status))
	if existing.Status == domain.IntentReady {
		return e.executeReady(ctx, existing.ID, out)
	}
	return out, nil
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return strings.TrimSpace(s)
}
