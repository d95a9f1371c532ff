package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/artifacts"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/execution"
	"github.com/matthewcove-stack/intent-normaliser/internal/repo"
)

func (e Engine) executionEnabled() bool {
	return e.Executor != nil && e.Executor.Enabled
}

// executeReady forwards the plan of a ready intent. Only the caller that wins
// the ready -> executing transition talks to the kernel; everyone else gets
// the stored envelope.
func (e Engine) executeReady(ctx context.Context, intentID string, env Outcome) (Outcome, error) {
	if !e.executionEnabled() || len(env.Plan) == 0 {
		return env, nil
	}
	var intent domain.Intent
	claimed := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.TransitionIntent(ctx, tx, intentID, domain.IntentReady, domain.IntentExecuting, e.stamp())
		if err != nil || !ok {
			return err
		}
		if _, err := e.Repo.OpenClarificationForIntent(ctx, tx, intentID); err == nil {
			return apperr.New(apperr.CodeInvalidState, "intent has an open clarification")
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		intent, err = e.Repo.GetIntent(ctx, tx, intentID)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		current, err := e.Repo.GetIntent(ctx, nil, intentID)
		if err != nil {
			return Outcome{}, err
		}
		if len(current.Response) == 0 {
			return env, nil
		}
		return decodeOutcome(current.Response)
	}

	ctx, span := e.startSpan(ctx, "engine.Execute")
	defer span.End()

	requestID := requestIDOf(intent)
	rec := recorder{e: e, intent: intent}
	status := domain.IntentSucceeded
	env.Execution = nil
	for _, packet := range env.Plan {
		res, err := e.Executor.Execute(ctx, rec, packet, requestID, intent.ActorID)
		if err != nil {
			ae, ok := apperr.As(err)
			if !ok || ae.Code != apperr.CodeExecutionFailed {
				return Outcome{}, err
			}
			env.Execution = append(env.Execution, res)
			env.Error = ae
			status = domain.IntentFailed
			break
		}
		env.Execution = append(env.Execution, res)
	}
	env.Status = string(status)
	e.logger().Info("plan executed",
		zap.String("intent_id", intent.ID),
		zap.String("status", env.Status),
		zap.Int("actions", len(env.Execution)))

	response, err := json.Marshal(env)
	if err != nil {
		return Outcome{}, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.UpdateIntent(ctx, tx, intent.ID, repo.IntentUpdate{
			Status:         status,
			CanonicalDraft: intent.CanonicalDraft,
			FinalCanonical: intent.FinalCanonical,
			Response:       response,
			UpdatedAt:      e.stamp(),
		})
	})
	if err != nil {
		return Outcome{}, err
	}
	return env, nil
}

func requestIDOf(intent domain.Intent) string {
	var pkt struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(intent.RawPacket, &pkt); err == nil && pkt.RequestID != "" {
		return pkt.RequestID
	}
	return intent.ID
}

// recorder writes execution artifacts for one intent.
type recorder struct {
	e      Engine
	intent domain.Intent
}

func (r recorder) record(packet domain.ActionPacket, status string, out execution.Outcome) artifacts.Record {
	return artifacts.Record{
		IntentID:           r.intent.ID,
		CorrelationID:      r.intent.CorrelationID,
		SupersedesIntentID: deref(r.intent.SupersedesIntentID),
		Kind:               domain.ArtifactAction,
		IntentType:         r.intent.IntentType,
		Action:             packet.Action,
		Status:             status,
		IdempotencyKey:     packet.IdempotencyKey,
		Payload:            out,
	}
}

func (r recorder) Executed(ctx context.Context, key string) (execution.Outcome, bool, error) {
	art, err := r.e.Repo.ExecutedArtifact(ctx, nil, key)
	if errors.Is(err, repo.ErrNotFound) {
		return execution.Outcome{}, false, nil
	}
	if err != nil {
		return execution.Outcome{}, false, err
	}
	out, err := decodeExecution(art)
	return out, err == nil, err
}

func (r recorder) Succeeded(ctx context.Context, packet domain.ActionPacket, out execution.Outcome) (execution.Outcome, error) {
	stored := out
	err := r.e.withTx(ctx, func(tx *sql.Tx) error {
		_, inserted, err := r.e.writer().AppendOnce(ctx, tx, r.record(packet, domain.ArtifactExecuted, out))
		if err != nil || inserted {
			return err
		}
		art, err := r.e.Repo.ExecutedArtifact(ctx, tx, packet.IdempotencyKey)
		if err != nil {
			return err
		}
		stored, err = decodeExecution(art)
		stored.Replayed = true
		return err
	})
	return stored, err
}

func (r recorder) Failed(ctx context.Context, packet domain.ActionPacket, out execution.Outcome) error {
	return r.e.withTx(ctx, func(tx *sql.Tx) error {
		_, err := r.e.writer().Append(ctx, tx, r.record(packet, domain.ArtifactExecutionFailed, out))
		return err
	})
}

func decodeExecution(art domain.Artifact) (execution.Outcome, error) {
	var out execution.Outcome
	if err := json.Unmarshal(art.Artifact, &out); err != nil {
		return execution.Outcome{}, fmt.Errorf("decode executed artifact %s: %w", art.ID, err)
	}
	return out, nil
}
