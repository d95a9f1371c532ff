package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/artifacts"
	"github.com/matthewcove-stack/intent-normaliser/internal/canonical"
	"github.com/matthewcove-stack/intent-normaliser/internal/config"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/pipeline"
	"github.com/matthewcove-stack/intent-normaliser/internal/repo"
)

// Answer applies a human answer to an open clarification and resumes the
// paused pipeline. Repeating an identical answer returns the outcome the
// first one produced; a different answer conflicts.
func (e Engine) Answer(ctx context.Context, clarificationID string, answer pipeline.Answer, actor string) (out Outcome, err error) {
	ctx, span := e.startSpan(ctx, "engine.Answer")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("clarification.id", clarificationID))
	answer.ChoiceID = strings.TrimSpace(answer.ChoiceID)
	answer.Text = strings.TrimSpace(answer.Text)

	if _, err := e.ExpireStale(ctx); err != nil {
		return Outcome{}, err
	}
	c, err := e.Repo.GetClarification(ctx, nil, clarificationID)
	if err != nil {
		return Outcome{}, notFound(err, "clarification", clarificationID)
	}
	answerJSON, err := json.Marshal(answer)
	if err != nil {
		return Outcome{}, err
	}
	hash := canonical.Hash(answerJSON)
	if c.Status != domain.ClarificationOpen {
		return settled(c, hash)
	}

	intent, err := e.Repo.GetIntent(ctx, nil, c.IntentID)
	if err != nil {
		return Outcome{}, notFound(err, "intent", c.IntentID)
	}
	draft, err := pipeline.DecodeDraft(intent.CanonicalDraft)
	if err != nil {
		return Outcome{}, err
	}
	if draft.Pending == nil || draft.Pending.Step != c.Step || draft.Pending.Field != c.Field {
		return Outcome{}, apperr.New(apperr.CodeInvalidState, "intent is not waiting on this clarification")
	}
	if _, err := pipeline.ValidateAnswer(draft.Pending, answer); err != nil {
		return Outcome{}, err
	}

	prior, err := decodeOutcome(intent.Response)
	if err != nil {
		return Outcome{}, err
	}
	env := Outcome{
		IntentID:       intent.ID,
		CorrelationID:  intent.CorrelationID,
		ReceiptID:      prior.ReceiptID,
		TraceID:        intent.TraceID,
		IdempotencyKey: intent.IdempotencyKey,
	}
	// The resume runs against the still-open clarification. The answer only
	// counts once the open->answered transition commits with its outcome, so
	// a failed or abandoned resume leaves the question open for a retry.
	result, err := e.Pipeline.Resume(ctx, draft, answer)
	if err != nil {
		return Outcome{}, fmt.Errorf("resume intent %s: %w", intent.ID, err)
	}
	claim := func(tx *sql.Tx) error {
		ok, err := e.Repo.AnswerClarification(ctx, tx, c.ID, answerJSON, hash, actor, e.stamp())
		if err != nil {
			return err
		}
		if !ok {
			return errLostClaim
		}
		_, err = e.writer().Append(ctx, tx, artifacts.Record{
			IntentID:           intent.ID,
			CorrelationID:      intent.CorrelationID,
			SupersedesIntentID: deref(intent.SupersedesIntentID),
			Kind:               domain.ArtifactIntent,
			IntentType:         intent.IntentType,
			Status:             domain.ArtifactClarificationAnswered,
			IdempotencyKey:     intent.IdempotencyKey,
			Payload: map[string]any{
				"clarification_id": c.ID,
				"field":            c.Field,
				"answer":           answer,
				"actor_id":         actor,
			},
		})
		return err
	}
	err = e.persistOutcome(ctx, intent, result, &env, claim, func(tx *sql.Tx) error {
		stored, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return e.Repo.StoreResumeOutcome(ctx, tx, c.ID, stored)
	})
	if errors.Is(err, errLostClaim) {
		// Another caller moved it first; judge this answer against theirs.
		latest, err := e.Repo.GetClarification(ctx, nil, c.ID)
		if err != nil {
			return Outcome{}, err
		}
		return settled(latest, hash)
	}
	if err != nil {
		return Outcome{}, err
	}
	e.logger().Info("clarification answered",
		zap.String("clarification_id", c.ID),
		zap.String("intent_id", intent.ID),
		zap.String("status", env.Status))

	if env.Status != string(domain.IntentReady) || !e.executionEnabled() || len(env.Plan) == 0 {
		return env, nil
	}
	env, err = e.executeReady(ctx, intent.ID, env)
	if err != nil {
		return Outcome{}, err
	}
	stored, err := json.Marshal(env)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.StoreResumeOutcome(ctx, tx, c.ID, stored)
	}); err != nil {
		return Outcome{}, err
	}
	return env, nil
}

// settled handles an answer against a clarification that is no longer open.
func settled(c domain.Clarification, hash string) (Outcome, error) {
	switch c.Status {
	case domain.ClarificationExpired:
		return Outcome{}, apperr.WithDetails(apperr.CodeExpired, "clarification has expired",
			map[string]any{"clarification_id": c.ID, "expires_at": c.ExpiresAt})
	case domain.ClarificationAnswered:
		if c.AnswerHash != hash {
			return Outcome{}, apperr.WithDetails(apperr.CodeConflict, "clarification was already answered differently",
				map[string]any{"clarification_id": c.ID})
		}
		if len(c.ResumeOutcome) == 0 {
			return Outcome{}, apperr.WithDetails(apperr.CodeInvalidState, "clarification answer is still being applied",
				map[string]any{"clarification_id": c.ID})
		}
		return decodeOutcome(c.ResumeOutcome)
	default:
		return Outcome{}, apperr.New(apperr.CodeInvalidState, fmt.Sprintf("clarification is %s", c.Status))
	}
}

// ExpireStale closes every open clarification past its deadline and applies
// the configured expiry policy. It returns how many it closed.
func (e Engine) ExpireStale(ctx context.Context) (int, error) {
	stale, err := e.Repo.StaleClarifications(ctx, nil, e.stamp())
	if err != nil {
		return 0, err
	}
	policy := config.OnExpiryExpire
	if e.Config != nil {
		policy = e.Config.Clarification.OnExpiry
	}
	count := 0
	for _, c := range stale {
		expired, err := e.expireOne(ctx, c, policy)
		if err != nil {
			return count, fmt.Errorf("expire clarification %s: %w", c.ID, err)
		}
		if expired {
			count++
		}
	}
	if count > 0 {
		e.logger().Info("clarifications expired", zap.Int("count", count), zap.String("policy", policy))
	}
	return count, nil
}

func (e Engine) expireOne(ctx context.Context, c domain.Clarification, policy string) (bool, error) {
	expired := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.ExpireClarification(ctx, tx, c.ID)
		if err != nil || !ok {
			return err
		}
		expired = true
		intent, err := e.Repo.GetIntent(ctx, tx, c.IntentID)
		if err != nil {
			return err
		}
		env, err := decodeOutcome(intent.Response)
		if err != nil {
			return err
		}
		payload := map[string]any{"clarification_id": c.ID, "policy": policy}

		status := domain.IntentExpired
		if policy == config.OnExpiryReask {
			next := c
			now := e.now()
			next.ID = "clr_" + uuid.NewString()
			next.Status = domain.ClarificationOpen
			next.Answer, next.AnswerHash, next.AnsweredAt, next.ResumeOutcome = nil, "", nil, nil
			next.CreatedAt = domain.FormatTime(now)
			next.ExpiresAt = domain.FormatTime(now.Add(e.expiry()))
			if err := e.Repo.InsertClarification(ctx, tx, next); err != nil {
				return err
			}
			status = domain.IntentNeedsClarification
			env.Clarification = viewOf(next)
			payload["reasked_as"] = next.ID
		} else {
			env.Status = StatusExpired
			env.Clarification = nil
			env.Error = apperr.WithDetails(apperr.CodeExpired, "clarification expired before it was answered",
				map[string]any{"clarification_id": c.ID})
		}
		response, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateIntent(ctx, tx, intent.ID, repo.IntentUpdate{
			Status:         status,
			CanonicalDraft: intent.CanonicalDraft,
			Response:       response,
			UpdatedAt:      e.stamp(),
		}); err != nil {
			return err
		}
		_, err = e.writer().Append(ctx, tx, artifacts.Record{
			IntentID:           intent.ID,
			CorrelationID:      intent.CorrelationID,
			SupersedesIntentID: deref(intent.SupersedesIntentID),
			Kind:               domain.ArtifactIntent,
			IntentType:         intent.IntentType,
			Status:             domain.ArtifactClarificationExpired,
			IdempotencyKey:     intent.IdempotencyKey,
			Payload:            payload,
		})
		return err
	})
	return expired, err
}

// ListClarifications sweeps expiry first so callers never see stale open rows.
func (e Engine) ListClarifications(ctx context.Context, f repo.ClarificationFilter) ([]domain.Clarification, error) {
	if _, err := e.ExpireStale(ctx); err != nil {
		return nil, err
	}
	return e.Repo.ListClarifications(ctx, nil, f)
}

func (e Engine) GetClarification(ctx context.Context, id string) (domain.Clarification, error) {
	if _, err := e.ExpireStale(ctx); err != nil {
		return domain.Clarification{}, err
	}
	c, err := e.Repo.GetClarification(ctx, nil, id)
	if err != nil {
		return domain.Clarification{}, notFound(err, "clarification", id)
	}
	return c, nil
}
