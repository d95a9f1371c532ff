// Package engine owns the intent lifecycle: it persists submissions, runs
// the normalisation pipeline, manages clarifications and hands ready plans
// to the execution adapter. Every state change and its artifact commit in
// one transaction.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/artifacts"
	"github.com/matthewcove-stack/intent-normaliser/internal/config"
	"github.com/matthewcove-stack/intent-normaliser/internal/db"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/execution"
	"github.com/matthewcove-stack/intent-normaliser/internal/pipeline"
	"github.com/matthewcove-stack/intent-normaliser/internal/repo"
)

// Envelope statuses beyond the pipeline's ready/needs_clarification/rejected.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// Outcome is the envelope returned for a submission or an answer, and
// stored on the intent for replay.
type Outcome struct {
	Status         string                `json:"status" enum:"ready,needs_clarification,rejected,succeeded,failed,expired"`
	IntentID       string                `json:"intent_id"`
	CorrelationID  string                `json:"correlation_id"`
	ReceiptID      string                `json:"receipt_id"`
	TraceID        string                `json:"trace_id"`
	IdempotencyKey string                `json:"idempotency_key"`
	Plan           []domain.ActionPacket `json:"plan,omitempty"`
	Resolution     *domain.Resolution    `json:"resolution,omitempty"`
	Clarification  *ClarificationView    `json:"clarification,omitempty"`
	Error          *apperr.Error         `json:"error,omitempty"`
	Execution      []execution.Outcome   `json:"execution,omitempty"`
}

// ClarificationView is the question as shown to a human.
type ClarificationView struct {
	ClarificationID    string             `json:"clarification_id"`
	Question           string             `json:"question"`
	ExpectedAnswerType domain.AnswerType  `json:"expected_answer_type" enum:"choice,free_text,date,datetime"`
	Candidates         []domain.Candidate `json:"candidates"`
	Reason             string             `json:"reason,omitempty"`
	ExpiresAt          string             `json:"expires_at,omitempty"`
}

func viewOf(c domain.Clarification) *ClarificationView {
	return &ClarificationView{
		ClarificationID:    c.ID,
		Question:           c.Question,
		ExpectedAnswerType: c.ExpectedAnswerType,
		Candidates:         c.Candidates,
		Reason:             c.Reason,
		ExpiresAt:          c.ExpiresAt,
	}
}

type Engine struct {
	DB        *sql.DB
	Dialect   db.Dialect
	Repo      repo.Repo
	Artifacts artifacts.Writer
	Pipeline  *pipeline.Pipeline
	Executor  *execution.Adapter
	Config    *config.Config
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, p *pipeline.Pipeline, exec *execution.Adapter, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:        conn,
		Dialect:   dialect,
		Repo:      repo.Repo{DB: conn, Dialect: dialect},
		Artifacts: artifacts.Writer{Dialect: dialect, Version: cfg.Service.ArtifactVersion},
		Pipeline:  p,
		Executor:  exec,
		Config:    cfg,
		Logger:    logger,
		Tracer:    otel.Tracer("github.com/matthewcove-stack/intent-normaliser/internal/engine"),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) writer() artifacts.Writer {
	w := e.Artifacts
	w.Now = e.now
	return w
}

func (e Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/matthewcove-stack/intent-normaliser/internal/engine")
	}
	return tracer.Start(ctx, name)
}

// traceID prefers the active span's trace id so logs and traces line up.
func traceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) expiry() time.Duration {
	if e.Config == nil {
		return 72 * time.Hour
	}
	return e.Config.ClarificationExpiry()
}

// errLostClaim aborts a persistOutcome transaction whose claim found the row
// already taken by another caller.
var errLostClaim = errors.New("state claimed by another request")

// persistOutcome records a pipeline result against intent: the clarification
// it opens, the outcome artifact, the intent row and the stored envelope.
// claim runs first and extra last, both in the same transaction, so the
// state change that admits the result and the result itself commit together.
func (e Engine) persistOutcome(ctx context.Context, intent domain.Intent, out pipeline.Outcome, env *Outcome, claim, extra func(tx *sql.Tx) error) error {
	env.Status = string(out.Status)
	env.Plan = out.Plan
	env.Resolution = out.Resolution
	env.Error = out.Error
	env.Clarification = nil

	var draft, final json.RawMessage
	var err error
	if out.Draft != nil {
		if draft, err = out.Draft.Encode(); err != nil {
			return err
		}
	}
	if out.Status.HasFinalCanonical() {
		final, err = json.Marshal(map[string]any{
			"intent_type": out.IntentType,
			"fields":      out.Final,
			"plan":        out.Plan,
		})
		if err != nil {
			return fmt.Errorf("encode final canonical: %w", err)
		}
	}

	var clar *domain.Clarification
	if out.Status == domain.IntentNeedsClarification {
		c := e.newClarification(intent, out.Clarification)
		clar = &c
		env.Clarification = viewOf(c)
	}

	return e.withTx(ctx, func(tx *sql.Tx) error {
		if claim != nil {
			if err := claim(tx); err != nil {
				return err
			}
		}
		response, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if err := e.Repo.UpdateIntent(ctx, tx, intent.ID, repo.IntentUpdate{
			Status:         out.Status,
			CanonicalDraft: draft,
			FinalCanonical: final,
			Response:       response,
			UpdatedAt:      e.stamp(),
		}); err != nil {
			return err
		}
		if clar != nil {
			if err := e.Repo.InsertClarification(ctx, tx, *clar); err != nil {
				return err
			}
		}
		if _, err := e.writer().Append(ctx, tx, artifacts.Record{
			IntentID:           intent.ID,
			CorrelationID:      intent.CorrelationID,
			SupersedesIntentID: deref(intent.SupersedesIntentID),
			Kind:               domain.ArtifactIntent,
			IntentType:         string(out.IntentType),
			Status:             string(out.Status),
			IdempotencyKey:     intent.IdempotencyKey,
			Payload:            env,
		}); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
}

func (e Engine) newClarification(intent domain.Intent, p *pipeline.Pending) domain.Clarification {
	now := e.now()
	return domain.Clarification{
		ID:                 "clr_" + uuid.NewString(),
		IntentID:           intent.ID,
		Step:               p.Step,
		Field:              p.Field,
		Status:             domain.ClarificationOpen,
		Question:           p.Question,
		ExpectedAnswerType: p.ExpectedAnswerType,
		Reason:             string(p.Reason),
		Candidates:         p.Candidates,
		ActorID:            intent.ActorID,
		CreatedAt:          domain.FormatTime(now),
		ExpiresAt:          domain.FormatTime(now.Add(e.expiry())),
	}
}

func decodeOutcome(raw json.RawMessage) (Outcome, error) {
	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, fmt.Errorf("decode stored outcome: %w", err)
	}
	return out, nil
}

// notFound maps the repository sentinel onto NOT_FOUND.
func notFound(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.WithDetails(apperr.CodeNotFound, fmt.Sprintf("%s %s not found", what, id), map[string]any{"id": id})
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
