package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matthewcove-stack/intent-normaliser/internal/db"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(q Querier) Querier {
	if q != nil {
		return q
	}
	return r.DB
}

func (r Repo) bind(query string) string {
	return r.Dialect.Rebind(query)
}

// --- intents ---

const intentColumns = `intent_id,correlation_id,supersedes_intent_id,status,COALESCE(intent_type,''),idempotency_key,COALESCE(actor_id,''),trace_id,raw_packet,canonical_draft,final_canonical,response,created_at,updated_at`

func scanIntent(row scanner) (domain.Intent, error) {
	var in domain.Intent
	var supersedes, draft, final, response sql.NullString
	var raw string
	err := row.Scan(&in.ID, &in.CorrelationID, &supersedes, &in.Status, &in.IntentType, &in.IdempotencyKey,
		&in.ActorID, &in.TraceID, &raw, &draft, &final, &response, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.RawPacket = json.RawMessage(raw)
	if supersedes.Valid {
		in.SupersedesIntentID = &supersedes.String
	}
	in.CanonicalDraft = rawOrNil(draft)
	in.FinalCanonical = rawOrNil(final)
	in.Response = rawOrNil(response)
	return in, nil
}

// InsertIntent stores a new intent. It returns false without error when the
// idempotency key or intent id is already taken.
func (r Repo) InsertIntent(ctx context.Context, q Querier, in domain.Intent) (bool, error) {
	var supersedes string
	if in.SupersedesIntentID != nil {
		supersedes = *in.SupersedesIntentID
	}
	res, err := r.q(q).ExecContext(ctx, r.bind(`INSERT INTO intents(intent_id,correlation_id,supersedes_intent_id,status,intent_type,idempotency_key,actor_id,trace_id,raw_packet,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`),
		in.ID, in.CorrelationID, nullable(supersedes), string(in.Status), nullable(in.IntentType), in.IdempotencyKey,
		nullable(in.ActorID), in.TraceID, string(in.RawPacket), in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) GetIntent(ctx context.Context, q Querier, id string) (domain.Intent, error) {
	return scanIntent(r.q(q).QueryRowContext(ctx, r.bind(`SELECT `+intentColumns+` FROM intents WHERE intent_id=?`), id))
}

func (r Repo) GetIntentByKey(ctx context.Context, q Querier, key string) (domain.Intent, error) {
	return scanIntent(r.q(q).QueryRowContext(ctx, r.bind(`SELECT `+intentColumns+` FROM intents WHERE idempotency_key=?`), key))
}

// IntentUpdate carries the mutable columns of an intent. Nil raw fields are written as NULL.
type IntentUpdate struct {
	Status         domain.IntentStatus
	CanonicalDraft json.RawMessage
	FinalCanonical json.RawMessage
	Response       json.RawMessage
	UpdatedAt      string
}

// UpdateIntent rewrites status, draft, final canonical and stored response.
func (r Repo) UpdateIntent(ctx context.Context, q Querier, id string, u IntentUpdate) error {
	res, err := r.q(q).ExecContext(ctx, r.bind(`UPDATE intents SET status=?, canonical_draft=?, final_canonical=?, response=?, updated_at=? WHERE intent_id=?`),
		string(u.Status), rawNullable(u.CanonicalDraft), rawNullable(u.FinalCanonical), rawNullable(u.Response), u.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIntentStatus changes only the status column.
func (r Repo) SetIntentStatus(ctx context.Context, q Querier, id string, status domain.IntentStatus, updatedAt string) error {
	res, err := r.q(q).ExecContext(ctx, r.bind(`UPDATE intents SET status=?, updated_at=? WHERE intent_id=?`), string(status), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update intent status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionIntent moves an intent from one status to another. It reports
// false when the intent was not in the expected status.
func (r Repo) TransitionIntent(ctx context.Context, q Querier, id string, from, to domain.IntentStatus, updatedAt string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, r.bind(`UPDATE intents SET status=?, updated_at=? WHERE intent_id=? AND status=?`), string(to), updatedAt, id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetIntentResponse stores the envelope returned to callers for replay.
func (r Repo) SetIntentResponse(ctx context.Context, q Querier, id string, response json.RawMessage, updatedAt string) error {
	_, err := r.q(q).ExecContext(ctx, r.bind(`UPDATE intents SET response=?, updated_at=? WHERE intent_id=?`), rawNullable(response), updatedAt, id)
	return err
}

// --- clarifications ---

const clarificationColumns = `clarification_id,intent_id,step,field,status,question,expected_answer_type,COALESCE(reason,''),candidates,answer,COALESCE(answer_hash,''),answered_at,resume_outcome,COALESCE(actor_id,''),created_at,expires_at`

func scanClarification(row scanner) (domain.Clarification, error) {
	var c domain.Clarification
	var candidates string
	var answer, answeredAt, outcome sql.NullString
	err := row.Scan(&c.ID, &c.IntentID, &c.Step, &c.Field, &c.Status, &c.Question, &c.ExpectedAnswerType, &c.Reason,
		&candidates, &answer, &c.AnswerHash, &answeredAt, &outcome, &c.ActorID, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(candidates), &c.Candidates); err != nil {
		return c, fmt.Errorf("decode candidates: %w", err)
	}
	if c.Candidates == nil {
		c.Candidates = []domain.Candidate{}
	}
	c.Answer = rawOrNil(answer)
	if answeredAt.Valid {
		c.AnsweredAt = &answeredAt.String
	}
	c.ResumeOutcome = rawOrNil(outcome)
	return c, nil
}

func (r Repo) InsertClarification(ctx context.Context, q Querier, c domain.Clarification) error {
	candidates := c.Candidates
	if candidates == nil {
		candidates = []domain.Candidate{}
	}
	cj, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, r.bind(`INSERT INTO clarifications(clarification_id,intent_id,step,field,status,question,expected_answer_type,reason,candidates,actor_id,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		c.ID, c.IntentID, c.Step, c.Field, string(c.Status), c.Question, string(c.ExpectedAnswerType), nullable(c.Reason),
		string(cj), nullable(c.ActorID), c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert clarification: %w", err)
	}
	return nil
}

func (r Repo) GetClarification(ctx context.Context, q Querier, id string) (domain.Clarification, error) {
	return scanClarification(r.q(q).QueryRowContext(ctx, r.bind(`SELECT `+clarificationColumns+` FROM clarifications WHERE clarification_id=?`), id))
}

// OpenClarificationForIntent returns the single open clarification of an intent.
func (r Repo) OpenClarificationForIntent(ctx context.Context, q Querier, intentID string) (domain.Clarification, error) {
	return scanClarification(r.q(q).QueryRowContext(ctx, r.bind(`SELECT `+clarificationColumns+` FROM clarifications WHERE intent_id=? AND status='open'`), intentID))
}

// AnswerClarification performs the open -> answered transition. It reports
// false when the clarification was no longer open.
func (r Repo) AnswerClarification(ctx context.Context, q Querier, id string, answer json.RawMessage, answerHash, actorID, answeredAt string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, r.bind(`UPDATE clarifications SET status='answered', answer=?, answer_hash=?, answered_at=?, actor_id=COALESCE(?, actor_id) WHERE clarification_id=? AND status='open'`),
		string(answer), answerHash, answeredAt, nullable(actorID), id)
	if err != nil {
		return false, fmt.Errorf("answer clarification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// StoreResumeOutcome records the outcome produced by resuming after an answer.
func (r Repo) StoreResumeOutcome(ctx context.Context, q Querier, id string, outcome json.RawMessage) error {
	_, err := r.q(q).ExecContext(ctx, r.bind(`UPDATE clarifications SET resume_outcome=? WHERE clarification_id=? AND status='answered'`), string(outcome), id)
	return err
}

// ExpireClarification performs the open -> expired transition.
func (r Repo) ExpireClarification(ctx context.Context, q Querier, id string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, r.bind(`UPDATE clarifications SET status='expired' WHERE clarification_id=? AND status='open'`), id)
	if err != nil {
		return false, fmt.Errorf("expire clarification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClarificationFilter narrows ListClarifications.
type ClarificationFilter struct {
	Status   string
	ActorID  string
	IntentID string
	Limit    int
}

func (r Repo) ListClarifications(ctx context.Context, q Querier, f ClarificationFilter) ([]domain.Clarification, error) {
	query := `SELECT ` + clarificationColumns + ` FROM clarifications WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.ActorID != "" {
		query += ` AND actor_id=?`
		args = append(args, f.ActorID)
	}
	if f.IntentID != "" {
		query += ` AND intent_id=?`
		args = append(args, f.IntentID)
	}
	query += ` ORDER BY created_at ASC, clarification_id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Clarification{}
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// StaleClarifications lists open clarifications whose expiry is at or before now.
func (r Repo) StaleClarifications(ctx context.Context, q Querier, now string) ([]domain.Clarification, error) {
	rows, err := r.q(q).QueryContext(ctx, r.bind(`SELECT `+clarificationColumns+` FROM clarifications WHERE status='open' AND expires_at<=? ORDER BY expires_at ASC`), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- artifacts ---

const artifactColumns = `id,intent_id,correlation_id,supersedes_intent_id,kind,intent_type,action,status,idempotency_key,artifact_version,artifact_hash,artifact,received_at`

func scanArtifact(row scanner) (domain.Artifact, error) {
	var a domain.Artifact
	var supersedes, intentType, action, key sql.NullString
	var body string
	err := row.Scan(&a.ID, &a.IntentID, &a.CorrelationID, &supersedes, &a.Kind, &intentType, &action, &a.Status, &key,
		&a.ArtifactVersion, &a.ArtifactHash, &body, &a.ReceivedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.SupersedesIntentID = strPtr(supersedes)
	a.IntentType = strPtr(intentType)
	a.Action = strPtr(action)
	a.IdempotencyKey = strPtr(key)
	a.Artifact = json.RawMessage(body)
	return a, nil
}

// ListArtifacts returns the audit trail of an intent in write order.
func (r Repo) ListArtifacts(ctx context.Context, q Querier, intentID string) ([]domain.Artifact, error) {
	rows, err := r.q(q).QueryContext(ctx, r.bind(`SELECT `+artifactColumns+` FROM intent_artifacts WHERE intent_id=? ORDER BY received_at ASC, id ASC`), intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestByCorrelation resolves a correlation group to its newest artifact.
func (r Repo) LatestByCorrelation(ctx context.Context, q Querier, correlationID string) (domain.Artifact, error) {
	return scanArtifact(r.q(q).QueryRowContext(ctx, r.bind(`SELECT `+artifactColumns+` FROM intent_artifacts WHERE correlation_id=? ORDER BY received_at DESC, id DESC LIMIT 1`), correlationID))
}

// ExecutedArtifact returns the successful execution recorded for an action key.
func (r Repo) ExecutedArtifact(ctx context.Context, q Querier, idempotencyKey string) (domain.Artifact, error) {
	return scanArtifact(r.q(q).QueryRowContext(ctx, r.bind(`SELECT `+artifactColumns+` FROM intent_artifacts WHERE idempotency_key=? AND status='executed' LIMIT 1`), idempotencyKey))
}

// ReceiptFor returns the received artifact of an intent.
func (r Repo) ReceiptFor(ctx context.Context, q Querier, intentID string) (domain.Artifact, error) {
	return scanArtifact(r.q(q).QueryRowContext(ctx, r.bind(`SELECT `+artifactColumns+` FROM intent_artifacts WHERE intent_id=? AND kind='intent' AND status='received' LIMIT 1`), intentID))
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func rawNullable(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func rawOrNil(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
