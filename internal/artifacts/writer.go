// Package artifacts appends audit rows to intent_artifacts. Rows are never
// updated; every write happens inside the caller's transaction so a stage
// transition and its artifact commit or fail together.
package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matthewcove-stack/intent-normaliser/internal/canonical"
	"github.com/matthewcove-stack/intent-normaliser/internal/db"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

type Writer struct {
	Dialect db.Dialect
	Version int
	Now     func() time.Time
}

// Record is one stage transition to log.
type Record struct {
	IntentID           string
	CorrelationID      string
	SupersedesIntentID string
	Kind               domain.ArtifactKind
	IntentType         string
	Action             string
	Status             string
	IdempotencyKey     string
	Payload            any
}

// Append inserts rec and returns the stored row.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (domain.Artifact, error) {
	art, inserted, err := w.insert(ctx, tx, rec, false)
	if err != nil {
		return domain.Artifact{}, err
	}
	if !inserted {
		return domain.Artifact{}, fmt.Errorf("artifact %s for intent %s was not recorded", rec.Status, rec.IntentID)
	}
	return art, nil
}

// AppendOnce inserts rec unless a unique constraint already holds an
// equivalent row, in which case inserted is false and the caller should read
// the existing row back.
func (w Writer) AppendOnce(ctx context.Context, tx *sql.Tx, rec Record) (domain.Artifact, bool, error) {
	return w.insert(ctx, tx, rec, true)
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, rec Record, ignoreConflict bool) (domain.Artifact, bool, error) {
	if rec.IntentID == "" || rec.CorrelationID == "" {
		return domain.Artifact{}, false, fmt.Errorf("artifact requires intent_id and correlation_id")
	}
	if rec.Kind == "" {
		rec.Kind = domain.ArtifactIntent
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Artifact{}, false, fmt.Errorf("marshal artifact payload: %w", err)
	}
	hash, err := canonical.HashValue(json.RawMessage(body))
	if err != nil {
		return domain.Artifact{}, false, err
	}
	receivedAt, err := w.receivedAt(ctx, tx, rec.IntentID)
	if err != nil {
		return domain.Artifact{}, false, err
	}
	version := w.Version
	if version <= 0 {
		version = 1
	}
	art := domain.Artifact{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		IntentID:           rec.IntentID,
		CorrelationID:      rec.CorrelationID,
		SupersedesIntentID: optional(rec.SupersedesIntentID),
		Kind:               rec.Kind,
		IntentType:         optional(rec.IntentType),
		Action:             optional(rec.Action),
		Status:             rec.Status,
		IdempotencyKey:     optional(rec.IdempotencyKey),
		ArtifactVersion:    version,
		ArtifactHash:       hash,
		Artifact:           body,
		ReceivedAt:         receivedAt,
	}
	query := `INSERT INTO intent_artifacts(id,intent_id,correlation_id,supersedes_intent_id,kind,intent_type,action,status,idempotency_key,artifact_version,artifact_hash,artifact,received_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`
	if ignoreConflict {
		query += ` ON CONFLICT DO NOTHING`
	}
	res, err := tx.ExecContext(ctx, w.Dialect.Rebind(query),
		art.ID, art.IntentID, art.CorrelationID, nullable(rec.SupersedesIntentID), string(art.Kind),
		nullable(rec.IntentType), nullable(rec.Action), art.Status, nullable(rec.IdempotencyKey),
		art.ArtifactVersion, art.ArtifactHash, string(body), art.ReceivedAt)
	if err != nil {
		return domain.Artifact{}, false, fmt.Errorf("insert artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Artifact{}, false, err
	}
	return art, affected > 0, nil
}

// receivedAt clamps the clock so rows for one intent never go backwards.
func (w Writer) receivedAt(ctx context.Context, tx *sql.Tx, intentID string) (string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := domain.FormatTime(now())
	var latest sql.NullString
	err := tx.QueryRowContext(ctx, w.Dialect.Rebind(`SELECT MAX(received_at) FROM intent_artifacts WHERE intent_id=?`), intentID).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read latest artifact: %w", err)
	}
	if latest.Valid && latest.String > ts {
		return latest.String, nil
	}
	return ts, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
