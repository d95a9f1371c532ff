package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/matthewcove-stack/intent-normaliser/internal/config"
	"github.com/matthewcove-stack/intent-normaliser/internal/db"
	"github.com/matthewcove-stack/intent-normaliser/internal/engine"
	"github.com/matthewcove-stack/intent-normaliser/internal/pipeline"
)

// A request whose artifact cannot be written must fail and leave nothing behind.
func TestArtifactWriteFailureIsFatal(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	mock.ExpectQuery("FROM intents WHERE idempotency_key").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO intents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT MAX\(received_at\) FROM intent_artifacts`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO intent_artifacts").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	schema, err := pipeline.NewSchema()
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, db.SQLite, config.Default(), &pipeline.Pipeline{Schema: schema}, nil, nil)
	out, err := eng.Ingest(context.Background(), []byte(`{"kind":"intent","intent_type":"noop"}`), "alice")
	if err == nil {
		t.Fatalf("expected error, got outcome %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
