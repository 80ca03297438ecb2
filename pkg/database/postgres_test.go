package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestConnectRequiresURL(t *testing.T) {
	logger, _ := test.NewNullLogger()
	if _, err := Connect(context.Background(), Config{}, logger); err == nil {
		t.Fatalf("expected error for empty URL")
	}
}

func TestApplySchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS b").WillReturnResult(sqlmock.NewResult(0, 0))

	schema := "CREATE TABLE IF NOT EXISTS a (id int);\n\nCREATE TABLE IF NOT EXISTS b (id int);\n"
	if err := ApplySchema(context.Background(), db, schema); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplySchemaStopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectExec("CREATE TABLE a").WillReturnError(boom)

	err = ApplySchema(context.Background(), db, "CREATE TABLE a (id int); CREATE TABLE b (id int)")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
