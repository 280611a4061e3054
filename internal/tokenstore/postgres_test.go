package tokenstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"tenantgate.org/internal/auth"
)

func TestPostgresSetAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	s := New(NewPostgres(db, "console"))
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("insert into session_state").WithArgs("console", KeyRefreshToken, "R1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into session_state").WithArgs("console", KeyToken, "T1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Set(ctx, auth.Credential{Token: "T1", RefreshToken: "R1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mock.ExpectQuery("select value from session_state").WithArgs("console", KeyToken).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("T1"))
	mock.ExpectQuery("select value from session_state").WithArgs("console", KeyRefreshToken).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("R1"))

	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Token != "T1" || got.RefreshToken != "R1" {
		t.Fatalf("unexpected credential: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSetWithoutRefreshTokenIsOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	s := New(NewPostgres(db, "console"))
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("insert into session_state").WithArgs("console", KeyToken, "T2").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("delete from session_state").WithArgs("console", KeyRefreshToken).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := s.Set(ctx, auth.Credential{Token: "T2"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into session_state").WithArgs("console", KeyToken, "T3").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("delete from session_state").WithArgs("console", KeyRefreshToken).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	if err := s.Set(ctx, auth.Credential{Token: "T3"}); err == nil {
		t.Fatalf("expected Set to fail")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGetEmptyAndClear(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	s := New(NewPostgres(db, ""))
	ctx := context.Background()

	mock.ExpectQuery("select value from session_state").WithArgs("default", KeyToken).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	got, err := s.Get(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected nil credential, got %+v err=%v", got, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("delete from session_state").WithArgs("default", KeyToken).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from session_state").WithArgs("default", KeyRefreshToken).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists session_state_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from session_state_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_session_state.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create index if not exists session_state_updated_at_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into session_state_migrations").
		WithArgs("0002_session_state_updated_idx.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := NewPostgres(db, "p").EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
