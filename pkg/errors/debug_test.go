package errors

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

func TestDumpCapturesPostgresFields(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "cart_reservations_cart_variant_key", TableName: "cart_reservations"}
	err := Wrap(CodeTransient, fmt.Errorf("insert: %w", pgErr), "create reservation")

	d := Dump(err)
	if d.Code != CodeTransient {
		t.Fatalf("expected transient code, got %s", d.Code)
	}
	if !d.Retryable {
		t.Fatal("expected retryable dump")
	}
	if d.PGCode != "23505" || d.PGConstraint != "cart_reservations_cart_variant_key" {
		t.Fatalf("unexpected pg fields: %+v", d)
	}
	if len(d.Chain) < 2 {
		t.Fatalf("expected full chain, got %v", d.Chain)
	}
}

func TestDumpCapturesSQLiteCodes(t *testing.T) {
	err := fmt.Errorf("begin: %w", sqlite3.Error{Code: sqlite3.ErrBusy})

	d := Dump(err)
	if d.SQLiteCode != int(sqlite3.ErrBusy) {
		t.Fatalf("expected busy code, got %d", d.SQLiteCode)
	}
	if d.Code != "" {
		t.Fatalf("untyped error should not carry a code, got %s", d.Code)
	}
}

func TestDumpNil(t *testing.T) {
	if d := Dump(nil); d.TopMessage != "" || d.Chain != nil {
		t.Fatalf("expected empty dump, got %+v", d)
	}
}
