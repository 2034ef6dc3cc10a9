package store

import (
	"errors"
	"fmt"
	"testing"

	"creditlane/pkg/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestRegisterRaceLoserGetsTaxonomyError(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "users_pkey"}
	if !errors.Is(mapRegisterErr(dup), domain.ErrAlreadyRegistered) {
		t.Fatal("duplicate key not mapped to ALREADY_REGISTERED")
	}
	if !errors.Is(mapRegisterErr(fmt.Errorf("insert user: %w", dup)), domain.ErrAlreadyRegistered) {
		t.Fatal("wrapped duplicate key not mapped to ALREADY_REGISTERED")
	}
}

func TestRegisterOtherErrorsPassThrough(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001"}
	if errors.Is(mapRegisterErr(serialization), domain.ErrAlreadyRegistered) {
		t.Fatal("serialization failure misreported as ALREADY_REGISTERED")
	}
	plain := errors.New("db down")
	if got := mapRegisterErr(plain); got != plain {
		t.Fatalf("plain error rewritten: %v", got)
	}
	if got := mapRegisterErr(nil); got != nil {
		t.Fatalf("nil rewritten: %v", got)
	}
}
