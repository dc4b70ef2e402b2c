package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessageIncludesKind(t *testing.T) {
	err := Validation("amount must be positive")
	if got := err.Error(); !strings.Contains(got, "validation_error") || !strings.Contains(got, "amount must be positive") {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestConflictCarriesCurrentStatus(t *testing.T) {
	err := Conflict("disputed", "confirmation is frozen")
	if err.CurrentStatus != "disputed" {
		t.Fatalf("expected current status disputed, got %q", err.CurrentStatus)
	}
	if got := err.Error(); !strings.Contains(got, "current status: disputed") {
		t.Fatalf("message should surface the current status: %q", got)
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("escrow e1"))

	if !errors.Is(err, NotFound("")) {
		t.Fatal("bare not_found sentinel should match any not_found error")
	}
	if errors.Is(err, Conflict("", "")) {
		t.Fatal("conflict sentinel must not match a not_found error")
	}
	if !errors.Is(err, NotFound("escrow e1")) {
		t.Fatal("exact message should also match")
	}
	if errors.Is(err, NotFound("escrow e2")) {
		t.Fatal("different message must not match")
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Authorization("not a party"))
	if !IsKind(err, KindAuthorization) {
		t.Fatal("expected authorization kind to match through wrapping")
	}
	if IsKind(err, KindValidation) {
		t.Fatal("validation kind must not match")
	}
	if IsKind(errors.New("plain"), KindValidation) {
		t.Fatal("plain error has no kind")
	}
}

func TestExternalWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := External(cause, "ledger anchor failed")
	if !errors.Is(err, cause) {
		t.Fatal("expected External to wrap the cause")
	}
	if !IsKind(err, KindExternal) {
		t.Fatal("expected external_dependency kind")
	}
}
