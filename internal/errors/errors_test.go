package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormattingAndUnwrap(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeTimeout, cause, "venue zeroex")

	if got := err.Error(); got != "[TIMEOUT] venue zeroex: dial tcp: refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeTimeout, "")) {
		t.Fatal("expected errors.Is to match on code")
	}
	if stdErrors.Is(err, New(CodeNoLiquidity, "")) {
		t.Fatal("different codes must not match")
	}
}

func TestDefaultsFromRegistry(t *testing.T) {
	err := New(CodeSubmissionFailed, "")
	if err.Message() != "transaction submission failed" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
	if !err.ShouldAlert() {
		t.Fatal("submission failures must alert")
	}
	if err.Retryable() {
		t.Fatal("submission failures are never retried by the core")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity %s", err.Severity())
	}

	expired := New(CodeQuoteExpired, "")
	if !expired.Retryable() || expired.ShouldAlert() {
		t.Fatalf("unexpected attributes for quote expiry: retry=%v alert=%v", expired.Retryable(), expired.ShouldAlert())
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeTimeout, "slow", WithAlert(true), WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("venue", "paraswap"))
	if !err.ShouldAlert() || err.Retryable() || err.Severity() != SeverityCritical {
		t.Fatalf("options not applied: %+v", err)
	}
	meta := err.Metadata()
	if meta["venue"] != "paraswap" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	meta["venue"] = "mutated"
	if err.Metadata()["venue"] != "paraswap" {
		t.Fatal("metadata must be returned as a copy")
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := New(CodePendingUnknown, "still waiting")
	wrapped := fmt.Errorf("execute: %w", base)

	if CodeOf(wrapped) != CodePendingUnknown {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if !HasCode(wrapped, CodePendingUnknown) {
		t.Fatal("HasCode should see through wrapping")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors map to UNKNOWN")
	}
	if !ShouldAlert(wrapped) {
		t.Fatal("pending unknown should alert")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" || !err.Retryable() || err.Severity() != SeverityWarning {
		t.Fatalf("registered attributes not applied: %+v", AttributesOf(code))
	}
	if AttributesOf("NOT_REGISTERED").Message != "unknown error" {
		t.Fatal("unregistered codes fall back to UNKNOWN")
	}
}
