package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: i/o timeout")
	err := Wrap(CodeConnectionFailed, cause, "")

	if CodeOf(err) != CodeConnectionFailed {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through errors.Is")
	}
	if MessageOf(err) != "connection to network failed" {
		t.Fatalf("unexpected message %q", MessageOf(err))
	}
	if !RetryableError(err) {
		t.Fatal("connection failures are retryable by default")
	}
}

func TestHasCodeThroughFmtWrapping(t *testing.T) {
	inner := New(CodeChainRejected, "insufficient funds")
	outer := fmt.Errorf("submit: %w", inner)

	if !HasCode(outer, CodeChainRejected) {
		t.Fatal("expected CHAIN_REJECTED to be found in chain")
	}
	if HasCode(outer, CodeOutcomeUncertain) {
		t.Fatal("unexpected OUTCOME_UNCERTAIN match")
	}
	if MessageOf(outer) != "insufficient funds" {
		t.Fatalf("unexpected message %q", MessageOf(outer))
	}
}

func TestOverridesAndRegistry(t *testing.T) {
	err := New(CodeChainRejected, "nonce too low", WithRetryable(true), WithSeverity(SeverityCritical), WithAlert(true))
	if !err.Retryable() || err.Severity() != SeverityCritical || !err.ShouldAlert() {
		t.Fatalf("overrides not applied: %+v", err)
	}

	Register("TEST_ONLY", Attributes{Message: "test only", Severity: SeverityInfo})
	if AttributesOf("TEST_ONLY").Message != "test only" {
		t.Fatal("registered code not visible")
	}
	if AttributesOf("MISSING").Severity != SeverityCritical {
		t.Fatal("unregistered code should fall back to UNKNOWN")
	}
	if !ShouldAlert(New(CodeOutcomeUncertain, "")) {
		t.Fatal("uncertain outcomes must alert")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeOutcomeUncertain, "", WithMetadata("tx_hash", "0xabc"))
	md := err.Metadata()
	md["tx_hash"] = "mutated"
	if err.Metadata()["tx_hash"] != "0xabc" {
		t.Fatal("metadata must be returned as a copy")
	}
}
