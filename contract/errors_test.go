package contract

import (
	"errors"
	"strings"
	"testing"
)

func TestViolationMessages(t *testing.T) {
	t.Run("missing field names both forms", func(t *testing.T) {
		err := &MissingFieldError{NormalizedName: "customer_id", OriginalName: "Customer ID"}
		if want := "required field 'Customer ID' (customer_id) is missing"; err.Error() != want {
			t.Errorf("got %q, want %q", err.Error(), want)
		}
	})

	t.Run("extra field names both forms", func(t *testing.T) {
		err := &ExtraFieldError{NormalizedName: "surprise", OriginalName: "Surprise!"}
		if !strings.Contains(err.Error(), "'Surprise!' (surprise)") {
			t.Errorf("unexpected message: %q", err.Error())
		}
	})
}

func TestViolationsToReason(t *testing.T) {
	t.Run("single violation maps directly", func(t *testing.T) {
		reason := ViolationsToReason([]Violation{
			&MissingFieldError{NormalizedName: "a", OriginalName: "A"},
		})
		if reason.Reason != "contract_violation" || reason.ViolationType != "missing_field" {
			t.Errorf("unexpected reason: %+v", reason)
		}
		if reason.Field != "a" || reason.OriginalField != "A" {
			t.Errorf("field names not carried: %+v", reason)
		}
	})

	t.Run("multiple violations wrapped with count", func(t *testing.T) {
		reason := ViolationsToReason([]Violation{
			&MissingFieldError{NormalizedName: "a", OriginalName: "A"},
			&TypeMismatchError{NormalizedName: "b", OriginalName: "B", Expected: TypeInt, Actual: "string"},
		})
		if reason.Reason != "multiple_contract_violations" {
			t.Errorf("expected wrapper reason, got %q", reason.Reason)
		}
		if reason.Count != 2 || len(reason.Violations) != 2 {
			t.Errorf("expected 2 nested violations, got count=%d len=%d", reason.Count, len(reason.Violations))
		}
		if reason.Violations[1].ViolationType != "type_mismatch" {
			t.Errorf("nested violation lost detail: %+v", reason.Violations[1])
		}
	})
}

func TestParseEnums_RejectUnknownStoredValues(t *testing.T) {
	t.Run("token outcome", func(t *testing.T) {
		if _, err := ParseTokenOutcome("completed"); err != nil {
			t.Errorf("known value rejected: %v", err)
		}
		_, err := ParseTokenOutcome("exploded")
		if err == nil {
			t.Fatal("expected error for unknown outcome")
		}
		var integrity *AuditIntegrityError
		if !errors.As(err, &integrity) {
			t.Errorf("expected AuditIntegrityError, got %T", err)
		}
	})

	t.Run("run status", func(t *testing.T) {
		_, err := ParseRunStatus("paused")
		var integrity *AuditIntegrityError
		if !errors.As(err, &integrity) {
			t.Errorf("expected AuditIntegrityError, got %T", err)
		}
	})

	t.Run("routing mode", func(t *testing.T) {
		_, err := ParseRoutingMode("teleport")
		var integrity *AuditIntegrityError
		if !errors.As(err, &integrity) {
			t.Errorf("expected AuditIntegrityError, got %T", err)
		}
	})

	t.Run("determinism is a config error not integrity", func(t *testing.T) {
		_, err := ParseDeterminism("mostly_deterministic")
		if err == nil {
			t.Fatal("expected error")
		}
		var integrity *AuditIntegrityError
		if errors.As(err, &integrity) {
			t.Error("determinism parses config, not stored audit data")
		}
	})
}

func TestTokenOutcome_IsTerminal(t *testing.T) {
	for _, o := range []TokenOutcome{
		OutcomeCompleted, OutcomeRouted, OutcomeForked, OutcomeFailed,
		OutcomeQuarantined, OutcomeConsumedInBatch, OutcomeCoalesced, OutcomeExpanded,
	} {
		if !o.IsTerminal() {
			t.Errorf("%s should be terminal", o)
		}
	}
	if OutcomeBuffered.IsTerminal() {
		t.Error("buffered must be the only non-terminal outcome")
	}
}

func TestRunInterruptedError_ResumeHint(t *testing.T) {
	err := &RunInterruptedError{RunID: "run_01ABC", RowsProcessed: 42}
	msg := err.Error()
	if !strings.Contains(msg, "resume --run-id run_01ABC") {
		t.Errorf("expected resume hint, got %q", msg)
	}
	if !strings.Contains(msg, "42") {
		t.Errorf("expected row count, got %q", msg)
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := &AuditIntegrityError{Message: "insert failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}

	pipeErr := &PipelineError{Message: "node crashed", Code: "node_failure", NodeID: "node_abc123", Cause: cause}
	if !errors.Is(pipeErr, cause) {
		t.Error("expected PipelineError to unwrap its cause")
	}
	if !strings.Contains(pipeErr.Error(), "node_abc123") {
		t.Errorf("expected node id in message, got %q", pipeErr.Error())
	}
}
