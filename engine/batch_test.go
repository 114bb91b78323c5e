package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elspeth-run/elspeth/contract"
)

func successResult(t *testing.T, data map[string]any) contract.TransformResult {
	t.Helper()
	row := contract.NewRow(data, contract.NewObservedContract())
	res, err := contract.TransformSuccess(row, contract.SuccessReason{Action: "test"})
	if err != nil {
		t.Fatalf("TransformSuccess failed: %v", err)
	}
	return res
}

func TestResultPortDelivery(t *testing.T) {
	port := NewResultPort(nil)
	w, err := port.Register("tok_1", "st_1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	want := successResult(t, map[string]any{"n": 1})
	go port.Emit("tok_1", want, "st_1")

	res, err := w.Await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	row, err := res.Row()
	if err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	if got := row.Data()["n"]; got != 1 {
		t.Errorf("delivered row n = %v, want 1", got)
	}
	if port.Pending() != 0 {
		t.Errorf("Pending = %d after delivery, want 0", port.Pending())
	}
}

func TestResultPortError(t *testing.T) {
	port := NewResultPort(nil)
	w, err := port.Register("tok_1", "st_1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	boom := errors.New("transport down")
	go port.EmitError("tok_1", boom, "st_1")

	if _, err := w.Await(context.Background(), time.Second); !errors.Is(err, boom) {
		t.Errorf("Await error = %v, want the emitted one", err)
	}
}

func TestResultPortDuplicateRegister(t *testing.T) {
	port := NewResultPort(nil)
	if _, err := port.Register("tok_1", "st_1"); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if _, err := port.Register("tok_1", "st_1"); err == nil {
		t.Error("duplicate Register succeeded")
	}
}

func TestResultPortStaleDiscard(t *testing.T) {
	port := NewResultPort(nil)

	// No waiter at all: the result is stale on arrival.
	port.Emit("tok_ghost", successResult(t, map[string]any{"n": 0}), "st_ghost")
	if got := port.StaleDiscards(); got != 1 {
		t.Fatalf("StaleDiscards = %d, want 1", got)
	}

	// A timed-out waiter removes itself; the late emit is stale too.
	w, err := port.Register("tok_1", "st_1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err = w.Await(context.Background(), time.Millisecond)
	var timeout *ResultTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Await error = %v, want *ResultTimeoutError", err)
	}
	if timeout.TokenID != "tok_1" || timeout.StateID != "st_1" {
		t.Errorf("timeout identifies (%s, %s), want (tok_1, st_1)", timeout.TokenID, timeout.StateID)
	}
	if !timeout.Timeout() {
		t.Error("ResultTimeoutError must advertise Timeout for the retry policy")
	}
	port.Emit("tok_1", successResult(t, map[string]any{"n": 1}), "st_1")
	if got := port.StaleDiscards(); got != 2 {
		t.Errorf("StaleDiscards = %d, want 2", got)
	}
	if port.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", port.Pending())
	}
}

func TestResultPortRetryIsolation(t *testing.T) {
	// A retry registers under a new state id. The old attempt's late result
	// must not reach the new waiter.
	port := NewResultPort(nil)
	w1, err := port.Register("tok_1", "st_attempt0")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := w1.Await(context.Background(), time.Millisecond); err == nil {
		t.Fatal("expected a timeout")
	}

	w2, err := port.Register("tok_1", "st_attempt1")
	if err != nil {
		t.Fatalf("Register for retry failed: %v", err)
	}
	port.Emit("tok_1", successResult(t, map[string]any{"attempt": 0}), "st_attempt0")
	port.Emit("tok_1", successResult(t, map[string]any{"attempt": 1}), "st_attempt1")

	res, err := w2.Await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	row, _ := res.Row()
	if got := row.Data()["attempt"]; got != 1 {
		t.Errorf("retry received attempt %v, want 1", got)
	}
	if got := port.StaleDiscards(); got != 1 {
		t.Errorf("StaleDiscards = %d, want 1", got)
	}
}

func TestResultPortAwaitCancel(t *testing.T) {
	port := NewResultPort(nil)
	w, err := port.Register("tok_1", "st_1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Await(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Await error = %v, want context.Canceled", err)
	}
	if port.Pending() != 0 {
		t.Errorf("Pending = %d after cancel, want 0", port.Pending())
	}
}
