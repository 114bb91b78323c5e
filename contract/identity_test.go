package contract

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	t.Run("prefixed and unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id := NewID(PrefixToken)
			if !strings.HasPrefix(id, "tok_") {
				t.Fatalf("expected tok_ prefix, got %q", id)
			}
			if len(id) != len("tok_")+26 {
				t.Fatalf("expected 26-char ULID suffix, got %q", id)
			}
			if seen[id] {
				t.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
	})

	t.Run("ids sort by creation time", func(t *testing.T) {
		a := NewID(PrefixRun)
		b := NewID(PrefixRun)
		if a >= b {
			// ULIDs within the same millisecond use monotonic entropy,
			// so later calls always compare greater.
			t.Errorf("expected %q < %q", a, b)
		}
	})
}
