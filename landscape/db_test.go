package landscape

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("postgres"), "whatever")
	if err == nil || !strings.Contains(err.Error(), "unsupported landscape dialect") {
		t.Errorf("expected dialect error, got %v", err)
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	db := newTestDB(t)
	// Second call takes the validation path over the freshly created schema.
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema on existing schema failed: %v", err)
	}
}

func TestValidateSchemaCollectsProblems(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, table := range []string{"artifacts", "secret_resolutions"} {
		if _, err := db.db.ExecContext(ctx, "DROP TABLE "+table); err != nil {
			t.Fatalf("dropping %s failed: %v", table, err)
		}
	}

	err := db.ValidateSchema(ctx)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"artifacts", "secret_resolutions", "landscape-migrate"} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q:\n%s", want, msg)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	orig := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.FixedZone("CET", 3600))
	s := formatTime(orig)
	if !strings.HasSuffix(s, "Z") {
		t.Errorf("formatTime did not normalize to UTC: %s", s)
	}
	parsed, err := parseTime(s)
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(orig) {
		t.Errorf("round trip changed instant: %v != %v", parsed, orig)
	}

	if _, err := parseTime("2025-03-14 09:26:53"); err == nil {
		t.Error("expected error for non-RFC3339 timestamp")
	} else if !strings.Contains(err.Error(), "malformed audit timestamp") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestClosedDBRefusesWork(t *testing.T) {
	db := newTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := db.QueryContext(context.Background(), "SELECT 1"); err == nil {
		t.Error("QueryContext succeeded on closed database")
	}
	if _, err := db.beginTx(context.Background()); err == nil {
		t.Error("beginTx succeeded on closed database")
	}
}
