package config

import (
	"context"
	"testing"
)

func TestEnvVarName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"openai.api_key", "OPENAI_API_KEY"},
		{"anthropic-key", "ANTHROPIC_KEY"},
		{"azure/storage key", "AZURE_STORAGE_KEY"},
		{"PLAIN", "PLAIN"},
	}
	for _, tc := range cases {
		if got := EnvVarName(tc.in); got != tc.want {
			t.Errorf("EnvVarName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEnvSecretsResolve(t *testing.T) {
	t.Setenv("ELSPETH_TEST_TOKEN", "hunter2")

	var recorded []string
	secrets := &EnvSecrets{
		Record: func(_ context.Context, name, fingerprint string) {
			recorded = append(recorded, name+":"+fingerprint)
		},
	}
	ctx := context.Background()

	got, err := secrets.Resolve(ctx, "elspeth.test.token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Resolve = %q, want %q", got, "hunter2")
	}

	// Second resolution returns the value but does not re-record.
	if _, err := secrets.Resolve(ctx, "elspeth.test.token"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("recorded %d resolutions, want 1", len(recorded))
	}
	want := "elspeth.test.token:" + Fingerprint("hunter2")
	if recorded[0] != want {
		t.Errorf("recorded %q, want %q", recorded[0], want)
	}

	if _, err := secrets.Resolve(ctx, "elspeth.test.absent"); err == nil {
		t.Error("Resolve accepted an unset variable")
	}
}

func TestFingerprintIsStableAndShort(t *testing.T) {
	a := Fingerprint("value")
	if a != Fingerprint("value") {
		t.Error("equal values fingerprint differently")
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(a))
	}
	if a == Fingerprint("other") {
		t.Error("different values share a fingerprint")
	}
}
