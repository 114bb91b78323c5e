package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// EnvSecrets resolves plugin secrets from environment variables. A secret
// name maps to its variable by upper-casing and replacing separators, so
// "openai.api_key" reads OPENAI_API_KEY. Each distinct name is reported
// once through Record with a value fingerprint, never the value.
type EnvSecrets struct {
	// Record, when set, receives each first resolution for the audit
	// trail. The fingerprint is a short hash of the value; equal values
	// produce equal fingerprints across runs.
	Record func(ctx context.Context, name, fingerprint string)

	mu   sync.Mutex
	seen map[string]bool
}

// Resolve reads the secret's environment variable. Unset and empty both
// fail: a plugin asking for a secret cannot do anything useful with "".
func (e *EnvSecrets) Resolve(ctx context.Context, name string) (string, error) {
	envName := EnvVarName(name)
	value := os.Getenv(envName)
	if value == "" {
		return "", fmt.Errorf("secret %q: environment variable %s is not set", name, envName)
	}
	if e.Record != nil {
		e.mu.Lock()
		first := !e.seen[name]
		if first {
			if e.seen == nil {
				e.seen = make(map[string]bool)
			}
			e.seen[name] = true
		}
		e.mu.Unlock()
		if first {
			e.Record(ctx, name, Fingerprint(value))
		}
	}
	return value, nil
}

// EnvVarName maps a secret name onto its environment variable.
func EnvVarName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', ' ', '/':
			return '_'
		}
		return r
	}, name)
	return strings.ToUpper(mapped)
}

// Fingerprint is the audit-safe identity of a secret value: the first 16
// hex characters of its hash. Enough to see that two runs used the same
// credential, useless for recovering it.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
