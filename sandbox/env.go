package sandbox

import "strings"

// blockedEnvFragments are matched case-insensitively against variable
// names. Any name containing one of these never reaches a worker.
var blockedEnvFragments = []string{
	"session_key",
	"aws_",
	"azure_",
	"gcp_",
	"_secret",
}

// ScrubEnv filters an environment in the KEY=value form of os.Environ.
// Variables whose names contain a blocked fragment are dropped, as are any
// of the extra exact names (the signing key variable, typically). Malformed
// entries without an equals sign are dropped too.
func ScrubEnv(environ []string, extraBlocked ...string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || blockedEnvName(name, extraBlocked) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func blockedEnvName(name string, extra []string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range blockedEnvFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	for _, exact := range extra {
		if exact != "" && strings.EqualFold(name, exact) {
			return true
		}
	}
	return false
}
