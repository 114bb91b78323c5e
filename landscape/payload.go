package landscape

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
)

// ErrPayloadNotFound reports a reference whose bytes are absent from the
// store. Replay turns this into a payload-missing failure.
var ErrPayloadNotFound = errors.New("payload not found")

const refPrefix = "sha256:"

// PayloadStore keeps large values out of the database: request and response
// bodies, source row payloads, anything referenced by a *_ref column. Files
// are addressed by the SHA-256 of their content, so identical payloads are
// stored once and a reference can always be re-verified against its bytes.
type PayloadStore struct {
	root string
}

// NewPayloadStore opens (creating if needed) a payload store rooted at dir.
func NewPayloadStore(dir string) (*PayloadStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("payload store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create payload store at %s: %w", dir, err)
	}
	return &PayloadStore{root: dir}, nil
}

// Store writes data and returns its reference ("sha256:<hex>"). Storing the
// same bytes twice is a no-op returning the same reference.
func (s *PayloadStore) Store(data []byte) (string, error) {
	hash := canonical.HashBytes(data)
	path := s.pathFor(hash)

	if _, err := os.Stat(path); err == nil {
		return refPrefix + hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create payload shard: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written payload
	// under its final name.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".payload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create payload temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write payload %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close payload %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize payload %s: %w", hash, err)
	}
	return refPrefix + hash, nil
}

// Fetch loads the bytes behind a reference and re-verifies them against the
// hash in the reference. A digest mismatch means the store was tampered
// with or corrupted, which is a Tier-1 integrity failure.
func (s *PayloadStore) Fetch(ref string) ([]byte, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pathFor(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload %s: %w", ref, err)
	}
	if got := canonical.HashBytes(data); got != hash {
		return nil, &contract.AuditIntegrityError{
			Message: fmt.Sprintf("payload %s does not match its digest (stored bytes hash to %s)", ref, got),
		}
	}
	return data, nil
}

// Has reports whether the store holds bytes for the reference. It does not
// verify them; Fetch does.
func (s *PayloadStore) Has(ref string) bool {
	hash, err := parseRef(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.pathFor(hash))
	return err == nil
}

// Purge removes the payloads behind the given references. Absent payloads
// are skipped; retention sweeps pass refs that may already be gone.
func (s *PayloadStore) Purge(refs []string) error {
	for _, ref := range refs {
		hash, err := parseRef(ref)
		if err != nil {
			return err
		}
		if err := os.Remove(s.pathFor(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to purge payload %s: %w", ref, err)
		}
	}
	return nil
}

// Root returns the store's directory.
func (s *PayloadStore) Root() string { return s.root }

// Payloads live under <root>/sha256/<first two hex>/<hash> so one directory
// never accumulates millions of entries and a future digest change gets its
// own namespace.
func (s *PayloadStore) pathFor(hash string) string {
	return filepath.Join(s.root, "sha256", hash[:2], hash)
}

func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fmt.Errorf("malformed payload reference %q", ref)
	}
	hash := ref[len(refPrefix):]
	if len(hash) != 64 {
		return "", fmt.Errorf("malformed payload reference %q", ref)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("malformed payload reference %q", ref)
		}
	}
	return hash, nil
}
