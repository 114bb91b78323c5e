// Package secure holds the data-custody side of out-of-process execution.
// When rows are shipped to a sandboxed worker, the orchestrator remains the
// sole owner of the actual data: the worker sees an opaque proxy handle, the
// registry keeps the frame, and every read re-verifies a tamper-evident seal.
package secure

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/elspeth-run/elspeth/canonical"
	"github.com/elspeth-run/elspeth/contract"
)

// SecurityLevel bounds. Levels grade how much scrutiny a frame's contents
// demand; the registry enforces the range but attaches no policy to it.
const (
	MinSecurityLevel = 0
	MaxSecurityLevel = 4
)

// SecurityError reports a custody violation: a tampered seal, a revoked
// proxy, or an access against a retired frame. The message is deliberately
// terse; it never carries seal material or frame contents.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return "security violation: " + e.Message
}

// Frame is the in-memory dataframe the registry guards. Rows use the same
// shape plugins exchange, one map per row.
type Frame struct {
	Rows []map[string]any
}

// Clone deep-copies the frame one row level down. Nested values are shared;
// workers receive a serialized copy anyway, so only the row maps need to be
// independent.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	rows := make([]map[string]any, len(f.Rows))
	for i, row := range f.Rows {
		dup := make(map[string]any, len(row))
		for k, v := range row {
			dup[k] = v
		}
		rows[i] = dup
	}
	return &Frame{Rows: rows}
}

// Digest returns the BLAKE3 digest of the frame's canonical encoding.
func (f *Frame) Digest() ([32]byte, error) {
	data, err := canonical.MarshalCanonical(f.Rows)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonicalizing frame: %w", err)
	}
	return blake3.Sum256(data), nil
}

type frameEntry struct {
	sealed    *SealedFrame
	digest    [32]byte
	level     int
	createdAt time.Time
}

// FrameRegistry maps stable frame ids to sealed frames and their cached
// digests. The digest is recomputed only through ApproveMutation; reads reuse
// the cached value. Deregistered ids join a retired set and are never issued
// again.
type FrameRegistry struct {
	mu      sync.Mutex
	entries map[string]*frameEntry
	retired map[string]bool

	newID func() string
	now   func() time.Time
}

// NewFrameRegistry returns an empty registry.
func NewFrameRegistry() *FrameRegistry {
	return &FrameRegistry{
		entries: map[string]*frameEntry{},
		retired: map[string]bool{},
		newID:   func() string { return contract.NewID(contract.PrefixFrame) },
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register takes custody of a frame at the given security level and returns
// its new frame id. The frame is sealed immediately; the caller must not
// mutate it afterwards except through ApproveMutation.
func (r *FrameRegistry) Register(frame *Frame, securityLevel int) (string, error) {
	if frame == nil {
		return "", fmt.Errorf("cannot register a nil frame")
	}
	if securityLevel < MinSecurityLevel || securityLevel > MaxSecurityLevel {
		return "", fmt.Errorf("security level must be between %d and %d, got %d",
			MinSecurityLevel, MaxSecurityLevel, securityLevel)
	}
	digest, err := frame.Digest()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.retired[id] || r.entries[id] != nil {
		id = r.newID()
	}
	r.entries[id] = &frameEntry{
		sealed:    sealFrame(frame, securityLevel, id),
		digest:    digest,
		level:     securityLevel,
		createdAt: r.now(),
	}
	return id, nil
}

// Frame returns the frame behind id. The seal is verified on every access;
// a frame whose seal no longer matches is unreachable.
func (r *FrameRegistry) Frame(id string) (*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return entry.sealed.Access()
}

// Digest returns the cached digest for id without touching the frame data.
func (r *FrameRegistry) Digest(id string) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.lookup(id)
	if err != nil {
		return [32]byte{}, err
	}
	if err := entry.sealed.Verify(); err != nil {
		return [32]byte{}, err
	}
	return entry.digest, nil
}

// SecurityLevel returns the level the frame was registered at.
func (r *FrameRegistry) SecurityLevel(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return entry.level, nil
}

// ApproveMutation applies mutate to the frame under the registry lock and
// recomputes the cached digest. This is the only path that changes a frame
// after registration. If mutate returns an error the digest is untouched,
// though partial edits mutate may have made to the frame remain visible.
func (r *FrameRegistry) ApproveMutation(id string, mutate func(*Frame) error) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.lookup(id)
	if err != nil {
		return [32]byte{}, err
	}
	frame, err := entry.sealed.Access()
	if err != nil {
		return [32]byte{}, err
	}
	if err := mutate(frame); err != nil {
		return [32]byte{}, fmt.Errorf("mutation of frame %s rejected: %w", id, err)
	}
	digest, err := frame.Digest()
	if err != nil {
		return [32]byte{}, err
	}
	entry.digest = digest
	return digest, nil
}

// Deregister releases the frame and retires its id permanently.
func (r *FrameRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookup(id); err != nil {
		return err
	}
	delete(r.entries, id)
	r.retired[id] = true
	return nil
}

// Retired reports whether id once named a frame and has been released.
func (r *FrameRegistry) Retired(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired[id]
}

// Len returns the number of live frames.
func (r *FrameRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *FrameRegistry) lookup(id string) (*frameEntry, error) {
	if r.retired[id] {
		return nil, &SecurityError{Message: fmt.Sprintf("frame %s has been retired", id)}
	}
	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q", id)
	}
	return entry, nil
}
