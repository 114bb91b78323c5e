package secure

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/elspeth-run/elspeth/contract"
)

// ProxyInfo is the snapshot Resolve returns. Version counts approved
// mutations since issue; a worker comparing versions across calls can tell
// whether the frame changed underneath it.
type ProxyInfo struct {
	FrameID      string
	Version      int
	CreatedAt    time.Time
	LastAccessed time.Time
}

type proxyEntry struct {
	frameID      string
	version      int
	createdAt    time.Time
	lastAccessed time.Time
}

// ProxyTable maps opaque proxy ids to frame ids. Workers only ever hold
// proxy ids; the frame id and the frame itself stay on the orchestrator
// side. Revocation is permanent: a revoked id never resolves again and is
// never reissued.
type ProxyTable struct {
	mu      sync.Mutex
	entries map[string]*proxyEntry
	revoked map[string]bool

	newID func() string
	now   func() time.Time
}

// NewProxyTable returns an empty table.
func NewProxyTable() *ProxyTable {
	return &ProxyTable{
		entries: map[string]*proxyEntry{},
		revoked: map[string]bool{},
		newID:   newProxyID,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// newProxyID returns "proxy_" plus 32 hex characters of OS randomness. The
// id carries no structure a worker could mine; unlike frame ids it is not
// time-sortable.
func newProxyID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("secure: proxy id entropy unavailable: " + err.Error())
	}
	return contract.PrefixProxy + "_" + hex.EncodeToString(buf[:])
}

// Issue creates a proxy handle for frameID at version 1.
func (t *ProxyTable) Issue(frameID string) (string, error) {
	if frameID == "" {
		return "", fmt.Errorf("cannot issue a proxy for an empty frame id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.newID()
	for t.revoked[id] || t.entries[id] != nil {
		id = t.newID()
	}
	now := t.now()
	t.entries[id] = &proxyEntry{
		frameID:      frameID,
		version:      1,
		createdAt:    now,
		lastAccessed: now,
	}
	return id, nil
}

// Resolve translates a proxy id to its frame id and bumps last-accessed.
// Resolving a revoked proxy is a security violation, not a miss.
func (t *ProxyTable) Resolve(proxyID string) (ProxyInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.revoked[proxyID] {
		return ProxyInfo{}, &SecurityError{Message: fmt.Sprintf("proxy %s has been revoked", proxyID)}
	}
	entry, ok := t.entries[proxyID]
	if !ok {
		return ProxyInfo{}, fmt.Errorf("unknown proxy %q", proxyID)
	}
	entry.lastAccessed = t.now()
	return ProxyInfo{
		FrameID:      entry.frameID,
		Version:      entry.version,
		CreatedAt:    entry.createdAt,
		LastAccessed: entry.lastAccessed,
	}, nil
}

// BumpVersion records an orchestrator-approved mutation of the underlying
// frame and returns the new version.
func (t *ProxyTable) BumpVersion(proxyID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.revoked[proxyID] {
		return 0, &SecurityError{Message: fmt.Sprintf("proxy %s has been revoked", proxyID)}
	}
	entry, ok := t.entries[proxyID]
	if !ok {
		return 0, fmt.Errorf("unknown proxy %q", proxyID)
	}
	entry.version++
	return entry.version, nil
}

// Revoke permanently invalidates a proxy id. Revoking an unknown or already
// revoked id is a no-op; the end state is the same.
func (t *ProxyTable) Revoke(proxyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, proxyID)
	t.revoked[proxyID] = true
}

// Len returns the number of live proxies.
func (t *ProxyTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
