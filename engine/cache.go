// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"sync"

	"github.com/chem-gl/chemflow/policy"
)

// FingerprintCache is the at-most-once production lookup the cache-hit
// path of run_next needs (spec §4.E step 3): "check registry: if all
// declared output artifacts for this fingerprint already exist". The
// artifact registry (store.EventStore) is hash-addressed by (kind,
// payload), not by fingerprint, so a fingerprint→outputs index is a
// distinct piece of state the engine owns alongside it — this is the
// cache that makes fingerprinting actually save re-execution.
type FingerprintCache interface {
	Get(ctx context.Context, fingerprint string) (CacheEntry, bool, error)
	Put(ctx context.Context, fingerprint string, entry CacheEntry) error
}

// CacheEntry is what a fingerprint resolves to: the output artifact
// hashes it already produced, and the policy decision that accompanied
// them, if any (so a cache hit can still emit a faithful
// property_preference_assigned without re-running the step body).
type CacheEntry struct {
	OutputHashes []string
	Decision     *policy.Decision
}

// InMemoryFingerprintCache is a process-wide fingerprint index. It is
// the default for MemoryStore-backed engines; a deployment running the
// SQL backend across processes would supply its own, e.g. a table
// keyed by fingerprint — out of scope here since nothing in the pack
// wires a distributed cache for this shape of key.
type InMemoryFingerprintCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewInMemoryFingerprintCache constructs an empty cache.
func NewInMemoryFingerprintCache() *InMemoryFingerprintCache {
	return &InMemoryFingerprintCache{entries: make(map[string]CacheEntry)}
}

func (c *InMemoryFingerprintCache) Get(_ context.Context, fingerprint string) (CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fingerprint]
	return e, ok, nil
}

func (c *InMemoryFingerprintCache) Put(_ context.Context, fingerprint string, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = entry
	return nil
}
