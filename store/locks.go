// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// flowLocks bounds concurrent appends to at most one in-flight operation
// per flow id (spec §5: "serialize appends per flow_id"), without
// serializing appends across distinct flows. Each flow id gets its own
// weight-1 semaphore, created lazily.
type flowLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newFlowLocks() *flowLocks {
	return &flowLocks{sems: make(map[string]*semaphore.Weighted)}
}

// acquire blocks until the calling goroutine holds flowID's slot, or ctx
// is done. The returned release function must be called exactly once.
func (f *flowLocks) acquire(ctx context.Context, flowID string) (release func(), err error) {
	f.mu.Lock()
	sem, ok := f.sems[flowID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		f.sems[flowID] = sem
	}
	f.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
