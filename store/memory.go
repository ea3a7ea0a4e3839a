// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chem-gl/chemflow/event"
	"github.com/chem-gl/chemflow/internal/logger"
)

type artifactRecord struct {
	Artifact
	ProducedInSeq int64
}

// MemoryStore is the process-wide, in-memory EventStore — the primary
// model (spec §4.B backend 1). State is lost on process shutdown.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][]event.Event
	artifacts map[string]artifactRecord
	stepErrs  map[string][]StepExecutionError
	branches  map[string][]Branch // keyed by root_flow_id
	locks     *flowLocks

	artifactInsertDisabled bool
}

// NewMemoryStore constructs an empty in-memory store. artifactInsertDisabled
// mirrors the engine config knob of the same name: when true, Append still
// records events but never materializes artifact rows (diagnostic mode).
func NewMemoryStore(artifactInsertDisabled bool) *MemoryStore {
	return &MemoryStore{
		events:                 make(map[string][]event.Event),
		artifacts:              make(map[string]artifactRecord),
		stepErrs:               make(map[string][]StepExecutionError),
		branches:               make(map[string][]Branch),
		locks:                  newFlowLocks(),
		artifactInsertDisabled: artifactInsertDisabled,
	}
}

func (s *MemoryStore) Append(ctx context.Context, flowID string, evt event.Event, artifacts []Artifact) (int64, error) {
	if err := validateAppend(evt, artifacts); err != nil {
		return 0, err
	}
	evt, err := normalizePayload(evt)
	if err != nil {
		return 0, err
	}

	release, err := s.locks.acquire(ctx, flowID)
	if err != nil {
		return 0, fmt.Errorf("store: acquire flow lock: %w", err)
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.events[flowID])) + 1
	evt.Seq = seq
	evt.FlowID = flowID
	if evt.Ts.IsZero() {
		evt.Ts = time.Now().UTC()
	}

	if !s.artifactInsertDisabled {
		for _, a := range artifacts {
			if _, exists := s.artifacts[a.Hash]; exists {
				continue // idempotent: re-inserting the same hash is a no-op
			}
			s.artifacts[a.Hash] = artifactRecord{Artifact: a, ProducedInSeq: seq}
		}
	}

	s.events[flowID] = append(s.events[flowID], evt)

	if se, ok := deriveStepExecutionError(flowID, evt); ok {
		s.stepErrs[flowID] = append(s.stepErrs[flowID], se)
	}
	if br, ok := deriveBranch(flowID, s.rootFlowIDLocked(flowID), evt); ok {
		s.branches[br.RootFlowID] = append(s.branches[br.RootFlowID], br)
	}

	logger.GetStoreLogger().Debug().Str("flow_id", flowID).Int64("seq", seq).Str("event_type", string(evt.Type)).Msg("appended event")
	return seq, nil
}

// rootFlowIDLocked looks up flowID's root_flow_id from its own
// flow_initialized event. Callers must already hold s.mu.
func (s *MemoryStore) rootFlowIDLocked(flowID string) string {
	for _, e := range s.events[flowID] {
		if e.Type == event.KindFlowInitialized {
			if p, ok := e.Payload.(*event.FlowInitializedPayload); ok {
				return p.RootFlowID
			}
		}
	}
	return flowID
}

func (s *MemoryStore) ListStepExecutionErrors(_ context.Context, flowID string) ([]StepExecutionError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StepExecutionError, len(s.stepErrs[flowID]))
	copy(out, s.stepErrs[flowID])
	return out, nil
}

func (s *MemoryStore) ListBranches(_ context.Context, rootFlowID string) ([]Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Branch, len(s.branches[rootFlowID]))
	copy(out, s.branches[rootFlowID])
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, flowID string, fromSeq int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[flowID]
	out := make([]event.Event, 0, len(all))
	for _, e := range all {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestSeq(_ context.Context, flowID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[flowID]
	if len(all) == 0 {
		return 0, false, nil
	}
	return all[len(all)-1].Seq, true, nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, hash string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.artifacts[hash]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, hash)
	}
	return rec.Artifact, nil
}

func (s *MemoryStore) RefArtifact(_ context.Context, hash string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.artifacts[hash]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, hash)
	}
	return rec.ProducedInSeq, nil
}

var _ EventStore = (*MemoryStore)(nil)
