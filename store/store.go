// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store defines the event-store contract (component B) and the
// artifact registry (component C) that sits alongside it. Two backends
// implement EventStore: an in-memory one (memory.go) and a Postgres one
// (sql.go) via GORM. Both must produce byte-identical replay projections
// for the same call sequence (backend parity, P9).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chem-gl/chemflow/event"
)

// ArtifactHashLength is the required length of a canonical artifact hash
// (64 hex characters of a SHA-256 digest), enforced by every backend.
const ArtifactHashLength = 64

// Artifact is a hash-addressed step output. Two artifacts with the same
// Hash are byte-identical; a registry stores each hash exactly once.
type Artifact struct {
	Hash     string
	Kind     string
	Payload  any
	Metadata any
}

// ErrInvalidArtifactHash is returned when an artifact's Hash is not
// exactly ArtifactHashLength characters.
var ErrInvalidArtifactHash = fmt.Errorf("store: artifact hash must be %d characters", ArtifactHashLength)

// ErrFlowNotFound is returned by List/LatestSeq-dependent operations when
// a flow id has no events at all.
var ErrFlowNotFound = errors.New("store: flow not found")

// ErrArtifactNotFound is returned by GetArtifact/RefArtifact when no
// artifact with the given hash has ever been inserted.
var ErrArtifactNotFound = errors.New("store: artifact not found")

// StepExecutionError is one row of the step_execution_errors side-table
// (spec §3). A backend derives and persists this automatically, inside
// the same Append transaction, whenever the appended event is
// step_failed or retry_scheduled — it is never inserted by a direct
// caller.
type StepExecutionError struct {
	FlowID        string
	StepID        string
	AttemptNumber int
	ErrorClass    string
	Details       string
	Ts            time.Time
}

// Branch is one row of the workflow_branches side-table (spec §3),
// derived automatically from a branch_created event at append time.
type Branch struct {
	BranchID             string
	RootFlowID           string
	ParentFlowID         string
	CreatedFromStepID    string
	DivergenceParamsHash string
	CreatedAt            time.Time
	Name                 string
	Metadata             any
}

// EventStore is the append-only, per-flow ordered log plus the artifact
// side-table it writes atomically alongside step_finished events (spec
// §4.B, §4.C).
type EventStore interface {
	// Append assigns the next seq for flowID and persists evt, inserting
	// artifacts in the same transaction. Partial failure means neither the
	// event nor the artifacts become visible. Returns the assigned seq.
	Append(ctx context.Context, flowID string, evt event.Event, artifacts []Artifact) (seq int64, err error)

	// List returns flowID's events in seq order, starting at fromSeq
	// (inclusive). An empty, non-error result means the flow has no events
	// at or after fromSeq, not necessarily that it doesn't exist.
	List(ctx context.Context, flowID string, fromSeq int64) ([]event.Event, error)

	// LatestSeq returns the highest seq recorded for flowID, or ok=false
	// if the flow has no events.
	LatestSeq(ctx context.Context, flowID string) (seq int64, ok bool, err error)

	// GetArtifact returns a previously inserted artifact by hash.
	GetArtifact(ctx context.Context, hash string) (Artifact, error)

	// RefArtifact reports the seq that first materialized hash, so a
	// caller can diagnose the produced_in_seq RESTRICT constraint before
	// attempting anything that would conflict with it.
	RefArtifact(ctx context.Context, hash string) (producedInSeq int64, err error)

	// ListStepExecutionErrors returns every StepExecutionError derived
	// from flowID's step_failed/retry_scheduled events, in append order.
	ListStepExecutionErrors(ctx context.Context, flowID string) ([]StepExecutionError, error)

	// ListBranches returns every Branch derived from branch_created
	// events recorded on flows sharing rootFlowID's lineage.
	ListBranches(ctx context.Context, rootFlowID string) ([]Branch, error)
}

// deriveStepExecutionError extracts a StepExecutionError from a
// step_failed or retry_scheduled event, or reports ok=false for any
// other kind. One place defines this mapping so both backends agree.
func deriveStepExecutionError(flowID string, evt event.Event) (StepExecutionError, bool) {
	switch evt.Type {
	case event.KindStepFailed:
		p, ok := evt.Payload.(*event.StepFailedPayload)
		if !ok {
			return StepExecutionError{}, false
		}
		return StepExecutionError{
			FlowID: flowID, StepID: p.StepID, AttemptNumber: p.Attempt,
			ErrorClass: p.ErrorClass, Details: p.Details, Ts: evt.Ts,
		}, true
	case event.KindRetryScheduled:
		p, ok := evt.Payload.(*event.RetryScheduledPayload)
		if !ok {
			return StepExecutionError{}, false
		}
		return StepExecutionError{
			FlowID: flowID, StepID: p.StepID, AttemptNumber: p.AttemptNumber,
			ErrorClass: p.ErrorClass, Details: p.Details, Ts: evt.Ts,
		}, true
	default:
		return StepExecutionError{}, false
	}
}

// deriveBranch extracts a Branch from a branch_created event, or reports
// ok=false for any other kind.
func deriveBranch(flowID string, rootFlowID string, evt event.Event) (Branch, bool) {
	if evt.Type != event.KindBranchCreated {
		return Branch{}, false
	}
	p, ok := evt.Payload.(*event.BranchCreatedPayload)
	if !ok {
		return Branch{}, false
	}
	return Branch{
		BranchID:             p.BranchID,
		RootFlowID:           rootFlowID,
		ParentFlowID:         flowID,
		CreatedFromStepID:    p.CreatedFromStepID,
		DivergenceParamsHash: p.DivergenceParamsHash,
		CreatedAt:            evt.Ts,
		Name:                 p.Name,
	}, true
}

// validateAppend enforces the constraints every backend must apply
// before an event becomes visible: event_type closure (I6) and artifact
// hash shape (§6).
func validateAppend(evt event.Event, artifacts []Artifact) error {
	if !evt.Type.IsValid() {
		return &event.ErrUnknownKind{Kind: evt.Type}
	}
	for _, a := range artifacts {
		if len(a.Hash) != ArtifactHashLength {
			return fmt.Errorf("%w: got %d characters for hash %q", ErrInvalidArtifactHash, len(a.Hash), a.Hash)
		}
	}
	return nil
}

// normalizePayload round-trips evt.Payload through the event package's
// JSON codec so that every backend, in-memory included, hands callers
// the same concrete payload type on replay regardless of how the
// payload was originally constructed (backend parity, P9).
func normalizePayload(evt event.Event) (event.Event, error) {
	decoded, err := event.DecodePayload(evt.Type, evt.Payload)
	if err != nil {
		return event.Event{}, err
	}
	evt.Payload = decoded
	return evt, nil
}
