// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"

	"github.com/chem-gl/chemflow/hash"
)

// Summary is a flow-level digest over its projection: status, last
// error class, per-status step counts, and total retries across all
// steps. Supplemented feature grounded on a PipelineRun-style derived
// view, computed purely from a loaded projection and never persisted.
type Summary struct {
	FlowID           string
	Status           FlowStatus
	LastErrorClass   ErrorClass
	LastErrorDetails string
	StepCounts       map[StepStatus]int
	TotalRetries     int
}

// Summarize builds a Summary for flowID.
func (e *Engine) Summarize(ctx context.Context, flowID string) (Summary, error) {
	f, err := e.Load(ctx, flowID)
	if err != nil {
		return Summary{}, err
	}

	counts := make(map[StepStatus]int)
	var retries int
	for _, s := range f.Steps {
		counts[s.Status]++
		retries += s.RetryCount
	}

	return Summary{
		FlowID: flowID, Status: f.Status,
		LastErrorClass: f.LastErrorClass, LastErrorDetails: f.LastErrorDetails,
		StepCounts: counts, TotalRetries: retries,
	}, nil
}

// StepDivergence is one row of a DiffBranch report.
type StepDivergence struct {
	StepID             string
	FingerprintMatches bool
	OutputHashesMatch  bool
	ParentFingerprint  string
	BranchFingerprint  string
}

// DiffBranch compares a parent flow against one of its branches, step by
// step, for every step id the two share. It reports fingerprint and
// output-hash agreement without touching the event log — a read-only
// view for branch-review tooling, grounded on a diff-style comparison
// over loaded projections.
func (e *Engine) DiffBranch(ctx context.Context, parentFlowID, branchFlowID string) ([]StepDivergence, error) {
	parent, err := e.Load(ctx, parentFlowID)
	if err != nil {
		return nil, fmt.Errorf("engine: diff_branch: load parent: %w", err)
	}
	branch, err := e.Load(ctx, branchFlowID)
	if err != nil {
		return nil, fmt.Errorf("engine: diff_branch: load branch: %w", err)
	}

	parentByID := make(map[string]StepState, len(parent.Steps))
	for _, s := range parent.Steps {
		parentByID[s.Descriptor.StepID] = s
	}

	var out []StepDivergence
	for _, bs := range branch.Steps {
		ps, ok := parentByID[bs.Descriptor.StepID]
		if !ok {
			continue
		}
		out = append(out, StepDivergence{
			StepID:             bs.Descriptor.StepID,
			FingerprintMatches: ps.Fingerprint != "" && ps.Fingerprint == bs.Fingerprint,
			OutputHashesMatch:  hashesEqual(ps.OutputHashes, bs.OutputHashes),
			ParentFingerprint:  hash.ShortHash(ps.Fingerprint),
			BranchFingerprint:  hash.ShortHash(bs.Fingerprint),
		})
	}
	return out, nil
}

func hashesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
