// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"

	"github.com/chem-gl/chemflow/policy"
)

// StepBody is the external collaborator the engine invokes for a step
// kind (spec §6 "Step body interface"). Implementations must be pure
// with respect to (Params, Inputs): nondeterminism funnels through
// Params so it appears in the fingerprint.
type StepBody interface {
	// Validate runs before fingerprinting and before any cache check. A
	// non-nil *StepError here always terminal-fails the flow as
	// ErrorClassValidation regardless of the class the implementation set.
	Validate(ctx context.Context, params any) error

	// Run executes the step. A cache hit means Run is never called.
	Run(ctx context.Context, req StepRequest) (StepResult, error)
}

// StepRequest is what a StepBody receives to do its work.
type StepRequest struct {
	StepID   string
	StepKind string
	Params   any
	// Inputs are the resolved upstream artifacts, in the order of the
	// step's declared InputKinds.
	Inputs  []StepInput
	Attempt int
}

// StepInput is one resolved input artifact handed to a step body.
type StepInput struct {
	Kind    string
	Hash    string
	Payload any
}

// StepOutput is one output a StepBody produces, prior to hashing. The
// engine computes ArtifactHash = hash(kind ‖ canonical(payload)); a body
// never invents its own hash.
type StepOutput struct {
	Kind     string
	Payload  any
	Metadata any
}

// StepResult is the successful outcome of StepBody.Run. Candidates are
// only consulted when the step descriptor names a policy; the engine
// calls policy.Choose(Candidates, descriptor's PolicyParams) and
// records the decision via property_preference_assigned before
// step_finished.
type StepResult struct {
	Outputs    []StepOutput
	Candidates []policy.Candidate
}

// InteractionRequest is returned via ErrAwaitingInteraction when a step
// body needs external input before it can proceed. The step parks in
// awaiting_user; a matching ProvideInteraction unparks it and its
// Response becomes a synthetic StepInput on the next attempt (kind
// "user_interaction").
type InteractionRequest struct {
	InteractionID string
	Prompt        any
}

// ErrAwaitingInteraction is the sentinel a StepBody.Run returns (wrapped
// or bare) to request suspension rather than signal failure.
type ErrAwaitingInteraction struct {
	Request InteractionRequest
}

func (e *ErrAwaitingInteraction) Error() string {
	return "engine: step requests user interaction: " + e.Request.InteractionID
}

// StepBodyRegistry is a constructor-injected, name-keyed map from step
// kind to StepBody — never global mutable state, mirroring
// policy.Registry's shape for the same reason (spec §9 design note).
type StepBodyRegistry struct {
	bodies map[string]StepBody
}

// NewStepBodyRegistry builds a registry from step-kind/body pairs.
func NewStepBodyRegistry(bodies map[string]StepBody) *StepBodyRegistry {
	copied := make(map[string]StepBody, len(bodies))
	for k, v := range bodies {
		copied[k] = v
	}
	return &StepBodyRegistry{bodies: copied}
}

// Get returns the body registered for stepKind.
func (r *StepBodyRegistry) Get(stepKind string) (StepBody, bool) {
	b, ok := r.bodies[stepKind]
	return b, ok
}
