// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chemflowtest provides test fixtures for exercising the engine
// without a real domain provider: a scriptable step body with
// spy-countable invocations, and small builders for descriptors and
// outputs. Grounded on the teacher's test_adapter.go/test_fixtures.go
// pattern (a stand-in collaborator plus fixture constructors), adapted
// here for a deterministic, event-sourced engine instead of a sqlite
// pipeline run.
package chemflowtest

import (
	"context"
	"sync"

	"github.com/chem-gl/chemflow/engine"
	"github.com/chem-gl/chemflow/event"
	"github.com/chem-gl/chemflow/policy"
)

// Step builds a StepDescriptor fixture. Use the With* helpers to attach
// params/policy before passing the slice to Engine.Initialize.
func Step(stepID, stepKind string, inputKinds, outputKinds []string) event.StepDescriptor {
	return event.StepDescriptor{
		StepID: stepID, StepKind: stepKind, InputKinds: inputKinds, OutputKinds: outputKinds,
	}
}

// WithParams returns a copy of d with Params set.
func WithParams(d event.StepDescriptor, params any) event.StepDescriptor {
	d.Params = params
	return d
}

// WithPolicy returns a copy of d with a policy and its params attached.
func WithPolicy(d event.StepDescriptor, policyName string, policyParams any) event.StepDescriptor {
	d.PolicyName = policyName
	d.PolicyParams = policyParams
	return d
}

// Output is shorthand for building an engine.StepOutput.
func Output(kind string, payload any) engine.StepOutput {
	return engine.StepOutput{Kind: kind, Payload: payload}
}

// Candidate is shorthand for building a policy.Candidate.
func Candidate(key string, score float64, provider, tiebreakToken string) policy.Candidate {
	return policy.Candidate{Key: key, Score: score, Provider: provider, TiebreakToken: tiebreakToken}
}

// Outcome is one scripted result a ScriptedBody.Run call returns.
type Outcome struct {
	Err        error
	Outputs    []engine.StepOutput
	Candidates []policy.Candidate
}

// Success builds an Outcome that succeeds with outputs.
func Success(outputs ...engine.StepOutput) Outcome {
	return Outcome{Outputs: outputs}
}

// SuccessWithCandidates builds a successful Outcome that also offers
// candidates to a policy.
func SuccessWithCandidates(candidates []policy.Candidate, outputs ...engine.StepOutput) Outcome {
	return Outcome{Outputs: outputs, Candidates: candidates}
}

// Fail builds an Outcome that fails with the given classified error.
func Fail(class engine.ErrorClass, details string) Outcome {
	return Outcome{Err: engine.NewStepError(class, details)}
}

// ScriptedBody is an engine.StepBody that returns a pre-scripted
// sequence of Outcomes, one per call, holding the last one steady once
// the script is exhausted. It counts invocations so a test can assert a
// cache hit never called the body (spec §8 scenario 2).
type ScriptedBody struct {
	mu          sync.Mutex
	calls       int
	results     []Outcome
	validateErr error
}

// NewScriptedBody builds a ScriptedBody that returns results in order.
func NewScriptedBody(results ...Outcome) *ScriptedBody {
	return &ScriptedBody{results: results}
}

// NewValidationFailingBody builds a ScriptedBody whose Validate always
// fails, for exercising the validation-is-fatal path without ever
// reaching Run.
func NewValidationFailingBody(details string) *ScriptedBody {
	return &ScriptedBody{validateErr: engine.NewStepError(engine.ErrorClassValidation, details)}
}

// Calls reports how many times Run has been invoked.
func (b *ScriptedBody) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *ScriptedBody) Validate(_ context.Context, _ any) error {
	return b.validateErr
}

func (b *ScriptedBody) Run(_ context.Context, _ engine.StepRequest) (engine.StepResult, error) {
	b.mu.Lock()
	idx := b.calls
	b.calls++
	b.mu.Unlock()

	if len(b.results) == 0 {
		return engine.StepResult{}, engine.NewStepError(engine.ErrorClassRuntime, "chemflowtest: ScriptedBody has no results")
	}
	if idx >= len(b.results) {
		idx = len(b.results) - 1
	}
	o := b.results[idx]
	if o.Err != nil {
		return engine.StepResult{}, o.Err
	}
	return engine.StepResult{Outputs: o.Outputs, Candidates: o.Candidates}, nil
}

var _ engine.StepBody = (*ScriptedBody)(nil)
