// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package event defines the closed set of event kinds that make up a
// flow's append-only log, and the typed payload carried by each kind.
// The event log is the sole source of truth for flow state (component B);
// everything here is a pure data definition with no store/engine logic.
package event

import (
	"fmt"
	"time"
)

// Kind identifies one of the closed set of event types a flow's log may
// contain. Unknown kinds encountered during replay are a fatal error,
// never silently ignored — see invariant I6.
type Kind string

const (
	KindFlowInitialized            Kind = "flow_initialized"
	KindStepStarted                Kind = "step_started"
	KindPropertyPreferenceAssigned Kind = "property_preference_assigned"
	KindStepFinished               Kind = "step_finished"
	KindStepFailed                 Kind = "step_failed"
	KindStepSignal                 Kind = "step_signal"
	KindRetryScheduled             Kind = "retry_scheduled"
	KindUserInteractionRequested   Kind = "user_interaction_requested"
	KindUserInteractionProvided    Kind = "user_interaction_provided"
	KindBranchCreated              Kind = "branch_created"
	KindFlowCompleted              Kind = "flow_completed"
)

// knownKinds is the closed set backing IsValid. A map rather than a
// switch so Valid membership and iteration (for docs/tests) share one
// definition.
var knownKinds = map[Kind]struct{}{
	KindFlowInitialized:            {},
	KindStepStarted:                {},
	KindPropertyPreferenceAssigned: {},
	KindStepFinished:               {},
	KindStepFailed:                 {},
	KindStepSignal:                 {},
	KindRetryScheduled:             {},
	KindUserInteractionRequested:   {},
	KindUserInteractionProvided:    {},
	KindBranchCreated:              {},
	KindFlowCompleted:              {},
}

// IsValid reports whether k is lowercase and a member of the closed set
// (invariant I6). Stores must reject any event failing this check before
// it reaches an append transaction.
func (k Kind) IsValid() bool {
	if string(k) != lower(string(k)) {
		return false
	}
	_, ok := knownKinds[k]
	return ok
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ErrUnknownKind is returned by a store's validation path, and by replay,
// when an event_type is not in the closed set.
type ErrUnknownKind struct {
	Kind Kind
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("event: unknown event_type %q", string(e.Kind))
}

// Event is one row of a flow's append-only log. Seq is assigned by the
// store at append time (the linearization point, per concurrency model);
// it is never set by a caller before append.
type Event struct {
	Seq     int64     `json:"seq"`
	FlowID  string    `json:"flow_id"`
	Ts      time.Time `json:"ts"`
	Type    Kind      `json:"event_type"`
	Payload any       `json:"payload"`
}

// --- Per-kind payloads. Each is the authoritative serialized form of its
// event variant; event_type is a denormalized hint plus constraint, per
// spec §6.

// StepDescriptor is an immutable, per-flow step definition snapshot.
// Params is the concrete, final parameter value for the step (not just a
// schema reference) — fixed at flow_initialized time, never mutated by a
// later run_next call, so that re-running with different params means
// initializing a new flow rather than reusing one (scenario 6).
//
// PolicyName/PolicyParams are set when a policy applies to this step's
// output selection (spec §4.D); PolicyParams is hashed into the step's
// fingerprint independently of whatever candidates the step body produces
// at execution time, which is what keeps the fingerprint computable
// before the step body runs (cache check precedes execution).
type StepDescriptor struct {
	StepID       string   `json:"step_id"`
	StepKind     string   `json:"step_kind"`
	InputKinds   []string `json:"input_kinds"`
	OutputKinds  []string `json:"output_kinds"`
	ParamsSchema string   `json:"params_schema,omitempty"`
	Params       any      `json:"params,omitempty"`
	PolicyName   string   `json:"policy_name,omitempty"`
	PolicyParams any      `json:"policy_params,omitempty"`
	TimeoutMs    int64    `json:"timeout_ms,omitempty"`
}

// FlowInitializedPayload backs KindFlowInitialized.
type FlowInitializedPayload struct {
	FlowID       string           `json:"flow_id"`
	ParentFlowID string           `json:"parent_flow_id,omitempty"`
	RootFlowID   string           `json:"root_flow_id"`
	Descriptor   []StepDescriptor `json:"descriptor"`
}

// StepStartedPayload backs KindStepStarted.
type StepStartedPayload struct {
	StepID      string   `json:"step_id"`
	StepIndex   int      `json:"step_index"`
	InputHashes []string `json:"input_hashes"`
	Params      any      `json:"params"`
	Attempt     int      `json:"attempt"`
}

// PropertyPreferenceAssignedPayload backs KindPropertyPreferenceAssigned.
// Must precede the step_finished event for the same step when a policy
// is applicable (spec §3).
type PropertyPreferenceAssignedPayload struct {
	StepID      string `json:"step_id"`
	SelectedKey string `json:"selected_key"`
	ParamsHash  string `json:"params_hash"`
	Rationale   string `json:"rationale"`
}

// StepFinishedPayload backs KindStepFinished.
type StepFinishedPayload struct {
	StepID       string   `json:"step_id"`
	OutputHashes []string `json:"output_hashes"`
	Fingerprint  string   `json:"fingerprint"`
}

// StepFailedPayload backs KindStepFailed.
type StepFailedPayload struct {
	StepID     string `json:"step_id"`
	ErrorClass string `json:"error_class"`
	Details    string `json:"details"`
	Attempt    int    `json:"attempt"`
}

// StepSignalPayload backs KindStepSignal — an informational observation
// that causes no state transition.
type StepSignalPayload struct {
	StepID  string `json:"step_id"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RetryScheduledPayload backs KindRetryScheduled.
type RetryScheduledPayload struct {
	StepID        string `json:"step_id"`
	AttemptNumber int    `json:"attempt_number"`
	BackoffMs     int64  `json:"backoff_ms"`
	ErrorClass    string `json:"error_class"`
	Details       string `json:"details"`
}

// UserInteractionRequestedPayload backs KindUserInteractionRequested.
type UserInteractionRequestedPayload struct {
	StepID        string `json:"step_id"`
	InteractionID string `json:"interaction_id"`
	Prompt        any    `json:"prompt"`
}

// UserInteractionProvidedPayload backs KindUserInteractionProvided. Its
// Response becomes a synthetic input to the step that requested it.
type UserInteractionProvidedPayload struct {
	StepID        string `json:"step_id"`
	InteractionID string `json:"interaction_id"`
	Response      any    `json:"response"`
}

// BranchMode records whether a branch re-runs the divergence step with
// overridden params, or resumes clean from the step after it.
type BranchMode string

const (
	BranchModeOverrideStep BranchMode = "override_step"
	BranchModeResumeAfter  BranchMode = "resume_after"
)

// BranchCreatedPayload backs KindBranchCreated, emitted on the parent
// flow only (see Open Question decisions).
type BranchCreatedPayload struct {
	BranchID             string     `json:"branch_id"`
	ChildFlowID          string     `json:"child_flow_id"`
	CreatedFromStepID    string     `json:"created_from_step_id"`
	DivergenceParamsHash string     `json:"divergence_params_hash,omitempty"`
	Mode                 BranchMode `json:"mode"`
	Name                 string     `json:"name,omitempty"`
}

// FlowCompletedPayload backs KindFlowCompleted.
type FlowCompletedPayload struct {
	StepsCompleted int `json:"steps_completed"`
}
