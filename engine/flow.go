// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/chem-gl/chemflow/event"
)

// FlowStatus is the flow's terminal-state tag (spec §3).
type FlowStatus string

const (
	FlowActive    FlowStatus = "active"
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
)

// StepStatus is one step's lifecycle state within a flow (spec §3
// Lifecycle).
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepFinished     StepStatus = "finished"
	StepFailed       StepStatus = "failed"
	StepAwaitingUser StepStatus = "awaiting_user"
)

// StepState is the per-step slice of the flow projection.
type StepState struct {
	Descriptor            event.StepDescriptor
	Status                StepStatus
	OutputHashes          []string
	Fingerprint           string
	RetryCount            int
	LastErrorClass        ErrorClass
	LastErrorDetails      string
	PendingInteractionID  string
	PendingInteractionResponse any
	PolicySelectedKey     string
	PolicyParamsHash      string
}

// Flow is the in-memory projection rebuilt from a flow's event log — a
// read-only view over the log (spec §9: the log owns events, the flow
// holds an index only). Never mutate a Flow directly; all transitions
// happen by appending an event and re-deriving.
type Flow struct {
	FlowID       string
	ParentFlowID string
	RootFlowID   string
	Cursor       int
	Status       FlowStatus
	Steps        []StepState

	// LastErrorClass/LastErrorDetails mirror the most recent step_failed,
	// so a caller can inspect why a failed flow stopped without re-reading
	// the log (spec §7 "flow exposes its terminal state, last error class,
	// and details").
	LastErrorClass   ErrorClass
	LastErrorDetails string

	nextSeq int64
}

func (f *Flow) stepIndex(stepID string) (int, bool) {
	for i := range f.Steps {
		if f.Steps[i].Descriptor.StepID == stepID {
			return i, true
		}
	}
	return -1, false
}

// currentStep returns the step at the cursor, or nil if the cursor has
// run off the end (flow completed).
func (f *Flow) currentStep() *StepState {
	if f.Cursor < 0 || f.Cursor >= len(f.Steps) {
		return nil
	}
	return &f.Steps[f.Cursor]
}

// applyEvent folds one event into the projection, in seq order. Replay
// (Load) and live operation (RunNext et al., immediately after a
// successful append) share this single code path, so there is exactly
// one place that defines what an event means.
func applyEvent(f *Flow, evt event.Event) error {
	if evt.Seq <= f.nextSeq {
		return fmt.Errorf("engine: replay out of order: got seq %d after %d", evt.Seq, f.nextSeq)
	}
	f.nextSeq = evt.Seq

	switch evt.Type {
	case event.KindFlowInitialized:
		p, err := asPayload[*event.FlowInitializedPayload](evt.Payload)
		if err != nil {
			return err
		}
		f.FlowID = p.FlowID
		f.ParentFlowID = p.ParentFlowID
		f.RootFlowID = p.RootFlowID
		f.Steps = make([]StepState, len(p.Descriptor))
		for i, d := range p.Descriptor {
			f.Steps[i] = StepState{Descriptor: d, Status: StepPending}
		}
		f.Cursor = 0
		f.Status = FlowActive

	case event.KindStepStarted:
		p, err := asPayload[*event.StepStartedPayload](evt.Payload)
		if err != nil {
			return err
		}
		idx, ok := f.stepIndex(p.StepID)
		if !ok {
			return fmt.Errorf("%w: step_started references %q", ErrStepNotFound, p.StepID)
		}
		f.Steps[idx].Status = StepRunning
		f.Steps[idx].RetryCount = p.Attempt

	case event.KindPropertyPreferenceAssigned:
		p, err := asPayload[*event.PropertyPreferenceAssignedPayload](evt.Payload)
		if err != nil {
			return err
		}
		idx, ok := f.stepIndex(p.StepID)
		if !ok {
			return fmt.Errorf("%w: property_preference_assigned references %q", ErrStepNotFound, p.StepID)
		}
		f.Steps[idx].PolicySelectedKey = p.SelectedKey
		f.Steps[idx].PolicyParamsHash = p.ParamsHash

	case event.KindStepFinished:
		p, err := asPayload[*event.StepFinishedPayload](evt.Payload)
		if err != nil {
			return err
		}
		idx, ok := f.stepIndex(p.StepID)
		if !ok {
			return fmt.Errorf("%w: step_finished references %q", ErrStepNotFound, p.StepID)
		}
		f.Steps[idx].Status = StepFinished
		f.Steps[idx].OutputHashes = p.OutputHashes
		f.Steps[idx].Fingerprint = p.Fingerprint
		f.Steps[idx].PendingInteractionID = ""
		if f.Cursor == idx {
			f.Cursor++
		}

	case event.KindStepFailed:
		p, err := asPayload[*event.StepFailedPayload](evt.Payload)
		if err != nil {
			return err
		}
		idx, ok := f.stepIndex(p.StepID)
		if !ok {
			return fmt.Errorf("%w: step_failed references %q", ErrStepNotFound, p.StepID)
		}
		f.Steps[idx].Status = StepFailed
		f.Steps[idx].LastErrorClass = ErrorClass(p.ErrorClass)
		f.Steps[idx].LastErrorDetails = p.Details
		f.Status = FlowFailed
		f.LastErrorClass = ErrorClass(p.ErrorClass)
		f.LastErrorDetails = p.Details

	case event.KindStepSignal:
		// Informational only; no state transition (spec §3).

	case event.KindRetryScheduled:
		p, err := asPayload[*event.RetryScheduledPayload](evt.Payload)
		if err != nil {
			return err
		}
		idx, ok := f.stepIndex(p.StepID)
		if !ok {
			return fmt.Errorf("%w: retry_scheduled references %q", ErrStepNotFound, p.StepID)
		}
		f.Steps[idx].RetryCount = p.AttemptNumber + 1
		f.Steps[idx].LastErrorClass = ErrorClassTransient
		f.Steps[idx].LastErrorDetails = p.Details

	case event.KindUserInteractionRequested:
		p, err := asPayload[*event.UserInteractionRequestedPayload](evt.Payload)
		if err != nil {
			return err
		}
		idx, ok := f.stepIndex(p.StepID)
		if !ok {
			return fmt.Errorf("%w: user_interaction_requested references %q", ErrStepNotFound, p.StepID)
		}
		f.Steps[idx].Status = StepAwaitingUser
		f.Steps[idx].PendingInteractionID = p.InteractionID

	case event.KindUserInteractionProvided:
		p, err := asPayload[*event.UserInteractionProvidedPayload](evt.Payload)
		if err != nil {
			return err
		}
		idx, ok := f.stepIndex(p.StepID)
		if !ok {
			return fmt.Errorf("%w: user_interaction_provided references %q", ErrStepNotFound, p.StepID)
		}
		if f.Steps[idx].PendingInteractionID != p.InteractionID {
			return fmt.Errorf("%w: got %q, pending %q", ErrInteractionOutOfOrder, p.InteractionID, f.Steps[idx].PendingInteractionID)
		}
		f.Steps[idx].Status = StepRunning
		f.Steps[idx].PendingInteractionResponse = p.Response

	case event.KindBranchCreated:
		// Recorded only on the parent's log; carries no projection state
		// the engine needs to track beyond having happened.

	case event.KindFlowCompleted:
		f.Status = FlowCompleted

	default:
		return fmt.Errorf("%w: %q", ErrReplayUnknownEvent, evt.Type)
	}
	return nil
}

// asPayload asserts evt.Payload to the typed pointer T. Every event the
// engine folds has already passed through a store's normalizePayload,
// which guarantees this exact pointer-to-struct shape regardless of
// backend (P9), so this is a type assertion, not a decode.
func asPayload[T any](payload any) (T, error) {
	if typed, ok := payload.(T); ok {
		return typed, nil
	}
	var zero T
	return zero, fmt.Errorf("engine: unexpected payload type %T, want %T", payload, zero)
}
