// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the flow runtime (component E): step
// lifecycle, validation, execution, retry, branching, and event
// emission, plus the in-memory projection rebuilt from the event log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/chem-gl/chemflow/event"
	"github.com/chem-gl/chemflow/hash"
	chemlog "github.com/chem-gl/chemflow/internal/logger"
	"github.com/chem-gl/chemflow/policy"
	"github.com/chem-gl/chemflow/store"
)

// Engine orchestrates flows against an EventStore, a StepBodyRegistry,
// and a policy.Registry. It holds no per-flow state between calls other
// than the fingerprint cache — every operation rebuilds the projection
// it needs from the event log first.
type Engine struct {
	store    store.EventStore
	hasher   *hash.Hasher
	policies *policy.Registry
	bodies   *StepBodyRegistry
	cache    FingerprintCache
	cfg      Config
}

// NewEngine constructs an Engine. cache may be nil, in which case an
// InMemoryFingerprintCache is created.
func NewEngine(st store.EventStore, policies *policy.Registry, bodies *StepBodyRegistry, cache FingerprintCache, cfg Config) *Engine {
	if cache == nil {
		cache = NewInMemoryFingerprintCache()
	}
	return &Engine{
		store:    st,
		hasher:   hash.New(cfg.FloatPrecision),
		policies: policies,
		bodies:   bodies,
		cache:    cache,
		cfg:      cfg,
	}
}

// StepOutcome is what RunNext returns to describe what happened.
type StepOutcome struct {
	StepID       string
	Status       StepStatus
	OutputHashes []string
	Fingerprint  string
	Attempt      int
	BackoffMs    int64
	ErrorClass   ErrorClass
	Details      string
	FlowStatus   FlowStatus
}

// Initialize creates a new root flow from descriptor and emits
// flow_initialized. Fails with ErrValidation if descriptor is empty, has
// duplicate step ids, or declares an input kind no prior step produces.
func (e *Engine) Initialize(ctx context.Context, descriptor []event.StepDescriptor) (string, error) {
	if err := validateDescriptor(descriptor); err != nil {
		return "", err
	}

	flowID := uuid.NewString()
	payload := event.FlowInitializedPayload{
		FlowID:     flowID,
		RootFlowID: flowID,
		Descriptor: descriptor,
	}
	if _, err := e.store.Append(ctx, flowID, event.Event{Type: event.KindFlowInitialized, Payload: payload}, nil); err != nil {
		return "", fmt.Errorf("engine: initialize: %w", err)
	}
	chemlog.GetEngineLogger().Info().Str("flow_id", flowID).Int("steps", len(descriptor)).Msg("flow initialized")
	return flowID, nil
}

func validateDescriptor(descriptor []event.StepDescriptor) error {
	if len(descriptor) == 0 {
		return fmt.Errorf("%w: descriptor is empty", ErrValidation)
	}
	seen := make(map[string]struct{}, len(descriptor))
	producedKinds := make(map[string]struct{})
	for i, d := range descriptor {
		if d.StepID == "" {
			return fmt.Errorf("%w: step at index %d has empty step_id", ErrValidation, i)
		}
		if _, dup := seen[d.StepID]; dup {
			return fmt.Errorf("%w: duplicate step_id %q", ErrValidation, d.StepID)
		}
		seen[d.StepID] = struct{}{}

		for _, in := range d.InputKinds {
			if _, ok := producedKinds[in]; !ok {
				return fmt.Errorf("%w: step %q declares input kind %q with no prior producer", ErrValidation, d.StepID, in)
			}
		}
		for _, out := range d.OutputKinds {
			producedKinds[out] = struct{}{}
		}
	}
	return nil
}

// Load reconstructs flowID's projection by replaying its event log in
// seq order (spec §4.E "load"). An unknown event_type is a fatal replay
// error (invariant I6), never silently skipped.
func (e *Engine) Load(ctx context.Context, flowID string) (*Flow, error) {
	events, err := e.store.List(ctx, flowID, 1)
	if err != nil {
		return nil, fmt.Errorf("engine: load %s: list events: %w", flowID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrFlowNotFound, flowID)
	}

	f := &Flow{}
	for _, evt := range events {
		if err := applyEvent(f, evt); err != nil {
			return nil, fmt.Errorf("engine: load %s: %w", flowID, err)
		}
	}
	return f, nil
}

// RunNext advances flowID by one step (spec §4.E "run_next").
func (e *Engine) RunNext(ctx context.Context, flowID string) (StepOutcome, error) {
	f, err := e.Load(ctx, flowID)
	if err != nil {
		return StepOutcome{}, err
	}
	if f.Status != FlowActive {
		return StepOutcome{}, fmt.Errorf("%w: flow %s is %s", ErrFlowTerminal, flowID, f.Status)
	}
	step := f.currentStep()
	if step == nil {
		return StepOutcome{}, fmt.Errorf("engine: flow %s is active with cursor past its last step", flowID)
	}
	if step.Status == StepAwaitingUser {
		return StepOutcome{}, fmt.Errorf("%w: flow %s, step %s", ErrAwaitingUser, flowID, step.Descriptor.StepID)
	}

	body, ok := e.bodies.Get(step.Descriptor.StepKind)
	if !ok {
		return StepOutcome{}, fmt.Errorf("engine: no step body registered for kind %q", step.Descriptor.StepKind)
	}

	inputs, inputHashes, err := e.resolveInputs(ctx, f, step)
	if err != nil {
		return e.failStep(ctx, f, step, ErrorClassValidation, err.Error())
	}

	if err := body.Validate(ctx, step.Descriptor.Params); err != nil {
		return e.failStep(ctx, f, step, ErrorClassValidation, err.Error())
	}

	policyHash, err := e.policyParamsHash(step)
	if err != nil {
		return e.failStep(ctx, f, step, ErrorClassValidation, err.Error())
	}

	fingerprint, err := e.hasher.Fingerprint(step.Descriptor.StepKind, inputHashes, step.Descriptor.Params, policyHash)
	if err != nil {
		return e.failStep(ctx, f, step, ErrorClassValidation, err.Error())
	}

	attempt := step.RetryCount

	if entry, hit, err := e.cache.Get(ctx, fingerprint); err == nil && hit {
		return e.finishFromCache(ctx, f, step, fingerprint, entry)
	}

	if _, err := e.store.Append(ctx, flowID, event.Event{
		Type: event.KindStepStarted,
		Payload: event.StepStartedPayload{
			StepID: step.Descriptor.StepID, StepIndex: f.Cursor,
			InputHashes: inputHashes, Params: step.Descriptor.Params, Attempt: attempt,
		},
	}, nil); err != nil {
		return StepOutcome{}, fmt.Errorf("engine: run_next: append step_started: %w", err)
	}

	req := StepRequest{
		StepID: step.Descriptor.StepID, StepKind: step.Descriptor.StepKind,
		Params: step.Descriptor.Params, Inputs: inputs, Attempt: attempt,
	}

	runCtx := ctx
	if step.Descriptor.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Descriptor.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	result, runErr := body.Run(runCtx, req)
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = NewStepError(ErrorClassTransient, fmt.Sprintf("step exceeded declared timeout of %dms", step.Descriptor.TimeoutMs))
		}
		return e.handleStepError(ctx, f, step, attempt, runErr)
	}

	return e.finishStep(ctx, f, step, fingerprint, result)
}

// policyParamsHash returns the 64-hex hash of the step's declared policy
// params, or "" (ε) when the step has no policy — computable before the
// step body ever runs (see event.StepDescriptor doc comment).
func (e *Engine) policyParamsHash(step *StepState) (string, error) {
	if step.Descriptor.PolicyName == "" {
		return "", nil
	}
	return e.hasher.Hash(step.Descriptor.PolicyParams)
}

// resolveInputs gathers, in declared InputKinds order, the most recent
// upstream output hash of each kind, plus a synthetic input for a
// pending user-interaction response if one exists. The synthetic
// input's hash is mixed into the returned hash list so two runs with
// different user responses never collide on the same fingerprint
// (spec is silent on this; see DESIGN.md).
func (e *Engine) resolveInputs(ctx context.Context, f *Flow, step *StepState) ([]StepInput, []string, error) {
	producers := make(map[string]string) // kind -> hash, most recent producer wins
	for i := 0; i < f.Cursor; i++ {
		s := f.Steps[i]
		for j, kind := range s.Descriptor.OutputKinds {
			if j < len(s.OutputHashes) {
				producers[kind] = s.OutputHashes[j]
			}
		}
	}

	inputs := make([]StepInput, 0, len(step.Descriptor.InputKinds))
	hashes := make([]string, 0, len(step.Descriptor.InputKinds))
	for _, kind := range step.Descriptor.InputKinds {
		h, ok := producers[kind]
		if !ok {
			return nil, nil, fmt.Errorf("no prior step produced an artifact of kind %q", kind)
		}
		art, err := e.store.GetArtifact(ctx, h)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve input %q: %w", kind, err)
		}
		inputs = append(inputs, StepInput{Kind: kind, Hash: h, Payload: art.Payload})
		hashes = append(hashes, h)
	}

	if step.PendingInteractionResponse != nil {
		respHash, err := e.hasher.Hash(step.PendingInteractionResponse)
		if err != nil {
			return nil, nil, fmt.Errorf("hash interaction response: %w", err)
		}
		inputs = append(inputs, StepInput{Kind: "user_interaction", Payload: step.PendingInteractionResponse})
		hashes = append(hashes, respHash)
	}
	return inputs, hashes, nil
}

// finishFromCache replays a cache hit: step_started then step_finished
// (and property_preference_assigned, if the original run had a policy
// decision), without invoking the step body (spec §4.E step 3).
func (e *Engine) finishFromCache(ctx context.Context, f *Flow, step *StepState, fingerprint string, entry CacheEntry) (StepOutcome, error) {
	flowID := f.FlowID
	if _, err := e.store.Append(ctx, flowID, event.Event{
		Type: event.KindStepStarted,
		Payload: event.StepStartedPayload{
			StepID: step.Descriptor.StepID, StepIndex: f.Cursor,
			Params: step.Descriptor.Params, Attempt: step.RetryCount,
		},
	}, nil); err != nil {
		return StepOutcome{}, fmt.Errorf("engine: cache hit: append step_started: %w", err)
	}

	if entry.Decision != nil {
		if _, err := e.store.Append(ctx, flowID, event.Event{
			Type: event.KindPropertyPreferenceAssigned,
			Payload: event.PropertyPreferenceAssignedPayload{
				StepID: step.Descriptor.StepID, SelectedKey: entry.Decision.SelectedKey,
				ParamsHash: entry.Decision.ParamsHash, Rationale: entry.Decision.Rationale,
			},
		}, nil); err != nil {
			return StepOutcome{}, fmt.Errorf("engine: cache hit: append property_preference_assigned: %w", err)
		}
	}

	seq, err := e.store.Append(ctx, flowID, event.Event{
		Type: event.KindStepFinished,
		Payload: event.StepFinishedPayload{
			StepID: step.Descriptor.StepID, OutputHashes: entry.OutputHashes, Fingerprint: fingerprint,
		},
	}, nil)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("engine: cache hit: append step_finished: %w", err)
	}
	chemlog.GetEngineLogger().Debug().Str("flow_id", flowID).Str("step_id", step.Descriptor.StepID).Str("fingerprint", hash.ShortHash(fingerprint)).Msg("cache hit")

	return e.completeAfterStep(ctx, f, step, seq, StepOutcome{
		StepID: step.Descriptor.StepID, Status: StepFinished,
		OutputHashes: entry.OutputHashes, Fingerprint: fingerprint,
	})
}

// finishStep records a successful StepBody.Run: an optional policy
// decision, then step_finished with freshly hashed artifacts.
func (e *Engine) finishStep(ctx context.Context, f *Flow, step *StepState, fingerprint string, result StepResult) (StepOutcome, error) {
	if len(result.Outputs) != len(step.Descriptor.OutputKinds) {
		return e.failStep(ctx, f, step, ErrorClassRuntime,
			fmt.Sprintf("step produced %d outputs, declared %d", len(result.Outputs), len(step.Descriptor.OutputKinds)))
	}

	flowID := f.FlowID
	artifacts := make([]store.Artifact, len(result.Outputs))
	outputHashes := make([]string, len(result.Outputs))
	for i, out := range result.Outputs {
		h, err := e.hasher.Hash(map[string]any{"kind": out.Kind, "payload": out.Payload})
		if err != nil {
			return e.failStep(ctx, f, step, ErrorClassRuntime, fmt.Sprintf("hash output %d: %v", i, err))
		}
		artifacts[i] = store.Artifact{Hash: h, Kind: out.Kind, Payload: out.Payload, Metadata: out.Metadata}
		outputHashes[i] = h
	}

	var decision *policy.Decision
	if step.Descriptor.PolicyName != "" {
		pol, ok := e.policies.Get(step.Descriptor.PolicyName)
		if !ok {
			return e.failStep(ctx, f, step, ErrorClassRuntime, fmt.Sprintf("no policy registered with name %q", step.Descriptor.PolicyName))
		}
		params, _ := step.Descriptor.PolicyParams.(map[string]any)
		d, err := pol.Choose(result.Candidates, policy.Params(params))
		if err != nil {
			return e.failStep(ctx, f, step, ErrorClassRuntime, fmt.Sprintf("policy %q: %v", step.Descriptor.PolicyName, err))
		}
		decision = &d
		if _, err := e.store.Append(ctx, flowID, event.Event{
			Type: event.KindPropertyPreferenceAssigned,
			Payload: event.PropertyPreferenceAssignedPayload{
				StepID: step.Descriptor.StepID, SelectedKey: d.SelectedKey, ParamsHash: d.ParamsHash, Rationale: d.Rationale,
			},
		}, nil); err != nil {
			return StepOutcome{}, fmt.Errorf("engine: append property_preference_assigned: %w", err)
		}
	}

	if e.cfg.ArtifactInsertDisabled {
		artifacts = nil
	}
	seq, err := e.store.Append(ctx, flowID, event.Event{
		Type: event.KindStepFinished,
		Payload: event.StepFinishedPayload{
			StepID: step.Descriptor.StepID, OutputHashes: outputHashes, Fingerprint: fingerprint,
		},
	}, artifacts)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("engine: append step_finished: %w", err)
	}

	if err := e.cache.Put(ctx, fingerprint, CacheEntry{OutputHashes: outputHashes, Decision: decision}); err != nil {
		chemlog.GetEngineLogger().Warn().Err(err).Str("fingerprint", hash.ShortHash(fingerprint)).Msg("failed to populate fingerprint cache")
	}
	chemlog.GetEngineLogger().Debug().Str("flow_id", flowID).Str("step_id", step.Descriptor.StepID).Str("fingerprint", hash.ShortHash(fingerprint)).Msg("step finished")

	return e.completeAfterStep(ctx, f, step, seq, StepOutcome{
		StepID: step.Descriptor.StepID, Status: StepFinished,
		OutputHashes: outputHashes, Fingerprint: fingerprint,
	})
}

// completeAfterStep folds the just-appended step_finished event into f
// and, if the cursor has run off the end, appends flow_completed in the
// same call (spec §4.E: "cursor reached the end, all steps finished").
func (e *Engine) completeAfterStep(ctx context.Context, f *Flow, step *StepState, finishedSeq int64, outcome StepOutcome) (StepOutcome, error) {
	if err := applyEvent(f, event.Event{Seq: finishedSeq, FlowID: f.FlowID, Type: event.KindStepFinished, Payload: &event.StepFinishedPayload{
		StepID: outcome.StepID, OutputHashes: outcome.OutputHashes, Fingerprint: outcome.Fingerprint,
	}}); err != nil {
		return StepOutcome{}, fmt.Errorf("engine: fold step_finished: %w", err)
	}

	if f.currentStep() == nil {
		finished := lo.CountBy(f.Steps, func(s StepState) bool { return s.Status == StepFinished })
		if _, err := e.store.Append(ctx, f.FlowID, event.Event{
			Type:    event.KindFlowCompleted,
			Payload: event.FlowCompletedPayload{StepsCompleted: finished},
		}, nil); err != nil {
			return StepOutcome{}, fmt.Errorf("engine: append flow_completed: %w", err)
		}
		f.Status = FlowCompleted
		chemlog.GetEngineLogger().Info().Str("flow_id", f.FlowID).Int("steps_completed", finished).Msg("flow completed")
	}

	outcome.FlowStatus = f.Status
	return outcome, nil
}

// handleStepError classifies a StepBody.Run error and emits the
// matching event: user_interaction_requested, retry_scheduled, or
// step_failed (spec §4.E steps 7-8, §7).
func (e *Engine) handleStepError(ctx context.Context, f *Flow, step *StepState, attempt int, runErr error) (StepOutcome, error) {
	var interaction *ErrAwaitingInteraction
	if errors.As(runErr, &interaction) {
		if _, err := e.store.Append(ctx, f.FlowID, event.Event{
			Type: event.KindUserInteractionRequested,
			Payload: event.UserInteractionRequestedPayload{
				StepID: step.Descriptor.StepID, InteractionID: interaction.Request.InteractionID, Prompt: interaction.Request.Prompt,
			},
		}, nil); err != nil {
			return StepOutcome{}, fmt.Errorf("engine: append user_interaction_requested: %w", err)
		}
		return StepOutcome{StepID: step.Descriptor.StepID, Status: StepAwaitingUser, FlowStatus: f.Status}, nil
	}

	class, details := classifyBodyError(runErr)

	if class == ErrorClassTransient {
		if attempt+1 < e.cfg.MaxAttempts {
			backoff := backoffMs(e.cfg, attempt)
			if _, err := e.store.Append(ctx, f.FlowID, event.Event{
				Type: event.KindRetryScheduled,
				Payload: event.RetryScheduledPayload{
					StepID: step.Descriptor.StepID, AttemptNumber: attempt, BackoffMs: backoff,
					ErrorClass: string(ErrorClassTransient), Details: details,
				},
			}, nil); err != nil {
				return StepOutcome{}, fmt.Errorf("engine: append retry_scheduled: %w", err)
			}
			return StepOutcome{
				StepID: step.Descriptor.StepID, Status: StepRunning, Attempt: attempt, BackoffMs: backoff,
				ErrorClass: ErrorClassTransient, Details: details, FlowStatus: f.Status,
			}, nil
		}
		class = ErrorClassPermanent
	}

	return e.failStep(ctx, f, step, class, details)
}

// classifyBodyError extracts an ErrorClass/details pair from a StepBody
// error. An unclassified error defaults to ErrorClassRuntime per spec §7.
func classifyBodyError(err error) (ErrorClass, string) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Class, se.Details
	}
	return ErrorClassRuntime, err.Error()
}

// failStep records a terminal step_failed and terminal-fails the flow.
func (e *Engine) failStep(ctx context.Context, f *Flow, step *StepState, class ErrorClass, details string) (StepOutcome, error) {
	attempt := step.RetryCount
	if _, err := e.store.Append(ctx, f.FlowID, event.Event{
		Type: event.KindStepFailed,
		Payload: event.StepFailedPayload{
			StepID: step.Descriptor.StepID, ErrorClass: string(class), Details: details, Attempt: attempt,
		},
	}, nil); err != nil {
		return StepOutcome{}, fmt.Errorf("engine: append step_failed: %w", err)
	}
	chemlog.GetEngineLogger().Warn().Str("flow_id", f.FlowID).Str("step_id", step.Descriptor.StepID).Str("error_class", string(class)).Msg("step failed")
	return StepOutcome{
		StepID: step.Descriptor.StepID, Status: StepFailed, ErrorClass: class, Details: details, FlowStatus: FlowFailed,
	}, nil
}

// ProvideInteraction supplies the response to the current step's
// pending user_interaction_requested (spec §4.E "provide_interaction").
func (e *Engine) ProvideInteraction(ctx context.Context, flowID string, response any) error {
	f, err := e.Load(ctx, flowID)
	if err != nil {
		return err
	}
	if f.Status != FlowActive {
		return fmt.Errorf("%w: flow %s is %s", ErrFlowTerminal, flowID, f.Status)
	}
	step := f.currentStep()
	if step == nil || step.Status != StepAwaitingUser || step.PendingInteractionID == "" {
		return fmt.Errorf("%w: flow %s", ErrInteractionNotPending, flowID)
	}

	if _, err := e.store.Append(ctx, flowID, event.Event{
		Type: event.KindUserInteractionProvided,
		Payload: event.UserInteractionProvidedPayload{
			StepID: step.Descriptor.StepID, InteractionID: step.PendingInteractionID, Response: response,
		},
	}, nil); err != nil {
		return fmt.Errorf("engine: provide_interaction: %w", err)
	}
	return nil
}

// CreateBranch forks a new flow from parentFlowID at fromStepID (spec
// §4.E "create_branch"). overrideParams nil means resume_after mode;
// non-nil means override_step mode, and fromStepID is re-run with the
// new params on the child's next RunNext.
func (e *Engine) CreateBranch(ctx context.Context, parentFlowID, fromStepID string, overrideParams any) (string, error) {
	parent, err := e.Load(ctx, parentFlowID)
	if err != nil {
		return "", err
	}
	idx, ok := parent.stepIndex(fromStepID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrStepNotFound, fromStepID)
	}
	if parent.Steps[idx].Status != StepFinished {
		return "", fmt.Errorf("%w: %s", ErrStepNotFinished, fromStepID)
	}

	mode := event.BranchModeResumeAfter
	var divergenceHash string
	if overrideParams != nil {
		mode = event.BranchModeOverrideStep
		divergenceHash, err = e.hasher.Hash(overrideParams)
		if err != nil {
			return "", fmt.Errorf("engine: hash override params: %w", err)
		}
	}

	childDescriptor := make([]event.StepDescriptor, len(parent.Steps))
	for i, s := range parent.Steps {
		childDescriptor[i] = s.Descriptor
	}
	copyThrough := idx
	if mode == event.BranchModeOverrideStep {
		childDescriptor[idx].Params = overrideParams
		copyThrough = idx - 1
	}

	childFlowID := uuid.NewString()
	if _, err := e.store.Append(ctx, childFlowID, event.Event{
		Type: event.KindFlowInitialized,
		Payload: event.FlowInitializedPayload{
			FlowID: childFlowID, ParentFlowID: parentFlowID, RootFlowID: parent.RootFlowID, Descriptor: childDescriptor,
		},
	}, nil); err != nil {
		return "", fmt.Errorf("engine: create_branch: initialize child: %w", err)
	}

	if err := e.copyEventPrefix(ctx, parentFlowID, childFlowID, copyThrough); err != nil {
		return "", err
	}

	branchID := uuid.NewString()
	if _, err := e.store.Append(ctx, parentFlowID, event.Event{
		Type: event.KindBranchCreated,
		Payload: event.BranchCreatedPayload{
			BranchID: branchID, ChildFlowID: childFlowID, CreatedFromStepID: fromStepID,
			DivergenceParamsHash: divergenceHash, Mode: mode,
		},
	}, nil); err != nil {
		return "", fmt.Errorf("engine: create_branch: append branch_created: %w", err)
	}

	chemlog.GetEngineLogger().Info().Str("parent_flow_id", parentFlowID).Str("child_flow_id", childFlowID).Str("from_step_id", fromStepID).Str("mode", string(mode)).Msg("branch created")
	return childFlowID, nil
}

// copyEventPrefix replays the parent's step_started/property_preference_assigned/
// step_finished/retry_scheduled/step_signal events for steps 0..throughIdx
// into the child's own log,
// so the child's projection (and hence cache/branch behavior) is derived
// purely from its own event log like any other flow (spec §4.E "a
// replayed prefix through from_step_id").
func (e *Engine) copyEventPrefix(ctx context.Context, parentFlowID, childFlowID string, throughIdx int) error {
	if throughIdx < 0 {
		return nil
	}
	events, err := e.store.List(ctx, parentFlowID, 1)
	if err != nil {
		return fmt.Errorf("engine: create_branch: list parent events: %w", err)
	}

	parent, err := e.Load(ctx, parentFlowID)
	if err != nil {
		return err
	}

	for _, evt := range events {
		switch evt.Type {
		case event.KindStepStarted, event.KindPropertyPreferenceAssigned, event.KindStepFinished, event.KindRetryScheduled, event.KindStepSignal:
			if idx, ok := parent.stepIndex(stepIDOf(evt)); !ok || idx > throughIdx {
				continue
			}
			if _, err := e.store.Append(ctx, childFlowID, event.Event{Type: evt.Type, Ts: evt.Ts, Payload: evt.Payload}, nil); err != nil {
				return fmt.Errorf("engine: create_branch: copy event for step %s: %w", stepIDOf(evt), err)
			}
		default:
			// flow_initialized, user_interaction_*, branch_created, flow_completed
			// never belong to the copied prefix of a still-active ancestor flow.
		}
	}
	return nil
}

// stepIDOf extracts the step_id a copyable event payload carries.
func stepIDOf(evt event.Event) string {
	switch p := evt.Payload.(type) {
	case *event.StepStartedPayload:
		return p.StepID
	case *event.PropertyPreferenceAssignedPayload:
		return p.StepID
	case *event.StepFinishedPayload:
		return p.StepID
	case *event.RetryScheduledPayload:
		return p.StepID
	case *event.StepSignalPayload:
		return p.StepID
	default:
		return ""
	}
}
