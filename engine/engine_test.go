// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chem-gl/chemflow/chemflowtest"
	"github.com/chem-gl/chemflow/event"
	"github.com/chem-gl/chemflow/policy"
	"github.com/chem-gl/chemflow/store"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryJitterFrac = 0
	return cfg
}

func newTestEngine(t *testing.T, bodies map[string]StepBody) (*Engine, store.EventStore) {
	t.Helper()
	st := store.NewMemoryStore(false)
	reg := NewStepBodyRegistry(bodies)
	policies := policy.NewRegistry(policy.NewMaxScore(9), policy.NewEarliest(9))
	return NewEngine(st, policies, reg, nil, testConfig()), st
}

func linearDescriptor() []event.StepDescriptor {
	return []event.StepDescriptor{
		chemflowtest.Step("fetch", "fetch_family", nil, []string{"family"}),
		chemflowtest.Step("filter", "filter_family", []string{"family"}, []string{"filtered"}),
		chemflowtest.Step("score", "score_family", []string{"filtered"}, []string{"scored"}),
	}
}

func linearBodies() map[string]StepBody {
	return map[string]StepBody{
		"fetch_family":  chemflowtest.NewScriptedBody(chemflowtest.Success(chemflowtest.Output("family", map[string]any{"n": 1}))),
		"filter_family": chemflowtest.NewScriptedBody(chemflowtest.Success(chemflowtest.Output("filtered", map[string]any{"n": 2}))),
		"score_family":  chemflowtest.NewScriptedBody(chemflowtest.Success(chemflowtest.Output("scored", map[string]any{"n": 3}))),
	}
}

// Scenario 1 (spec §8): a linear three-step flow appends events in
// order and each step gets a distinct fingerprint.
func TestRunNext_LinearFlow_OrdersEventsAndDistinctFingerprints(t *testing.T) {
	eng, st := newTestEngine(t, linearBodies())
	ctx := context.Background()

	flowID, err := eng.Initialize(ctx, linearDescriptor())
	require.NoError(t, err)

	var fingerprints []string
	for i := 0; i < 3; i++ {
		out, err := eng.RunNext(ctx, flowID)
		require.NoError(t, err)
		require.Equal(t, StepFinished, out.Status)
		fingerprints = append(fingerprints, out.Fingerprint)
	}
	assert.Len(t, fingerprints, 3)
	assert.NotEqual(t, fingerprints[0], fingerprints[1])
	assert.NotEqual(t, fingerprints[1], fingerprints[2])
	assert.NotEqual(t, fingerprints[0], fingerprints[2])

	events, err := st.List(ctx, flowID, 1)
	require.NoError(t, err)
	var kinds []event.Kind
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []event.Kind{
		event.KindFlowInitialized,
		event.KindStepStarted, event.KindStepFinished,
		event.KindStepStarted, event.KindStepFinished,
		event.KindStepStarted, event.KindStepFinished,
		event.KindFlowCompleted,
	}, kinds)

	f, err := eng.Load(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, f.Status)
}

// Property P1: repeating the same flow from scratch three times yields
// identical event-type sequences and identical fingerprints.
func TestRunNext_Determinism_ThreeRunsYieldIdenticalFingerprints(t *testing.T) {
	var runs [][]string
	for i := 0; i < 3; i++ {
		eng, _ := newTestEngine(t, linearBodies())
		ctx := context.Background()
		flowID, err := eng.Initialize(ctx, linearDescriptor())
		require.NoError(t, err)

		var fps []string
		for j := 0; j < 3; j++ {
			out, err := eng.RunNext(ctx, flowID)
			require.NoError(t, err)
			fps = append(fps, out.Fingerprint)
		}
		runs = append(runs, fps)
	}
	assert.Equal(t, runs[0], runs[1])
	assert.Equal(t, runs[0], runs[2])
}

// Scenario 2: a second flow with the same descriptor as an already-run
// flow hits the fingerprint cache and never re-invokes the body.
func TestRunNext_CacheHit_NeverReinvokesBody(t *testing.T) {
	body := chemflowtest.NewScriptedBody(chemflowtest.Success(chemflowtest.Output("family", map[string]any{"n": 1})))
	eng, st := newTestEngine(t, map[string]StepBody{"fetch_family": body})
	ctx := context.Background()

	descriptor := []event.StepDescriptor{chemflowtest.Step("fetch", "fetch_family", nil, []string{"family"})}
	flowID, err := eng.Initialize(ctx, descriptor)
	require.NoError(t, err)

	out1, err := eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, 1, body.Calls())

	// A fresh flow replaying the exact same descriptor should land the
	// same fingerprint in the cache and skip the body entirely.
	flowID2, err := eng.Initialize(ctx, descriptor)
	require.NoError(t, err)
	out2, err := eng.RunNext(ctx, flowID2)
	require.NoError(t, err)
	assert.Equal(t, 1, body.Calls(), "cache hit must not invoke the step body again")
	assert.Equal(t, out1.Fingerprint, out2.Fingerprint)
	assert.Equal(t, out1.OutputHashes, out2.OutputHashes)

	events, err := st.List(ctx, flowID2, 1)
	require.NoError(t, err)
	assert.Len(t, events, 4) // flow_initialized, step_started, step_finished, flow_completed
}

// Scenario 3: a transient failure retries with the exact scheduled
// backoff and attempt_number sequence, then succeeds.
func TestRunNext_TransientThenSuccess_ExactRetrySequence(t *testing.T) {
	body := chemflowtest.NewScriptedBody(
		chemflowtest.Fail(ErrorClassTransient, "upstream hiccup"),
		chemflowtest.Fail(ErrorClassTransient, "upstream hiccup again"),
		chemflowtest.Success(chemflowtest.Output("family", map[string]any{"n": 1})),
	)
	eng, _ := newTestEngine(t, map[string]StepBody{"fetch_family": body})
	ctx := context.Background()

	descriptor := []event.StepDescriptor{chemflowtest.Step("fetch", "fetch_family", nil, []string{"family"})}
	flowID, err := eng.Initialize(ctx, descriptor)
	require.NoError(t, err)

	out1, err := eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, StepRunning, out1.Status)
	assert.Equal(t, ErrorClassTransient, out1.ErrorClass)
	assert.Equal(t, 0, out1.Attempt)
	assert.Equal(t, int64(100), out1.BackoffMs) // base*2^0, no jitter

	out2, err := eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, StepRunning, out2.Status)
	assert.Equal(t, 1, out2.Attempt)
	assert.Equal(t, int64(200), out2.BackoffMs) // base*2^1

	out3, err := eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, StepFinished, out3.Status)
	assert.Equal(t, 3, body.Calls())
}

// Exhausting max_attempts on a transient failure reclassifies it
// permanent and terminal-fails the flow.
func TestRunNext_TransientExhausted_BecomesPermanent(t *testing.T) {
	body := chemflowtest.NewScriptedBody(
		chemflowtest.Fail(ErrorClassTransient, "still down"),
		chemflowtest.Fail(ErrorClassTransient, "still down"),
		chemflowtest.Fail(ErrorClassTransient, "still down"),
	)
	eng, _ := newTestEngine(t, map[string]StepBody{"fetch_family": body})
	ctx := context.Background()

	descriptor := []event.StepDescriptor{chemflowtest.Step("fetch", "fetch_family", nil, []string{"family"})}
	flowID, err := eng.Initialize(ctx, descriptor)
	require.NoError(t, err)

	_, err = eng.RunNext(ctx, flowID) // attempt 0: retry scheduled
	require.NoError(t, err)
	_, err = eng.RunNext(ctx, flowID) // attempt 1: retry scheduled
	require.NoError(t, err)
	out, err := eng.RunNext(ctx, flowID) // attempt 2: max_attempts=3 reached, permanent
	require.NoError(t, err)
	assert.Equal(t, StepFailed, out.Status)
	assert.Equal(t, ErrorClassPermanent, out.ErrorClass)
	assert.Equal(t, FlowFailed, out.FlowStatus)

	f, err := eng.Load(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, FlowFailed, f.Status)
	assert.Equal(t, ErrorClassPermanent, f.LastErrorClass)

	_, err = eng.RunNext(ctx, flowID)
	assert.ErrorIs(t, err, ErrFlowTerminal)
}

// Scenario 4: a validation failure is fatal — no retry_scheduled, flow
// fails outright.
func TestRunNext_ValidationFailure_IsFatal(t *testing.T) {
	body := chemflowtest.NewValidationFailingBody("bad params")
	eng, st := newTestEngine(t, map[string]StepBody{"fetch_family": body})
	ctx := context.Background()

	descriptor := []event.StepDescriptor{chemflowtest.Step("fetch", "fetch_family", nil, []string{"family"})}
	flowID, err := eng.Initialize(ctx, descriptor)
	require.NoError(t, err)

	out, err := eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, out.Status)
	assert.Equal(t, ErrorClassValidation, out.ErrorClass)
	assert.Equal(t, FlowFailed, out.FlowStatus)
	assert.Equal(t, 0, body.Calls(), "Run must never be called when Validate fails")

	stepErrs, err := st.ListStepExecutionErrors(ctx, flowID)
	require.NoError(t, err)
	require.Len(t, stepErrs, 1)
	assert.Equal(t, string(ErrorClassValidation), stepErrs[0].ErrorClass)
}

// Scenario 5: branching from a finished step produces a distinct
// fingerprint for the re-run step and records branch_created once on
// the parent.
func TestCreateBranch_OverrideStep_DivergesFingerprintAndRecordsBranch(t *testing.T) {
	eng, st := newTestEngine(t, linearBodies())
	ctx := context.Background()

	flowID, err := eng.Initialize(ctx, linearDescriptor())
	require.NoError(t, err)
	var parentFingerprints []string
	for i := 0; i < 3; i++ {
		out, err := eng.RunNext(ctx, flowID)
		require.NoError(t, err)
		parentFingerprints = append(parentFingerprints, out.Fingerprint)
	}

	childFlowID, err := eng.CreateBranch(ctx, flowID, "filter", map[string]any{"threshold": 0.5})
	require.NoError(t, err)
	require.NotEqual(t, flowID, childFlowID)

	child, err := eng.Load(ctx, childFlowID)
	require.NoError(t, err)
	assert.Equal(t, StepFinished, child.Steps[0].Status, "step before divergence point is copied as finished")
	assert.Equal(t, parentFingerprints[0], child.Steps[0].Fingerprint)
	assert.Equal(t, StepPending, child.Steps[1].Status, "divergence step itself must re-run")

	childOut, err := eng.RunNext(ctx, childFlowID)
	require.NoError(t, err)
	assert.NotEqual(t, parentFingerprints[1], childOut.Fingerprint, "overridden params must change the fingerprint")

	branches, err := st.ListBranches(ctx, flowID)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, flowID, branches[0].ParentFlowID)
	assert.Equal(t, flowID, branches[0].RootFlowID)
}

func TestCreateBranch_ResumeAfter_CopiesThroughDivergenceStepInclusive(t *testing.T) {
	eng, _ := newTestEngine(t, linearBodies())
	ctx := context.Background()

	flowID, err := eng.Initialize(ctx, linearDescriptor())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := eng.RunNext(ctx, flowID)
		require.NoError(t, err)
	}

	childFlowID, err := eng.CreateBranch(ctx, flowID, "filter", nil)
	require.NoError(t, err)

	child, err := eng.Load(ctx, childFlowID)
	require.NoError(t, err)
	assert.Equal(t, StepFinished, child.Steps[0].Status)
	assert.Equal(t, StepFinished, child.Steps[1].Status, "resume_after copies the divergence step itself as finished")
	assert.Equal(t, StepPending, child.Steps[2].Status)
}

func TestCreateBranch_FromUnfinishedStep_Fails(t *testing.T) {
	eng, _ := newTestEngine(t, linearBodies())
	ctx := context.Background()

	flowID, err := eng.Initialize(ctx, linearDescriptor())
	require.NoError(t, err)

	_, err = eng.CreateBranch(ctx, flowID, "filter", nil)
	assert.ErrorIs(t, err, ErrStepNotFinished)
}

// Scenario 6: mixing a policy in changes the fingerprint, and
// property_preference_assigned always precedes step_finished.
func TestRunNext_PolicyMixedIntoFingerprint_PrecedesStepFinished(t *testing.T) {
	body := chemflowtest.NewScriptedBody(chemflowtest.SuccessWithCandidates(
		[]policy.Candidate{
			chemflowtest.Candidate("a", 0.5, "p1", "m"),
			chemflowtest.Candidate("b", 0.9, "p2", "n"),
		},
		chemflowtest.Output("scored", map[string]any{"n": 1}),
	))

	descWithPolicy := chemflowtest.WithPolicy(
		chemflowtest.Step("score", "score_family", nil, []string{"scored"}),
		"max_score", map[string]any{"tie_break": "name"},
	)
	descWithoutPolicy := chemflowtest.Step("score", "score_family", nil, []string{"scored"})

	eng, st := newTestEngine(t, map[string]StepBody{"score_family": body})
	ctx := context.Background()

	flowWithPolicy, err := eng.Initialize(ctx, []event.StepDescriptor{descWithPolicy})
	require.NoError(t, err)
	outWith, err := eng.RunNext(ctx, flowWithPolicy)
	require.NoError(t, err)

	flowWithoutPolicy, err := eng.Initialize(ctx, []event.StepDescriptor{descWithoutPolicy})
	require.NoError(t, err)
	outWithout, err := eng.RunNext(ctx, flowWithoutPolicy)
	require.NoError(t, err)

	assert.NotEqual(t, outWith.Fingerprint, outWithout.Fingerprint)

	events, err := st.List(ctx, flowWithPolicy, 1)
	require.NoError(t, err)
	var sawPreference, sawFinished bool
	for _, e := range events {
		switch e.Type {
		case event.KindPropertyPreferenceAssigned:
			sawPreference = true
			assert.False(t, sawFinished, "property_preference_assigned must precede step_finished")
		case event.KindStepFinished:
			sawFinished = true
		}
	}
	assert.True(t, sawPreference)
	assert.True(t, sawFinished)

	f, err := eng.Load(ctx, flowWithPolicy)
	require.NoError(t, err)
	assert.Equal(t, "b", f.Steps[0].PolicySelectedKey)
}

// Differing policy params (same candidates) must also diverge the
// fingerprint, since the params hash is mixed in independently of the
// candidates a run happens to supply.
func TestRunNext_DifferingPolicyParams_DivergeFingerprint(t *testing.T) {
	makeBody := func() StepBody {
		return chemflowtest.NewScriptedBody(chemflowtest.SuccessWithCandidates(
			[]policy.Candidate{chemflowtest.Candidate("a", 1, "p", "t")},
			chemflowtest.Output("scored", map[string]any{"n": 1}),
		))
	}

	eng, _ := newTestEngine(t, map[string]StepBody{"score_family": makeBody()})
	ctx := context.Background()

	d1 := chemflowtest.WithPolicy(chemflowtest.Step("score", "score_family", nil, []string{"scored"}), "max_score", map[string]any{"tie_break": "name"})
	flow1, err := eng.Initialize(ctx, []event.StepDescriptor{d1})
	require.NoError(t, err)
	out1, err := eng.RunNext(ctx, flow1)
	require.NoError(t, err)

	eng2, _ := newTestEngine(t, map[string]StepBody{"score_family": makeBody()})
	d2 := chemflowtest.WithPolicy(chemflowtest.Step("score", "score_family", nil, []string{"scored"}), "max_score", map[string]any{"tie_break": "provider"})
	flow2, err := eng2.Initialize(ctx, []event.StepDescriptor{d2})
	require.NoError(t, err)
	out2, err := eng2.RunNext(ctx, flow2)
	require.NoError(t, err)

	assert.NotEqual(t, out1.Fingerprint, out2.Fingerprint)
}

func TestInitialize_RejectsEmptyDuplicateAndUnproducedInput(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.Initialize(ctx, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.Initialize(ctx, []event.StepDescriptor{
		chemflowtest.Step("a", "k", nil, []string{"x"}),
		chemflowtest.Step("a", "k", nil, []string{"y"}),
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.Initialize(ctx, []event.StepDescriptor{
		chemflowtest.Step("a", "k", []string{"nope"}, []string{"x"}),
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProvideInteraction_UnparkAndResponseFeedsNextFingerprint(t *testing.T) {
	interactionBody := &interactionScriptedBody{
		first: &ErrAwaitingInteraction{Request: InteractionRequest{InteractionID: "i1", Prompt: "pick one"}},
		after: chemflowtest.Success(chemflowtest.Output("family", map[string]any{"n": 1})),
	}
	eng, st := newTestEngine(t, map[string]StepBody{"fetch_family": interactionBody})
	ctx := context.Background()

	descriptor := []event.StepDescriptor{chemflowtest.Step("fetch", "fetch_family", nil, []string{"family"})}
	flowID, err := eng.Initialize(ctx, descriptor)
	require.NoError(t, err)

	out, err := eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingUser, out.Status)

	_, err = eng.RunNext(ctx, flowID)
	assert.ErrorIs(t, err, ErrAwaitingUser)

	err = eng.ProvideInteraction(ctx, flowID, "chosen-answer")
	require.NoError(t, err)

	out2, err := eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, StepFinished, out2.Status)

	withoutResponse, err := eng.hasher.Fingerprint("fetch_family", nil, nil, "")
	require.NoError(t, err)
	assert.NotEqual(t, withoutResponse, out2.Fingerprint, "the interaction response must be mixed into the fingerprint")

	events, err := st.List(ctx, flowID, 1)
	require.NoError(t, err)
	var sawRequested, sawProvided bool
	for _, e := range events {
		switch e.Type {
		case event.KindUserInteractionRequested:
			sawRequested = true
		case event.KindUserInteractionProvided:
			sawProvided = true
		}
	}
	assert.True(t, sawRequested)
	assert.True(t, sawProvided)
}

// interactionScriptedBody returns ErrAwaitingInteraction once, then the
// scripted success outcome — a hand-rolled fake since ScriptedBody has
// no notion of interaction suspension.
type interactionScriptedBody struct {
	calls int
	first error
	after chemflowtest.Outcome
}

func (b *interactionScriptedBody) Validate(_ context.Context, _ any) error { return nil }

func (b *interactionScriptedBody) Run(_ context.Context, _ StepRequest) (StepResult, error) {
	b.calls++
	if b.calls == 1 {
		return StepResult{}, b.first
	}
	if b.after.Err != nil {
		return StepResult{}, b.after.Err
	}
	return StepResult{Outputs: b.after.Outputs, Candidates: b.after.Candidates}, nil
}

var _ StepBody = (*interactionScriptedBody)(nil)

func TestSummarize_CountsStatusesAndRetries(t *testing.T) {
	body := chemflowtest.NewScriptedBody(
		chemflowtest.Fail(ErrorClassTransient, "hiccup"),
		chemflowtest.Success(chemflowtest.Output("family", map[string]any{"n": 1})),
	)
	eng, _ := newTestEngine(t, map[string]StepBody{"fetch_family": body})
	ctx := context.Background()

	descriptor := []event.StepDescriptor{chemflowtest.Step("fetch", "fetch_family", nil, []string{"family"})}
	flowID, err := eng.Initialize(ctx, descriptor)
	require.NoError(t, err)

	_, err = eng.RunNext(ctx, flowID)
	require.NoError(t, err)
	_, err = eng.RunNext(ctx, flowID)
	require.NoError(t, err)

	summary, err := eng.Summarize(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, summary.Status)
	assert.Equal(t, 1, summary.StepCounts[StepFinished])
	assert.Equal(t, 1, summary.TotalRetries)
}

func TestDiffBranch_ReportsFingerprintAndOutputAgreement(t *testing.T) {
	eng, _ := newTestEngine(t, linearBodies())
	ctx := context.Background()

	flowID, err := eng.Initialize(ctx, linearDescriptor())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := eng.RunNext(ctx, flowID)
		require.NoError(t, err)
	}

	childFlowID, err := eng.CreateBranch(ctx, flowID, "filter", map[string]any{"threshold": 0.9})
	require.NoError(t, err)
	_, err = eng.RunNext(ctx, childFlowID) // re-run the diverged step
	require.NoError(t, err)

	diffs, err := eng.DiffBranch(ctx, flowID, childFlowID)
	require.NoError(t, err)
	require.Len(t, diffs, 3) // fetch, filter, score all share step ids with the parent

	byStep := make(map[string]StepDivergence, len(diffs))
	for _, d := range diffs {
		byStep[d.StepID] = d
	}
	assert.True(t, byStep["fetch"].FingerprintMatches)
	assert.False(t, byStep["filter"].FingerprintMatches)
}
