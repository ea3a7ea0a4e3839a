// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_IsValid_ClosedSet(t *testing.T) {
	valid := []Kind{
		KindFlowInitialized,
		KindStepStarted,
		KindPropertyPreferenceAssigned,
		KindStepFinished,
		KindStepFailed,
		KindStepSignal,
		KindRetryScheduled,
		KindUserInteractionRequested,
		KindUserInteractionProvided,
		KindBranchCreated,
		KindFlowCompleted,
	}
	assert.Len(t, valid, len(knownKinds))
	for _, k := range valid {
		assert.True(t, k.IsValid(), "%s should be valid", k)
	}
}

func TestKind_IsValid_RejectsUnknownAndUppercase(t *testing.T) {
	assert.False(t, Kind("STEP_STARTED").IsValid())
	assert.False(t, Kind("Step_Started").IsValid())
	assert.False(t, Kind("not_a_real_kind").IsValid())
	assert.False(t, Kind("").IsValid())
}

func TestErrUnknownKind_Message(t *testing.T) {
	err := &ErrUnknownKind{Kind: Kind("bogus_event")}
	assert.Contains(t, err.Error(), "bogus_event")
}
