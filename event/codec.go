// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload unmarshals raw (typically the bytes a store persisted,
// or any value produced by a generic JSON decode) into the typed payload
// struct for kind. Every backend uses this on replay so that List/Load
// callers see the same concrete payload type regardless of whether the
// event came from the in-memory or the SQL backend (backend parity, P9).
func DecodePayload(kind Kind, raw any) (any, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("event: re-marshal payload for %s: %w", kind, err)
	}

	var target any
	switch kind {
	case KindFlowInitialized:
		target = &FlowInitializedPayload{}
	case KindStepStarted:
		target = &StepStartedPayload{}
	case KindPropertyPreferenceAssigned:
		target = &PropertyPreferenceAssignedPayload{}
	case KindStepFinished:
		target = &StepFinishedPayload{}
	case KindStepFailed:
		target = &StepFailedPayload{}
	case KindStepSignal:
		target = &StepSignalPayload{}
	case KindRetryScheduled:
		target = &RetryScheduledPayload{}
	case KindUserInteractionRequested:
		target = &UserInteractionRequestedPayload{}
	case KindUserInteractionProvided:
		target = &UserInteractionProvidedPayload{}
	case KindBranchCreated:
		target = &BranchCreatedPayload{}
	case KindFlowCompleted:
		target = &FlowCompletedPayload{}
	default:
		return nil, &ErrUnknownKind{Kind: kind}
	}

	if err := json.Unmarshal(b, target); err != nil {
		return nil, fmt.Errorf("event: decode payload for %s: %w", kind, err)
	}
	return target, nil
}
