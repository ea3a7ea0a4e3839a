// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters, one per component, so every package logs under
// a consistent, stable name regardless of which file calls in.

// GetEngineLogger returns a logger for the flow engine.
func GetEngineLogger() *zerolog.Logger {
	return GetLogger("engine")
}

// GetStoreLogger returns a logger for event-store backends.
func GetStoreLogger() *zerolog.Logger {
	return GetLogger("store")
}

// GetPolicyLogger returns a logger for the policy layer.
func GetPolicyLogger() *zerolog.Logger {
	return GetLogger("policy")
}

// GetHashLogger returns a logger for the canonical hasher. Unused on the
// hot hashing path by design — fingerprinting stays silent for cost
// reasons — but available for the rare diagnostic call site.
func GetHashLogger() *zerolog.Logger {
	return GetLogger("hash")
}
