// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

// Config holds the algorithmic knobs of spec §6. It is a plain struct
// with defaults — the engine never reads files or environment variables
// for these; an embedding application constructs and owns one. Contrast
// with internal/storecfg.Config, which is deployment plumbing for the
// SQL backend and logging, not engine behavior.
type Config struct {
	// MaxAttempts is the number of attempts (including the first) before
	// a transient failure is reclassified permanent.
	MaxAttempts int
	// RetryBaseMs is the base backoff in milliseconds: base * 2^attempt.
	RetryBaseMs int64
	// RetryJitterFrac is the fraction of the computed backoff added as
	// random jitter, in [0, 1).
	RetryJitterFrac float64
	// FloatPrecision is the decimal digit count used when canonicalizing
	// floats for hashing (fingerprints, policy params, artifact hashes).
	FloatPrecision int
	// ArtifactInsertDisabled, when true, still emits events but omits
	// artifact rows — diagnostic only, never for normal operation.
	ArtifactInsertDisabled bool
}

// DefaultConfig returns the recognized option defaults from spec §6.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:            3,
		RetryBaseMs:            100,
		RetryJitterFrac:        0.1,
		FloatPrecision:         9,
		ArtifactInsertDisabled: false,
	}
}
