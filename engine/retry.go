// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"math"
	"math/rand"
)

// backoffMs computes base * 2^attempt plus jitter in [0, jitterFrac] of
// that value (spec §4.E "Retry scheduling"). attempt is 0-based, matching
// retry_scheduled.attempt_number. Tests asserting an exact sequence
// (scenario 3) construct a Config with RetryJitterFrac: 0.
func backoffMs(cfg Config, attempt int) int64 {
	base := float64(cfg.RetryBaseMs) * math.Pow(2, float64(attempt))
	jitter := base * cfg.RetryJitterFrac * rand.Float64()
	return int64(base + jitter)
}
