// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policy implements the deterministic property-selection layer
// (component D): choosing among competing candidate values and mixing a
// params hash into the owning step's fingerprint.
package policy

import (
	"fmt"
	"sort"

	"github.com/chem-gl/chemflow/hash"
)

// Candidate is one competing value a policy chooses among, per step.
type Candidate struct {
	Key           string
	Score         float64
	Provider      string
	TiebreakToken string
}

// Params is the opaque, hashable configuration a policy receives for one
// decision. Its canonical hash becomes Decision.ParamsHash and is mixed
// into the step fingerprint (spec §4.D, invariant I4).
type Params map[string]any

// Decision is the outcome of a policy choosing among Candidates.
type Decision struct {
	SelectedKey string
	ParamsHash  string
	Rationale   string
}

// Policy selects deterministically among candidates. Implementations
// must be pure functions of (candidates, params): the same inputs always
// yield the same Decision, since the decision feeds a cached fingerprint.
type Policy interface {
	Name() string
	Choose(candidates []Candidate, params Params) (Decision, error)
}

// ErrNoCandidates is returned when Choose is called with an empty
// candidate list — there is nothing deterministic to select.
var ErrNoCandidates = fmt.Errorf("policy: no candidates to choose from")

func paramsHash(h *hash.Hasher, params Params) (string, error) {
	tree := make(map[string]any, len(params))
	for k, v := range params {
		tree[k] = v
	}
	digest, err := h.Hash(tree)
	if err != nil {
		return "", fmt.Errorf("policy: hash params: %w", err)
	}
	return digest, nil
}

// sortedCandidates returns a copy of candidates ordered for deterministic
// tie-break scanning: descending score, then ascending tiebreak_token,
// then ascending provider. Score comparisons use hash.Round so that
// float noise below the configured precision never breaks a tie
// differently across runs.
func sortedCandidates(candidates []Candidate, precision int) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		si := hash.Round(out[i].Score, precision)
		sj := hash.Round(out[j].Score, precision)
		if si != sj {
			return si > sj
		}
		if out[i].TiebreakToken != out[j].TiebreakToken {
			return out[i].TiebreakToken < out[j].TiebreakToken
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// MaxScore selects the candidate with the maximum score, breaking ties by
// ascending tiebreak_token then ascending provider (spec §4.D).
type MaxScore struct {
	hasher    *hash.Hasher
	precision int
}

// NewMaxScore constructs a MaxScore policy that normalizes scores to
// floatPrecision decimal digits before comparing them.
func NewMaxScore(floatPrecision int) *MaxScore {
	return &MaxScore{hasher: hash.New(floatPrecision), precision: floatPrecision}
}

func (p *MaxScore) Name() string { return "max_score" }

func (p *MaxScore) Choose(candidates []Candidate, params Params) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidates
	}
	ph, err := paramsHash(p.hasher, params)
	if err != nil {
		return Decision{}, err
	}
	ranked := sortedCandidates(candidates, p.precision)
	winner := ranked[0]
	return Decision{
		SelectedKey: winner.Key,
		ParamsHash:  ph,
		Rationale:   fmt.Sprintf("max_score: selected %q (score=%v, provider=%q)", winner.Key, winner.Score, winner.Provider),
	}, nil
}

// Earliest selects the first-listed candidate deterministically — it
// trusts caller-supplied ordering rather than ranking by score.
// Exercises the registry with a second, distinct strategy alongside
// MaxScore.
type Earliest struct {
	hasher *hash.Hasher
}

// NewEarliest constructs an Earliest policy.
func NewEarliest(floatPrecision int) *Earliest {
	return &Earliest{hasher: hash.New(floatPrecision)}
}

func (p *Earliest) Name() string { return "earliest" }

func (p *Earliest) Choose(candidates []Candidate, params Params) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidates
	}
	ph, err := paramsHash(p.hasher, params)
	if err != nil {
		return Decision{}, err
	}
	winner := candidates[0]
	return Decision{
		SelectedKey: winner.Key,
		ParamsHash:  ph,
		Rationale:   fmt.Sprintf("earliest: selected %q (first-listed candidate)", winner.Key),
	}, nil
}

// Registry is a constructor-injected, typed map from policy name to
// implementation. It is never process-wide mutable state (spec §9
// "Global policy registry" design note) — callers build one and pass it
// into the engine explicitly.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds a Registry from the given policies, keyed by each
// policy's Name().
func NewRegistry(policies ...Policy) *Registry {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		r.policies[p.Name()] = p
	}
	return r
}

// Get returns the named policy, or false if no such policy was
// registered.
func (r *Registry) Get(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}
