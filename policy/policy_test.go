// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxScore_SelectsHighestScore(t *testing.T) {
	p := NewMaxScore(9)
	candidates := []Candidate{
		{Key: "a", Score: 0.5, Provider: "p1", TiebreakToken: "m"},
		{Key: "b", Score: 0.9, Provider: "p2", TiebreakToken: "n"},
		{Key: "c", Score: 0.1, Provider: "p3", TiebreakToken: "o"},
	}
	d, err := p.Choose(candidates, Params{"tie_break": "name"})
	require.NoError(t, err)
	assert.Equal(t, "b", d.SelectedKey)
	assert.Len(t, d.ParamsHash, 64)
}

func TestMaxScore_TieBreaksByTiebreakTokenThenProvider(t *testing.T) {
	p := NewMaxScore(9)
	candidates := []Candidate{
		{Key: "a", Score: 1.0, Provider: "zzz", TiebreakToken: "b"},
		{Key: "b", Score: 1.0, Provider: "aaa", TiebreakToken: "a"},
		{Key: "c", Score: 1.0, Provider: "bbb", TiebreakToken: "a"},
	}
	d, err := p.Choose(candidates, Params{})
	require.NoError(t, err)
	assert.Equal(t, "b", d.SelectedKey, "lowest tiebreak_token wins, then lowest provider")
}

func TestMaxScore_NormalizesFloatNoiseBeforeComparing(t *testing.T) {
	p := NewMaxScore(3)
	candidates := []Candidate{
		{Key: "a", Score: 0.50001, Provider: "p1", TiebreakToken: "a"},
		{Key: "b", Score: 0.50002, Provider: "p2", TiebreakToken: "b"},
	}
	d, err := p.Choose(candidates, Params{})
	require.NoError(t, err)
	assert.Equal(t, "a", d.SelectedKey, "scores equal at precision 3 decimals; tiebreak_token breaks the tie")
}

func TestMaxScore_ParamsChangeParamsHash(t *testing.T) {
	p := NewMaxScore(9)
	candidates := []Candidate{{Key: "a", Score: 1, Provider: "p", TiebreakToken: "t"}}
	d1, err := p.Choose(candidates, Params{"tie_break": "name"})
	require.NoError(t, err)
	d2, err := p.Choose(candidates, Params{"tie_break": "provider"})
	require.NoError(t, err)
	assert.NotEqual(t, d1.ParamsHash, d2.ParamsHash)
}

func TestMaxScore_NoCandidates(t *testing.T) {
	p := NewMaxScore(9)
	_, err := p.Choose(nil, Params{})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestEarliest_SelectsFirstListed(t *testing.T) {
	p := NewEarliest(9)
	candidates := []Candidate{
		{Key: "first", Score: 0.1, Provider: "p1", TiebreakToken: "z"},
		{Key: "second", Score: 0.9, Provider: "p2", TiebreakToken: "a"},
	}
	d, err := p.Choose(candidates, Params{})
	require.NoError(t, err)
	assert.Equal(t, "first", d.SelectedKey)
}

func TestRegistry_GetByName(t *testing.T) {
	reg := NewRegistry(NewMaxScore(9), NewEarliest(9))

	maxScore, ok := reg.Get("max_score")
	require.True(t, ok)
	assert.Equal(t, "max_score", maxScore.Name())

	earliest, ok := reg.Get("earliest")
	require.True(t, ok)
	assert.Equal(t, "earliest", earliest.Name())

	_, ok = reg.Get("nonexistent")
	assert.False(t, ok)
}
