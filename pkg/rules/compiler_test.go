// SPDX-License-Identifier: AGPL-3.0-only

package rules

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProviders struct {
	blended      float64
	projectRates map[int64]float64
	factors      map[int64]float64
}

func (f *fakeProviders) BlendedSampleRate(int64) float64 {
	return f.blended
}

func (f *fakeProviders) ProjectSampleRate(_ context.Context, _, projectID int64, defaultRate float64) (float64, error) {
	if rate, ok := f.projectRates[projectID]; ok {
		return rate, nil
	}
	return defaultRate, nil
}

func (f *fakeProviders) RebalanceFactor(_ context.Context, orgID int64) (float64, bool, error) {
	factor, ok := f.factors[orgID]
	if !ok {
		return 1, false, nil
	}
	return factor, true, nil
}

func newTestCompiler(providers *fakeProviders) *Compiler {
	return NewCompiler(providers, providers, providers, log.NewNopLogger())
}

func TestCompiler_NoFactorPersisted(t *testing.T) {
	c := newTestCompiler(&fakeProviders{
		blended:      0.25,
		projectRates: map[int64]float64{11: 0.1481},
	})

	compiled, err := c.Compile(context.Background(), 1, 11, nil)
	require.NoError(t, err)

	// Just the uniform rule: no factor-1.0 placeholder is ever emitted.
	require.Len(t, compiled, 1)
	assert.Equal(t, RuleIDUniform, compiled[0].ID)
	assert.Equal(t, NewSampleRate(0.1481), compiled[0].SamplingValue)
	for _, rule := range compiled {
		assert.NotEqual(t, SamplingValueTypeFactor, rule.SamplingValue.Type)
	}
}

func TestCompiler_FactorRuleAppendedLast(t *testing.T) {
	c := newTestCompiler(&fakeProviders{
		blended:      0.25,
		projectRates: map[int64]float64{11: 0.5},
		factors:      map[int64]float64{1: 2.0},
	})

	static := []Rule{{
		SamplingValue: NewFactor(1.5),
		Type:          RuleTypeTrace,
		Condition:     AlwaysMatch(),
		ID:            RuleIDBoostLatestReleases,
	}}

	compiled, err := c.Compile(context.Background(), 1, 11, static)
	require.NoError(t, err)

	// Static rules first, unchanged, then the uniform rate, then exactly
	// one recalibration factor rule. The factor composes multiplicatively
	// on top of whichever rate rule matched earlier, so it must stay last.
	require.Len(t, compiled, 3)
	assert.Equal(t, static[0], compiled[0])
	assert.Equal(t, RuleIDUniform, compiled[1].ID)

	last := compiled[2]
	assert.Equal(t, RuleIDRecalibration, last.ID)
	assert.Equal(t, NewFactor(2.0), last.SamplingValue)
	assert.Equal(t, RuleTypeTrace, last.Type)
	assert.Equal(t, AlwaysMatch(), last.Condition)
}

func TestCompiler_DefaultsToBlendedRate(t *testing.T) {
	c := newTestCompiler(&fakeProviders{blended: 0.25})

	compiled, err := c.Compile(context.Background(), 1, 11, nil)
	require.NoError(t, err)

	require.Len(t, compiled, 1)
	assert.Equal(t, NewSampleRate(0.25), compiled[0].SamplingValue)
}

func TestCompiler_StaticRulesDroppedAtFullRate(t *testing.T) {
	c := newTestCompiler(&fakeProviders{
		blended: 1,
		factors: map[int64]float64{1: 0.5},
	})

	static := []Rule{
		{SamplingValue: NewFactor(5), Type: RuleTypeTrace, Condition: AlwaysMatch(), ID: RuleIDBoostEnvironments},
		{SamplingValue: NewSampleRate(0), Type: RuleTypeTransaction, Condition: AlwaysMatch(), ID: RuleIDIgnoreHealthChecks},
	}

	compiled, err := c.Compile(context.Background(), 1, 11, static)
	require.NoError(t, err)

	// Rate-shaping biases are pointless at a 100% base rate; only the
	// uniform and recalibration rules survive.
	require.Len(t, compiled, 2)
	assert.Equal(t, RuleIDUniform, compiled[0].ID)
	assert.Equal(t, RuleIDRecalibration, compiled[1].ID)
}

func TestCompiler_RejectsInvalidBlendedRate(t *testing.T) {
	for _, blended := range []float64{0, -0.5, 1.5} {
		c := newTestCompiler(&fakeProviders{blended: blended})

		_, err := c.Compile(context.Background(), 1, 11, nil)
		assert.Error(t, err, "blended rate %v", blended)
	}
}
