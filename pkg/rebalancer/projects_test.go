// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectPrioritizer_InverseProportionalAllocation(t *testing.T) {
	p := NewProjectPrioritizer(0, 0, log.NewNopLogger())

	// Four projects with relative volumes 9:7:3:1 at a blended rate of 0.25.
	// High-volume projects are sampled down, the lowest-volume project is
	// clamped to keeping everything.
	rates := p.Prioritize(0.25, map[int64]int64{
		1: 9,
		2: 7,
		3: 3,
		4: 1,
	})

	require.Len(t, rates, 4)
	assert.InDelta(t, 0.14814814814814814, rates[1], 1e-9)
	assert.InDelta(t, 0.19047619047619047, rates[2], 1e-9)
	assert.InDelta(t, 0.4444444444444444, rates[3], 1e-9)
	assert.Equal(t, 1.0, rates[4])
}

func TestProjectPrioritizer_UniformVolumes(t *testing.T) {
	p := NewProjectPrioritizer(0, 0, log.NewNopLogger())

	rates := p.Prioritize(0.3, map[int64]int64{1: 500, 2: 500, 3: 500})

	require.Len(t, rates, 3)
	for projectID, rate := range rates {
		assert.InDelta(t, 0.3, rate, 1e-9, "project %d", projectID)
	}
}

func TestProjectPrioritizer_SingleProject(t *testing.T) {
	p := NewProjectPrioritizer(0, 0, log.NewNopLogger())

	rates := p.Prioritize(0.42, map[int64]int64{7: 123456})

	require.Len(t, rates, 1)
	assert.Equal(t, 0.42, rates[7])
}

func TestProjectPrioritizer_BudgetConservation(t *testing.T) {
	tests := map[string]struct {
		blended float64
		volumes map[int64]int64
	}{
		"skewed volumes":     {blended: 0.25, volumes: map[int64]int64{1: 9000, 2: 7000, 3: 3000, 4: 1000}},
		"two projects":       {blended: 0.5, volumes: map[int64]int64{1: 100, 2: 900}},
		"heavy tail":         {blended: 0.1, volumes: map[int64]int64{1: 1000000, 2: 1000, 3: 1000, 4: 1000, 5: 1000}},
		"equal volume ties":  {blended: 0.2, volumes: map[int64]int64{1: 300, 2: 300, 3: 4000}},
		"full blended rate":  {blended: 1, volumes: map[int64]int64{1: 10, 2: 20, 3: 30}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := NewProjectPrioritizer(0, 0, log.NewNopLogger())
			rates := p.Prioritize(tc.blended, tc.volumes)

			var kept, total float64
			for projectID, volume := range tc.volumes {
				rate, ok := rates[projectID]
				require.True(t, ok, "project %d has no rate", projectID)
				assert.GreaterOrEqual(t, rate, 0.0)
				assert.LessOrEqual(t, rate, 1.0)
				kept += rate * float64(volume)
				total += float64(volume)
			}

			// The volume-weighted mean of the assigned rates reproduces the
			// blended rate: allocation is budget-conserving.
			assert.InDelta(t, tc.blended, kept/total, 1e-9)
		})
	}
}

func TestProjectPrioritizer_EqualVolumesGetEqualRates(t *testing.T) {
	p := NewProjectPrioritizer(0, 0, log.NewNopLogger())

	rates := p.Prioritize(0.2, map[int64]int64{1: 300, 2: 300, 3: 4000})

	assert.Equal(t, rates[1], rates[2])
}

func TestProjectPrioritizer_MinVolumeFloor(t *testing.T) {
	p := NewProjectPrioritizer(100, 0, log.NewNopLogger())

	rates := p.Prioritize(0.25, map[int64]int64{
		1: 5, // below the floor, excluded from weighting
		2: 1000,
		3: 3000,
	})

	require.Len(t, rates, 3)
	assert.Equal(t, 0.25, rates[1])

	// The weighted projects still conserve their own budget.
	kept := rates[2]*1000 + rates[3]*3000
	assert.InDelta(t, 0.25*4000, kept, 1e-6)
	assert.Greater(t, rates[2], rates[3])
}

func TestProjectPrioritizer_MaxProjectsDropsLowestVolume(t *testing.T) {
	p := NewProjectPrioritizer(0, 2, log.NewNopLogger())

	rates := p.Prioritize(0.25, map[int64]int64{
		1: 1000,
		2: 2000,
		3: 50, // excess low-volume project: dropped, not rate-adjusted
	})

	require.Len(t, rates, 2)
	_, hasDropped := rates[3]
	assert.False(t, hasDropped)

	kept := rates[1]*1000 + rates[2]*2000
	assert.InDelta(t, 0.25*3000, kept, 1e-6)
}
