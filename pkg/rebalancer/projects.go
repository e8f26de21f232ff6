// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ProjectPrioritizer assigns each project of an organization a sample rate
// inversely proportional to its share of the organization's volume,
// renormalized so the volume-weighted mean of the assigned rates equals the
// blended rate. High-volume projects end up below the blended rate,
// low-volume projects above it, and the total number of kept events stays
// on budget.
type ProjectPrioritizer struct {
	logger      log.Logger
	minVolume   int64
	maxProjects int
}

func NewProjectPrioritizer(minVolume int64, maxProjects int, logger log.Logger) *ProjectPrioritizer {
	return &ProjectPrioritizer{
		logger:      logger,
		minVolume:   minVolume,
		maxProjects: maxProjects,
	}
}

type projectVolume struct {
	projectID int64
	volume    int64
}

// Prioritize computes the per-project sample rates for one organization
// from the observed volumes. It is a pure function of the current snapshot;
// no prior persisted state is consulted.
//
// Projects below the minimum volume are excluded from weighting and get the
// blended rate unchanged, to avoid division instability on near-zero
// counts. When the organization has more eligible projects than the
// configured maximum, the excess lowest-volume projects are dropped from
// the result entirely rather than rate-adjusted.
func (p *ProjectPrioritizer) Prioritize(blended float64, volumes map[int64]int64) map[int64]float64 {
	out := make(map[int64]float64, len(volumes))

	eligible := make([]projectVolume, 0, len(volumes))
	for projectID, volume := range volumes {
		if volume < p.minVolume {
			out[projectID] = blended
			continue
		}
		eligible = append(eligible, projectVolume{projectID: projectID, volume: volume})
	}

	if p.maxProjects > 0 && len(eligible) > p.maxProjects {
		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].volume != eligible[j].volume {
				return eligible[i].volume > eligible[j].volume
			}
			return eligible[i].projectID < eligible[j].projectID
		})
		dropped := len(eligible) - p.maxProjects
		eligible = eligible[:p.maxProjects]
		level.Warn(p.logger).Log("msg", "organization exceeds project limit, dropping lowest-volume projects", "dropped", dropped, "limit", p.maxProjects)
	}

	switch len(eligible) {
	case 0:
		return out
	case 1:
		out[eligible[0].projectID] = blended
		return out
	}

	// Ascending by volume: low-volume projects consume the least budget, so
	// processing them first lets any clamped leftover flow to the
	// high-volume projects still waiting for their share.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].volume != eligible[j].volume {
			return eligible[i].volume < eligible[j].volume
		}
		return eligible[i].projectID < eligible[j].projectID
	})

	var total int64
	for _, pv := range eligible {
		total += pv.volume
	}

	// Budget is measured in kept events. Each remaining project is offered
	// an equal share of the remaining budget; a project too small to absorb
	// its share is clamped to keeping everything and the leftover is
	// redistributed among the rest.
	remainingBudget := blended * float64(total)
	for i, pv := range eligible {
		share := remainingBudget / float64(len(eligible)-i)
		rate := share / float64(pv.volume)
		if rate > 1 {
			rate = 1
		}
		out[pv.projectID] = rate
		remainingBudget -= rate * float64(pv.volume)
	}

	return out
}
