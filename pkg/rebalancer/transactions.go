// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// TransactionPrioritizer rebalances sample rates between transaction names
// within one project. Only the extreme tails are tuned individually: the
// highest-volume names (which would otherwise drown out everything else)
// and the lowest-volume names (which would otherwise never be sampled).
// Every other name shares one pooled implicit rate computed from whatever
// budget the explicit names left over.
type TransactionPrioritizer struct {
	logger   log.Logger
	numLarge int
	numSmall int
}

func NewTransactionPrioritizer(numLarge, numSmall int, logger log.Logger) *TransactionPrioritizer {
	return &TransactionPrioritizer{
		logger:   logger,
		numLarge: numLarge,
		numSmall: numSmall,
	}
}

type transactionVolume struct {
	name   string
	volume int64
}

// Prioritize computes the project's transaction rate table from observed
// per-name volumes, budgeted against the project's own base rate. The
// second return value is false when there is no data to rebalance on; the
// caller persists nothing and reads fall back to their default.
func (t *TransactionPrioritizer) Prioritize(baseRate float64, volumes map[string]int64) (TransactionRateTable, bool) {
	var total int64
	byVolume := make([]transactionVolume, 0, len(volumes))
	for name, volume := range volumes {
		if volume <= 0 {
			continue
		}
		byVolume = append(byVolume, transactionVolume{name: name, volume: volume})
		total += volume
	}
	if total == 0 {
		return TransactionRateTable{}, false
	}

	sort.Slice(byVolume, func(i, j int) bool {
		if byVolume[i].volume != byVolume[j].volume {
			return byVolume[i].volume > byVolume[j].volume
		}
		return byVolume[i].name < byVolume[j].name
	})

	numLarge := min(t.numLarge, len(byVolume))
	numSmall := min(t.numSmall, len(byVolume)-numLarge)

	explicit := make([]transactionVolume, 0, numLarge+numSmall)
	explicit = append(explicit, byVolume[:numLarge]...)
	explicit = append(explicit, byVolume[len(byVolume)-numSmall:]...)
	implicit := byVolume[numLarge : len(byVolume)-numSmall]

	// Every name would ideally contribute the same number of kept events, an
	// equal share of the budget. Explicit names get exactly that share
	// (clamped when the name is too small to fill it); the implicit pool
	// absorbs the remaining budget, so its rate drifts away from the base
	// rate whenever the explicit names consume a disproportionate share of
	// the volume.
	budget := baseRate * float64(total)
	idealShare := budget / float64(len(byVolume))

	table := TransactionRateTable{ExplicitRates: make(map[string]float64, len(explicit))}
	spent := 0.0
	for _, tv := range explicit {
		rate := idealShare / float64(tv.volume)
		if rate > 1 {
			rate = 1
		}
		table.ExplicitRates[tv.name] = rate
		spent += rate * float64(tv.volume)
	}

	var implicitVolume int64
	for _, tv := range implicit {
		implicitVolume += tv.volume
	}

	if implicitVolume == 0 {
		// All names are explicitly tuned; unlisted names seen later fall
		// back to the base rate.
		table.ImplicitRate = baseRate
		return table, true
	}

	implicitRate := (budget - spent) / float64(implicitVolume)
	if implicitRate > 1 {
		level.Warn(t.logger).Log("msg", "clamping implicit transaction rate", "rate", implicitRate)
		implicitRate = 1
	}
	if implicitRate < 0 {
		level.Warn(t.logger).Log("msg", "clamping negative implicit transaction rate", "rate", implicitRate)
		implicitRate = 0
	}
	table.ImplicitRate = implicitRate

	return table, true
}
