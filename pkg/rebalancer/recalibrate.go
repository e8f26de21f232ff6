// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// RecalibrationEngine corrects drift between the target blended rate and
// the rate actually achieved by previous sampling decisions. It is a
// discrete-time proportional controller with multiplicative gain and
// saturation: on each run the correction compounds onto the previously
// persisted factor, because the observed rate already reflects that factor
// being applied downstream.
type RecalibrationEngine struct {
	logger    log.Logger
	store     *Store
	factorMin float64
	factorMax float64
}

func NewRecalibrationEngine(store *Store, factorMin, factorMax float64, logger log.Logger) *RecalibrationEngine {
	return &RecalibrationEngine{
		logger:    logger,
		store:     store,
		factorMin: factorMin,
		factorMax: factorMax,
	}
}

// Recalibrate updates the organization's persisted rebalance factor from
// the observed keep/drop counts. The caller must serialize invocations per
// organization: the read-modify-write of the compounded factor is not
// atomic by construction. Any cache failure aborts the update with nothing
// written; the next scheduled run retries from the old state.
func (e *RecalibrationEngine) Recalibrate(ctx context.Context, orgID int64, blended float64, counts KeepDropCounts) error {
	correction := e.correction(orgID, blended, counts)

	prev, _, err := e.store.RebalanceFactor(ctx, orgID)
	if err != nil {
		return errors.Wrapf(err, "read rebalance factor for org %d", orgID)
	}

	factor := e.clamp(orgID, prev*correction)
	if err := e.store.SetRebalanceFactor(ctx, orgID, factor); err != nil {
		return errors.Wrapf(err, "persist rebalance factor for org %d", orgID)
	}

	level.Debug(e.logger).Log("msg", "recalibrated org", "org", orgID, "keep", counts.Keep, "drop", counts.Drop, "correction", correction, "factor", factor)
	return nil
}

// correction returns target/achieved, clamped to the configured bounds.
// With no observed data the achieved rate is defined as the target itself,
// so no correction is applied.
func (e *RecalibrationEngine) correction(orgID int64, blended float64, counts KeepDropCounts) float64 {
	total := counts.Keep + counts.Drop
	if total == 0 {
		return 1
	}

	achieved := float64(counts.Keep) / float64(total)
	if achieved == 0 {
		// Everything was dropped; target/achieved diverges, so saturate.
		level.Warn(e.logger).Log("msg", "org achieved zero sample rate, saturating correction", "org", orgID)
		return e.factorMax
	}

	return e.clamp(orgID, blended/achieved)
}

func (e *RecalibrationEngine) clamp(orgID int64, factor float64) float64 {
	if factor < e.factorMin {
		level.Warn(e.logger).Log("msg", "clamping rebalance factor", "org", orgID, "factor", factor, "min", e.factorMin)
		return e.factorMin
	}
	if factor > e.factorMax {
		level.Warn(e.logger).Log("msg", "clamping rebalance factor", "org", orgID, "factor", factor, "max", e.factorMax)
		return e.factorMax
	}
	return factor
}
