// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// factorTolerance is how close to 1.0 a computed rebalance factor must be
// to count as "no adjustment". Such factors are deleted rather than stored,
// keeping the no-adjustment state implicit and storage-free.
const factorTolerance = 1e-6

// TransactionRateTable is the persisted per-project outcome of transaction
// rebalancing: individually tuned rates for the explicit transaction names
// and one pooled rate shared by every unlisted name.
type TransactionRateTable struct {
	ExplicitRates map[string]float64 `json:"explicitRates"`
	ImplicitRate  float64            `json:"implicitRate"`
}

// Store gives typed access to the rebalance cache. It implements the
// rules.RateProvider and rules.FactorProvider interfaces consumed by the
// rule compiler.
type Store struct {
	kv        KV
	logger    log.Logger
	factorTTL time.Duration
	ratesTTL  time.Duration
}

func NewStore(kv KV, factorTTL, ratesTTL time.Duration, logger log.Logger) *Store {
	return &Store{
		kv:        kv,
		logger:    logger,
		factorTTL: factorTTL,
		ratesTTL:  ratesTTL,
	}
}

// RebalanceFactor returns the persisted recalibration factor for an
// organization. Absence means no adjustment and is reported as (1.0, false).
func (s *Store) RebalanceFactor(ctx context.Context, orgID int64) (float64, bool, error) {
	value, found, err := s.kv.Get(ctx, factorKey(orgID))
	if err != nil {
		return 1, false, err
	}
	if !found {
		return 1, false, nil
	}
	factor, err := strconv.ParseFloat(string(value), 64)
	if err != nil || factor <= 0 {
		level.Warn(s.logger).Log("msg", "discarding unparseable rebalance factor", "org", orgID, "value", string(value), "err", err)
		return 1, false, nil
	}
	return factor, true, nil
}

// SetRebalanceFactor persists the factor, deleting the key instead when the
// factor is 1.0 within tolerance.
func (s *Store) SetRebalanceFactor(ctx context.Context, orgID int64, factor float64) error {
	if math.Abs(factor-1) <= factorTolerance {
		return s.kv.Delete(ctx, factorKey(orgID))
	}
	encoded := strconv.FormatFloat(factor, 'f', -1, 64)
	return s.kv.Set(ctx, factorKey(orgID), []byte(encoded), s.factorTTL)
}

// SetProjectSampleRates overwrites the organization's per-project rate table.
func (s *Store) SetProjectSampleRates(ctx context.Context, orgID int64, rates map[int64]float64) error {
	encoded, err := json.Marshal(rates)
	if err != nil {
		return errors.Wrap(err, "encode project rates")
	}
	return s.kv.Set(ctx, projectRatesKey(orgID), encoded, s.ratesTTL)
}

// ProjectSampleRate returns the rate assigned to a project by the last
// prioritization run, or defaultRate when none is cached.
func (s *Store) ProjectSampleRate(ctx context.Context, orgID, projectID int64, defaultRate float64) (float64, error) {
	value, found, err := s.kv.Get(ctx, projectRatesKey(orgID))
	if err != nil {
		return defaultRate, err
	}
	if !found {
		return defaultRate, nil
	}
	var rates map[int64]float64
	if err := json.Unmarshal(value, &rates); err != nil {
		level.Warn(s.logger).Log("msg", "discarding unparseable project rate table", "org", orgID, "err", err)
		return defaultRate, nil
	}
	rate, ok := rates[projectID]
	if !ok {
		return defaultRate, nil
	}
	return rate, nil
}

// SetTransactionRates overwrites the project's transaction rate table.
func (s *Store) SetTransactionRates(ctx context.Context, orgID, projectID int64, table TransactionRateTable) error {
	encoded, err := json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, "encode transaction rates")
	}
	return s.kv.Set(ctx, transactionRatesKey(orgID, projectID), encoded, s.ratesTTL)
}

// TransactionRates returns the explicit per-name rates and the implicit
// rate for a project. When no table is cached (insufficient data, or the
// project was skipped by the load-rate sample) both fall back to
// defaultRate: an empty explicit map and defaultRate as the implicit rate.
func (s *Store) TransactionRates(ctx context.Context, orgID, projectID int64, defaultRate float64) (map[string]float64, float64, error) {
	value, found, err := s.kv.Get(ctx, transactionRatesKey(orgID, projectID))
	if err != nil {
		return nil, defaultRate, err
	}
	if !found {
		return map[string]float64{}, defaultRate, nil
	}
	var table TransactionRateTable
	if err := json.Unmarshal(value, &table); err != nil {
		level.Warn(s.logger).Log("msg", "discarding unparseable transaction rate table", "org", orgID, "project", projectID, "err", err)
		return map[string]float64{}, defaultRate, nil
	}
	if table.ExplicitRates == nil {
		table.ExplicitRates = map[string]float64{}
	}
	return table.ExplicitRates, table.ImplicitRate, nil
}
