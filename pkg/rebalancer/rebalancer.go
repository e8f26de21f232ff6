// SPDX-License-Identifier: AGPL-3.0-only

// Package rebalancer implements the dynamic-sampling rebalancing engine: a
// periodic batch task that decides, per organization and project, what
// fraction of incoming trace events should be kept given a target blended
// sample rate and observed traffic, and feeds the observed keep/drop ratio
// back into a multiplicative recalibration factor.
package rebalancer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// lockStripes is the size of the per-organization mutex table. Runs for
// different organizations proceed concurrently; runs for the same
// organization serialize on its stripe, so the read-modify-write of the
// compounded recalibration factor never interleaves.
const lockStripes = 256

var errInvalidBlendedRate = errors.New("blended sample rate outside (0, 1]")

// Rebalancer is the periodic task driving the whole pipeline. Each
// iteration it recalibrates every organization from its observed keep/drop
// ratio, recomputes per-project sample rates from relative volumes, and,
// for a load-rate sample of organizations, rebalances per-transaction rates
// within each project.
type Rebalancer struct {
	services.Service

	cfg       Config
	logger    log.Logger
	overrides *Overrides
	metrics   MetricsReader

	store         *Store
	projects      *ProjectPrioritizer
	transactions  *TransactionPrioritizer
	recalibration *RecalibrationEngine

	orgLocks [lockStripes]sync.Mutex

	// sampleLoad decides per organization and run whether transaction
	// rebalancing happens; overridable in tests.
	sampleLoad func() float64

	runsTotal         prometheus.Counter
	orgFailuresTotal  prometheus.Counter
	runDuration       prometheus.Histogram
	orgsProcessed     prometheus.Gauge
	lastSuccessfulRun *atomic.Int64
}

func New(cfg Config, overrides *Overrides, metrics MetricsReader, kv KV, logger log.Logger, reg prometheus.Registerer) (*Rebalancer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid rebalancer config")
	}

	store := NewStore(kv, cfg.FactorTTL, cfg.RatesTTL, logger)

	r := &Rebalancer{
		cfg:           cfg,
		logger:        logger,
		overrides:     overrides,
		metrics:       metrics,
		store:         store,
		projects:      NewProjectPrioritizer(cfg.MinProjectVolume, cfg.MaxProjectsPerOrg, logger),
		transactions:  NewTransactionPrioritizer(cfg.NumExplicitLargeTransactions, cfg.NumExplicitSmallTransactions, logger),
		recalibration: NewRecalibrationEngine(store, cfg.FactorMin, cfg.FactorMax, logger),
		sampleLoad:    rand.Float64,

		runsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_runs_total",
			Help: "Total number of completed rebalancing runs.",
		}),
		orgFailuresTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_org_failures_total",
			Help: "Total number of per-organization rebalancing failures. Failed organizations are retried on the next run.",
		}),
		runDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rebalancer_run_duration_seconds",
			Help:    "Duration of rebalancing runs in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		orgsProcessed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rebalancer_orgs_processed",
			Help: "Number of organizations processed by the last run.",
		}),
		lastSuccessfulRun: atomic.NewInt64(0),
	}

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rebalancer_last_successful_run_timestamp_seconds",
		Help: "Unix timestamp of the last fully completed run.",
	}, func() float64 {
		return float64(r.lastSuccessfulRun.Load())
	})

	r.Service = services.NewTimerService(cfg.Interval, nil, r.iteration, nil).WithName("sampling rebalancer")
	return r, nil
}

// Store returns the typed cache accessor, for wiring the rule compiler and
// for hosts reading rate tables directly.
func (r *Rebalancer) Store() *Store {
	return r.store
}

func (r *Rebalancer) iteration(ctx context.Context) error {
	start := time.Now()

	orgIDs, err := r.metrics.OrgIDs(ctx)
	if err != nil {
		// Transient query failures shouldn't stop the service; the next
		// tick retries.
		level.Warn(r.logger).Log("msg", "failed to list organizations, skipping run", "err", err)
		return nil
	}

	err = concurrency.ForEachJob(ctx, len(orgIDs), r.cfg.MaxConcurrentOrgs, func(ctx context.Context, idx int) error {
		orgID := orgIDs[idx]
		if err := r.RebalanceOrg(ctx, orgID, start); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.orgFailuresTotal.Inc()
			level.Warn(r.logger).Log("msg", "failed to rebalance org", "org", orgID, "err", err)
		}
		return nil
	})
	if err != nil {
		return nil // context cancellation; the service is stopping.
	}

	r.runsTotal.Inc()
	r.orgsProcessed.Set(float64(len(orgIDs)))
	r.runDuration.Observe(time.Since(start).Seconds())
	r.lastSuccessfulRun.Store(time.Now().Unix())
	level.Info(r.logger).Log("msg", "rebalancing run completed", "orgs", len(orgIDs), "duration", time.Since(start))
	return nil
}

// RebalanceOrg runs the full pipeline for one organization: recalibration
// first (from keep/drop counts observed strictly before any rate change of
// this run), then project prioritization, then transaction prioritization
// for the load-rate sample. Safe to call concurrently for different
// organizations; calls for the same organization serialize.
func (r *Rebalancer) RebalanceOrg(ctx context.Context, orgID int64, now time.Time) error {
	blended := r.overrides.BlendedSampleRate(orgID)
	if blended <= 0 || blended > 1 {
		return errors.Wrapf(errInvalidBlendedRate, "org %d: %v", orgID, blended)
	}

	lock := &r.orgLocks[uint64(orgID)%lockStripes]
	lock.Lock()
	defer lock.Unlock()

	// Keep/drop counts must reflect only decisions taken before this run
	// touches any rate, so they are read before anything is written.
	counts, err := r.metrics.KeepDropCounts(ctx, orgID, WindowEndingNow(r.cfg.RecalibrationWindow, now))
	if err != nil {
		return errors.Wrap(err, "query keep/drop counts")
	}
	if err := r.recalibration.Recalibrate(ctx, orgID, blended, counts); err != nil {
		return err
	}

	volumes, err := r.metrics.ProjectVolumes(ctx, orgID, WindowEndingNow(r.cfg.LookbackWindow, now))
	if err != nil {
		return errors.Wrap(err, "query project volumes")
	}

	rates := r.projects.Prioritize(blended, volumes)
	if len(rates) > 0 {
		if err := r.store.SetProjectSampleRates(ctx, orgID, rates); err != nil {
			return err
		}
	}

	if r.sampleLoad() >= r.cfg.LoadRate {
		return nil
	}
	return r.rebalanceTransactions(ctx, orgID, blended, rates, volumes, now)
}

func (r *Rebalancer) rebalanceTransactions(ctx context.Context, orgID int64, blended float64, rates map[int64]float64, volumes map[int64]int64, now time.Time) error {
	projectIDs := make([]int64, 0, len(volumes))
	for projectID := range volumes {
		projectIDs = append(projectIDs, projectID)
	}
	sort.Slice(projectIDs, func(i, j int) bool { return projectIDs[i] < projectIDs[j] })

	window := WindowEndingNow(r.cfg.LookbackWindow, now)
	for _, projectID := range projectIDs {
		txVolumes, err := r.metrics.TransactionVolumes(ctx, orgID, projectID, window)
		if err != nil {
			return errors.Wrapf(err, "query transaction volumes for project %d", projectID)
		}

		baseRate, ok := rates[projectID]
		if !ok {
			baseRate = blended
		}

		table, ok := r.transactions.Prioritize(baseRate, txVolumes)
		if !ok {
			continue
		}
		if err := r.store.SetTransactionRates(ctx, orgID, projectID, table); err != nil {
			return err
		}
	}
	return nil
}
