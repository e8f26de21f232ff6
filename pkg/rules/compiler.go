// SPDX-License-Identifier: AGPL-3.0-only

package rules

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// BlendedRates exposes the per-organization target blended sample rate.
type BlendedRates interface {
	// BlendedSampleRate returns the organization-wide target fraction of
	// events to retain, in (0, 1].
	BlendedSampleRate(orgID int64) float64
}

// RateProvider returns the current sample rate assigned to a project,
// falling back to defaultRate when no rate has been computed yet.
type RateProvider interface {
	ProjectSampleRate(ctx context.Context, orgID, projectID int64, defaultRate float64) (float64, error)
}

// FactorProvider returns the currently persisted recalibration factor for
// an organization. The second return value is false when no factor is
// persisted, which means no adjustment is needed.
type FactorProvider interface {
	RebalanceFactor(ctx context.Context, orgID int64) (float64, bool, error)
}

var errInvalidBlendedRate = errors.New("blended sample rate outside (0, 1]")

// Compiler assembles the ordered rule list for a project.
type Compiler struct {
	logger  log.Logger
	blended BlendedRates
	rates   RateProvider
	factors FactorProvider
}

func NewCompiler(blended BlendedRates, rates RateProvider, factors FactorProvider, logger log.Logger) *Compiler {
	return &Compiler{
		logger:  logger,
		blended: blended,
		rates:   rates,
		factors: factors,
	}
}

// Compile returns the project's rule list in evaluation order: static rules
// first (passed through unchanged), then one uniform sample rate rule, then
// at most one recalibration factor rule. The factor rule must stay last so
// it composes multiplicatively on top of whichever rate rule matched
// earlier; when no factor is persisted it is omitted entirely.
func (c *Compiler) Compile(ctx context.Context, orgID, projectID int64, static []Rule) ([]Rule, error) {
	blended := c.blended.BlendedSampleRate(orgID)
	if blended <= 0 || blended > 1 {
		return nil, errors.Wrapf(errInvalidBlendedRate, "org %d: %v", orgID, blended)
	}

	baseRate, err := c.rates.ProjectSampleRate(ctx, orgID, projectID, blended)
	if err != nil {
		return nil, errors.Wrap(err, "read project sample rate")
	}

	compiled := make([]Rule, 0, len(static)+2)
	for _, rule := range static {
		if !staticRuleAllowed(rule, baseRate) {
			continue
		}
		compiled = append(compiled, rule)
	}

	compiled = append(compiled, Rule{
		SamplingValue: NewSampleRate(baseRate),
		Type:          RuleTypeTrace,
		Condition:     AlwaysMatch(),
		ID:            RuleIDUniform,
	})

	factor, ok, err := c.factors.RebalanceFactor(ctx, orgID)
	if err != nil {
		return nil, errors.Wrap(err, "read rebalance factor")
	}
	if ok {
		compiled = append(compiled, Rule{
			SamplingValue: NewFactor(factor),
			Type:          RuleTypeTrace,
			Condition:     AlwaysMatch(),
			ID:            RuleIDRecalibration,
		})
	}

	logCompiledRules(c.logger, orgID, projectID, compiled)
	return compiled, nil
}

// staticRuleAllowed reports whether a pre-existing rule may be included
// given the project's base rate. At a base rate of exactly 1.0 (or an
// out-of-range one) rate-shaping biases are pointless and are dropped;
// uniform and recalibration rules are always allowed.
func staticRuleAllowed(rule Rule, baseRate float64) bool {
	if rule.ID == RuleIDUniform || rule.ID == RuleIDRecalibration {
		return true
	}
	return baseRate > 0 && baseRate < 1
}

func logCompiledRules(logger log.Logger, orgID, projectID int64, compiled []Rule) {
	ids := make([]string, 0, len(compiled))
	for _, r := range compiled {
		ids = append(ids, fmt.Sprintf("%d:%s=%v", r.ID, r.SamplingValue.Type, r.SamplingValue.Value))
	}
	level.Debug(logger).Log("msg", "compiled sampling rules", "org", orgID, "project", projectID, "rules", fmt.Sprintf("%v", ids))
}
