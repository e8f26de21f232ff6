// SPDX-License-Identifier: AGPL-3.0-only

// Package rules holds the sampling rule model shared with the downstream
// rule-evaluation engine. Rules are evaluated first-match-wins in list
// order, so both the JSON shape and the ordering produced by the Compiler
// are part of the external contract.
package rules

import (
	"github.com/pkg/errors"
)

// Reserved rule ids. These are part of the schema shared with the
// rule-evaluation engine and must never be generated or renumbered.
const (
	RuleIDUniform                    = 1000
	RuleIDBoostEnvironments          = 1001
	RuleIDIgnoreHealthChecks         = 1002
	RuleIDBoostKeyTransactions       = 1003
	RuleIDRecalibration              = 1004
	RuleIDBoostReplayID              = 1005
	RuleIDBoostLowVolumeTransactions = 1400
	RuleIDBoostLatestReleases        = 1500
)

// RuleType tags the scope a rule applies to.
type RuleType string

const (
	RuleTypeTrace       RuleType = "trace"
	RuleTypeTransaction RuleType = "transaction"
)

// SamplingValue is either an absolute keep-probability ("sampleRate",
// value in [0, 1]) or a multiplier layered on top of an earlier matching
// rate rule ("factor", value > 0).
type SamplingValue struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

const (
	SamplingValueTypeSampleRate = "sampleRate"
	SamplingValueTypeFactor     = "factor"
)

func NewSampleRate(value float64) SamplingValue {
	return SamplingValue{Type: SamplingValueTypeSampleRate, Value: value}
}

func NewFactor(value float64) SamplingValue {
	return SamplingValue{Type: SamplingValueTypeFactor, Value: value}
}

func (v SamplingValue) Validate() error {
	switch v.Type {
	case SamplingValueTypeSampleRate:
		if v.Value < 0 || v.Value > 1 {
			return errors.Errorf("sample rate %v outside [0, 1]", v.Value)
		}
	case SamplingValueTypeFactor:
		if v.Value <= 0 {
			return errors.Errorf("factor %v is not strictly positive", v.Value)
		}
	default:
		return errors.Errorf("unknown sampling value type %q", v.Type)
	}
	return nil
}

// Condition is a boolean predicate tree over event attributes. This module
// only emits the empty always-true conjunction; non-trivial conditions are
// evaluated (and produced) by the rule-evaluation engine.
type Condition struct {
	Op    string      `json:"op"`
	Inner []Condition `json:"inner"`
}

// AlwaysMatch returns the empty conjunction, which matches every event.
func AlwaysMatch() Condition {
	return Condition{Op: "and", Inner: []Condition{}}
}

// Rule is a single sampling rule. Field order matters: it fixes the JSON
// key order the evaluation engine's fixtures assert on.
type Rule struct {
	SamplingValue SamplingValue `json:"samplingValue"`
	Type          RuleType      `json:"type"`
	Condition     Condition     `json:"condition"`
	ID            int           `json:"id"`
}

func (r Rule) Validate() error {
	if r.Type != RuleTypeTrace && r.Type != RuleTypeTransaction {
		return errors.Errorf("rule %d: unknown rule type %q", r.ID, r.Type)
	}
	if err := r.SamplingValue.Validate(); err != nil {
		return errors.Wrapf(err, "rule %d", r.ID)
	}
	return nil
}
