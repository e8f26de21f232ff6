// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"flag"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Interval            time.Duration `yaml:"interval"`
	LookbackWindow      time.Duration `yaml:"lookback_window"`
	RecalibrationWindow time.Duration `yaml:"recalibration_window"`

	MinProjectVolume  int64 `yaml:"min_project_volume"`
	MaxProjectsPerOrg int   `yaml:"max_projects_per_org"`

	NumExplicitLargeTransactions int     `yaml:"num_explicit_large_transactions"`
	NumExplicitSmallTransactions int     `yaml:"num_explicit_small_transactions"`
	LoadRate                     float64 `yaml:"load_rate"`

	FactorMin float64       `yaml:"factor_min"`
	FactorMax float64       `yaml:"factor_max"`
	FactorTTL time.Duration `yaml:"factor_ttl"`
	RatesTTL  time.Duration `yaml:"rates_ttl"`

	MaxConcurrentOrgs int `yaml:"max_concurrent_orgs"`

	Cache CacheConfig `yaml:"cache"`
}

// RegisterFlags adds the flags required to configure this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.Interval, "rebalancer.interval", 5*time.Minute, "Interval between rebalancing runs.")
	f.DurationVar(&cfg.LookbackWindow, "rebalancer.lookback-window", 30*time.Minute, "Length of the volume lookback window used for project and transaction prioritization.")
	f.DurationVar(&cfg.RecalibrationWindow, "rebalancer.recalibration-window", 5*time.Minute, "Length of the recent window of keep/drop decisions used for recalibration.")
	f.Int64Var(&cfg.MinProjectVolume, "rebalancer.min-project-volume", 100, "Minimum event count for a project to participate in volume-weighted prioritization. Projects below it keep the blended rate unchanged.")
	f.IntVar(&cfg.MaxProjectsPerOrg, "rebalancer.max-projects-per-org", 1000, "Maximum number of projects considered per organization and run. Excess lowest-volume projects are dropped. 0 to disable the limit.")
	f.IntVar(&cfg.NumExplicitLargeTransactions, "rebalancer.num-explicit-large-transactions", 30, "Number of highest-volume transaction names to tune individually per project.")
	f.IntVar(&cfg.NumExplicitSmallTransactions, "rebalancer.num-explicit-small-transactions", 0, "Number of lowest-volume transaction names to tune individually per project.")
	f.Float64Var(&cfg.LoadRate, "rebalancer.load-rate", 1, "Fraction of organizations eligible for per-transaction rebalancing on each run, sampled probabilistically.")
	f.Float64Var(&cfg.FactorMin, "rebalancer.factor-min", 0.1, "Lower bound for the recalibration factor.")
	f.Float64Var(&cfg.FactorMax, "rebalancer.factor-max", 10, "Upper bound for the recalibration factor.")
	f.DurationVar(&cfg.FactorTTL, "rebalancer.factor-ttl", time.Hour, "TTL of persisted recalibration factors.")
	f.DurationVar(&cfg.RatesTTL, "rebalancer.rates-ttl", time.Hour, "TTL of persisted project and transaction rate tables.")
	f.IntVar(&cfg.MaxConcurrentOrgs, "rebalancer.max-concurrent-orgs", 16, "Maximum number of organizations processed concurrently.")
	cfg.Cache.RegisterFlagsWithPrefix("rebalancer.cache.", f)
}

func (cfg *Config) Validate() error {
	if cfg.Interval <= 0 {
		return errors.New("rebalancing interval must be positive")
	}
	if cfg.LookbackWindow <= 0 || cfg.RecalibrationWindow <= 0 {
		return errors.New("lookback and recalibration windows must be positive")
	}
	if cfg.FactorMin <= 0 {
		return errors.New("factor-min must be strictly positive")
	}
	if cfg.FactorMin > cfg.FactorMax {
		return errors.Errorf("factor-min (%v) greater than factor-max (%v)", cfg.FactorMin, cfg.FactorMax)
	}
	if cfg.LoadRate < 0 || cfg.LoadRate > 1 {
		return errors.Errorf("load-rate %v outside [0, 1]", cfg.LoadRate)
	}
	if cfg.NumExplicitLargeTransactions < 0 || cfg.NumExplicitSmallTransactions < 0 {
		return errors.New("explicit transaction counts must not be negative")
	}
	if cfg.MaxConcurrentOrgs <= 0 {
		return errors.New("max-concurrent-orgs must be positive")
	}
	return cfg.Cache.Validate()
}

// Limits hold the per-organization settings. Every field falls back to the
// flag-configured default unless overridden for the organization.
type Limits struct {
	// BlendedSampleRate is the organization-wide target fraction of events
	// to retain, reconciling billing and quota tiers into one number. It is
	// supplied externally and must lie in (0, 1].
	BlendedSampleRate float64 `yaml:"blended_sample_rate" json:"blended_sample_rate"`
}

func (l *Limits) RegisterFlags(f *flag.FlagSet) {
	f.Float64Var(&l.BlendedSampleRate, "rebalancer.blended-sample-rate", 1, "Default organization-wide target sample rate, used unless overridden per organization.")
}

// When we load YAML from disk, we want per-organization limits to default
// to values specified on the command line, not zero values. This global
// holds those values during unmarshalling.
var defaultLimits *Limits

// SetDefaultLimitsForYAMLUnmarshalling sets the global defaults applied to
// per-organization Limits decoded from YAML.
func SetDefaultLimitsForYAMLUnmarshalling(defaults Limits) {
	defaultLimits = &defaults
}

func (l *Limits) UnmarshalYAML(value *yaml.Node) error {
	if defaultLimits != nil {
		*l = *defaultLimits
	}
	type plain Limits
	return value.Decode((*plain)(l))
}

// OrgLimits exposes per-organization limit overrides.
type OrgLimits interface {
	// ByOrgID returns limits specific to an organization, or nil if there
	// are none.
	ByOrgID(orgID int64) *Limits
}

// Overrides resolves per-organization limits, falling back to defaults.
type Overrides struct {
	defaultLimits *Limits
	orgLimits     OrgLimits
}

func NewOverrides(defaults Limits, orgLimits OrgLimits) *Overrides {
	return &Overrides{
		defaultLimits: &defaults,
		orgLimits:     orgLimits,
	}
}

// BlendedSampleRate returns the organization's target blended sample rate.
func (o *Overrides) BlendedSampleRate(orgID int64) float64 {
	return o.getOverridesForOrg(orgID).BlendedSampleRate
}

func (o *Overrides) getOverridesForOrg(orgID int64) *Limits {
	if o.orgLimits != nil {
		if l := o.orgLimits.ByOrgID(orgID); l != nil {
			return l
		}
	}
	return o.defaultLimits
}

type staticOrgLimits struct {
	limits map[int64]*Limits
}

// NewStaticOrgLimits returns an OrgLimits backed by a fixed map.
func NewStaticOrgLimits(limits map[int64]*Limits) OrgLimits {
	return &staticOrgLimits{limits: limits}
}

func (s *staticOrgLimits) ByOrgID(orgID int64) *Limits {
	return s.limits[orgID]
}

type orgLimitsFile struct {
	Overrides map[int64]*Limits `yaml:"overrides"`
}

// LoadOrgLimitsFile reads per-organization overrides from a YAML file of
// the form:
//
//	overrides:
//	  "1234":
//	    blended_sample_rate: 0.25
//
// Fields not set for an organization default to the given defaults.
func LoadOrgLimitsFile(path string, defaults Limits) (OrgLimits, error) {
	SetDefaultLimitsForYAMLUnmarshalling(defaults)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read org limits file")
	}

	var parsed orgLimitsFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, errors.Wrap(err, "parse org limits file")
	}

	return NewStaticOrgLimits(parsed.Overrides), nil
}
