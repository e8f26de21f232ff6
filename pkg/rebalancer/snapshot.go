// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"context"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TrafficSnapshot is a fixed view of observed traffic, usable as a
// MetricsReader. It backs offline dry runs and tests; production hosts
// implement MetricsReader against their own metrics store instead.
type TrafficSnapshot struct {
	Orgs []OrgTraffic `yaml:"orgs"`
}

type OrgTraffic struct {
	ID       int64            `yaml:"id"`
	Keep     int64            `yaml:"keep"`
	Drop     int64            `yaml:"drop"`
	Projects []ProjectTraffic `yaml:"projects"`
}

type ProjectTraffic struct {
	ID int64 `yaml:"id"`
	// Volume is the project's total event count. When zero it defaults to
	// the sum of the transaction volumes.
	Volume       int64            `yaml:"volume"`
	Transactions map[string]int64 `yaml:"transactions"`
}

// LoadTrafficSnapshot reads a snapshot from a YAML file.
func LoadTrafficSnapshot(path string) (*TrafficSnapshot, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read traffic snapshot")
	}
	var snapshot TrafficSnapshot
	if err := yaml.Unmarshal(content, &snapshot); err != nil {
		return nil, errors.Wrap(err, "parse traffic snapshot")
	}
	return &snapshot, nil
}

func (s *TrafficSnapshot) org(orgID int64) (OrgTraffic, bool) {
	for _, org := range s.Orgs {
		if org.ID == orgID {
			return org, true
		}
	}
	return OrgTraffic{}, false
}

func (s *TrafficSnapshot) OrgIDs(_ context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(s.Orgs))
	for _, org := range s.Orgs {
		ids = append(ids, org.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *TrafficSnapshot) ProjectVolumes(_ context.Context, orgID int64, _ Window) (map[int64]int64, error) {
	org, ok := s.org(orgID)
	if !ok {
		return map[int64]int64{}, nil
	}
	volumes := make(map[int64]int64, len(org.Projects))
	for _, project := range org.Projects {
		volumes[project.ID] = project.totalVolume()
	}
	return volumes, nil
}

func (s *TrafficSnapshot) TransactionVolumes(_ context.Context, orgID, projectID int64, _ Window) (map[string]int64, error) {
	org, ok := s.org(orgID)
	if !ok {
		return map[string]int64{}, nil
	}
	for _, project := range org.Projects {
		if project.ID == projectID {
			return project.Transactions, nil
		}
	}
	return map[string]int64{}, nil
}

func (s *TrafficSnapshot) KeepDropCounts(_ context.Context, orgID int64, _ Window) (KeepDropCounts, error) {
	org, ok := s.org(orgID)
	if !ok {
		return KeepDropCounts{}, nil
	}
	return KeepDropCounts{Keep: org.Keep, Drop: org.Drop}, nil
}

func (p ProjectTraffic) totalVolume() int64 {
	if p.Volume > 0 {
		return p.Volume
	}
	var total int64
	for _, volume := range p.Transactions {
		total += volume
	}
	return total
}
