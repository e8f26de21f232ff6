// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"context"
	"time"
)

// Window is the half-open time range [Start, End) a metrics query covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowEndingNow returns the lookback window of the given length ending at now.
func WindowEndingNow(lookback time.Duration, now time.Time) Window {
	return Window{Start: now.Add(-lookback), End: now}
}

// KeepDropCounts is the observed outcome of previous sampling decisions for
// one organization: how many events were kept and how many were dropped.
type KeepDropCounts struct {
	Keep int64
	Drop int64
}

// MetricsReader supplies aggregated event counts from the metrics backend.
// The rebalancer is agnostic to the underlying storage and query language;
// hosts wire their own implementation. All methods are expected to apply
// their own timeout and retry policy.
type MetricsReader interface {
	// OrgIDs lists the organizations with traffic eligible for rebalancing.
	OrgIDs(ctx context.Context) ([]int64, error)

	// ProjectVolumes returns the observed event count per project of an
	// organization within the window.
	ProjectVolumes(ctx context.Context, orgID int64, window Window) (map[int64]int64, error)

	// TransactionVolumes returns the observed event count per transaction
	// name within one project and window.
	TransactionVolumes(ctx context.Context, orgID, projectID int64, window Window) (map[string]int64, error)

	// KeepDropCounts returns the kept and dropped event counts for an
	// organization within the window.
	KeepDropCounts(ctx context.Context, orgID int64, window Window) (KeepDropCounts, error)
}
