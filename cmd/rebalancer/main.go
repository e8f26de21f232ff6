// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traceops/rebalancer/pkg/rebalancer"
	"github.com/traceops/rebalancer/pkg/rules"
)

type mainFlags struct {
	snapshotFile  string
	orgLimitsFile string
	logLevel      string
	listenAddress string
	continuous    bool
}

func (mf *mainFlags) registerFlags(f *flag.FlagSet) {
	f.StringVar(&mf.snapshotFile, "snapshot.file", "", "Traffic snapshot YAML to rebalance against. Required: production hosts embed the rebalancer with their own metrics source instead of this binary.")
	f.StringVar(&mf.orgLimitsFile, "org-limits.file", "", "Optional YAML file with per-organization limit overrides.")
	f.StringVar(&mf.logLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.StringVar(&mf.listenAddress, "server.http-listen-address", ":8080", "HTTP address for the /metrics endpoint in continuous mode.")
	f.BoolVar(&mf.continuous, "rebalancer.continuous", false, "Keep rebalancing on the configured interval instead of running once and printing the compiled rules.")
}

func main() {
	// Cleanup all flags registered via init() methods of 3rd-party libraries.
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	var (
		cfg      rebalancer.Config
		defaults rebalancer.Limits
		mf       mainFlags
	)
	cfg.RegisterFlags(flag.CommandLine)
	defaults.RegisterFlags(flag.CommandLine)
	mf.registerFlags(flag.CommandLine)
	_ = flag.CommandLine.Parse(os.Args[1:])

	logger := newLogger(mf.logLevel)

	if err := run(cfg, defaults, mf, logger); err != nil {
		level.Error(logger).Log("msg", "rebalancer failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg rebalancer.Config, defaults rebalancer.Limits, mf mainFlags, logger log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if mf.snapshotFile == "" {
		return fmt.Errorf("missing -snapshot.file; this binary rebalances against a traffic snapshot")
	}

	snapshot, err := rebalancer.LoadTrafficSnapshot(mf.snapshotFile)
	if err != nil {
		return err
	}

	var orgLimits rebalancer.OrgLimits
	if mf.orgLimitsFile != "" {
		if orgLimits, err = rebalancer.LoadOrgLimitsFile(mf.orgLimitsFile, defaults); err != nil {
			return err
		}
	}
	overrides := rebalancer.NewOverrides(defaults, orgLimits)

	kv, err := rebalancer.NewKV(cfg.Cache)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	r, err := rebalancer.New(cfg, overrides, snapshot, kv, logger, reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mf.continuous {
		return runContinuous(ctx, r, reg, mf.listenAddress, logger)
	}
	return runOnce(ctx, snapshot, overrides, r, logger)
}

func runContinuous(ctx context.Context, r *rebalancer.Rebalancer, reg *prometheus.Registry, listenAddress string, logger log.Logger) error {
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(listenAddress, nil); err != nil {
			level.Error(logger).Log("msg", "metrics server failed", "err", err)
		}
	}()

	if err := services.StartAndAwaitRunning(ctx, r); err != nil {
		return err
	}
	<-ctx.Done()
	return services.StopAndAwaitTerminated(context.Background(), r)
}

// runOnce rebalances every organization in the snapshot a single time and
// prints the compiled rule list of each project as JSON.
func runOnce(ctx context.Context, snapshot *rebalancer.TrafficSnapshot, overrides *rebalancer.Overrides, r *rebalancer.Rebalancer, logger log.Logger) error {
	orgIDs, err := snapshot.OrgIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, orgID := range orgIDs {
		if err := r.RebalanceOrg(ctx, orgID, now); err != nil {
			return err
		}
	}

	compiler := rules.NewCompiler(overrides, r.Store(), r.Store(), logger)
	for _, org := range snapshot.Orgs {
		for _, project := range org.Projects {
			compiled, err := compiler.Compile(ctx, org.ID, project.ID, nil)
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(compiled, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("org %d project %d:\n%s\n", org.ID, project.ID, encoded)
		}
	}
	return nil
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(logLevel, level.InfoValue())))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
