/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/daqtime/utilities/estimator"
	"github.com/daqtime/utilities/stats"
	"github.com/daqtime/utilities/timesync"
	"github.com/daqtime/utilities/transport"
)

// estimatorFlags are shared by subcommands running a TimestampEstimator
type estimatorFlags struct {
	config           string
	clockFrequencyHz uint64
	runNumber        uint32
	anyRun           bool
	listen           string
}

func (f *estimatorFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.config, "config", "c", "", "path to the estimator config file")
	fs.Uint64VarP(&f.clockFrequencyHz, "clockfrequency", "f", defaultClockFrequencyHz, "DAQ clock frequency in Hz")
	fs.Uint32VarP(&f.runNumber, "run", "r", 0, "run number to accept TimeSync messages from")
	fs.BoolVar(&f.anyRun, "anyrun", false, "accept TimeSync messages from any run")
	fs.StringVarP(&f.listen, "listen", "l", fmt.Sprintf(":%d", transport.DefaultPort), "address to receive TimeSync messages on")
}

// estimatorConfig reads the config file if given. Flags set explicitly take precedence over the file.
func (f *estimatorFlags) estimatorConfig(fs *pflag.FlagSet) (*estimator.Config, error) {
	cfg := estimator.DefaultConfig(f.clockFrequencyHz)
	if f.config != "" {
		var err error
		if cfg, err = estimator.ReadConfig(f.config); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", f.config, err)
		}
		if fs.Changed("clockfrequency") || cfg.ClockFrequencyHz == 0 {
			cfg.ClockFrequencyHz = f.clockFrequencyHz
		}
	}
	if f.config == "" || fs.Changed("run") {
		cfg.RunNumber = f.runNumber
	}
	if f.config == "" || fs.Changed("anyrun") {
		cfg.AnyRun = f.anyRun
	}
	return cfg, cfg.Validate()
}

// listenEstimator starts receiving TimeSync messages into e in the background until ctx is done
func listenEstimator(ctx context.Context, g *errgroup.Group, addr string, e *estimator.TimestampEstimator, st estimator.StatsServer) error {
	l, err := transport.Listen(addr, st)
	if err != nil {
		return err
	}
	ch := make(chan timesync.TimeSync, 1024)
	g.Go(func() error {
		defer close(ch)
		return l.Serve(ctx, transport.ChannelHandler(ctx, ch))
	})
	g.Go(func() error {
		return e.Run(ctx, ch)
	})
	return nil
}

var (
	estimateFlags            estimatorFlags
	estimateMonitoringPort   int
	estimateExporterPort     int
	estimateLogInterval      time.Duration
	estimateSysStatsInterval time.Duration
	estimateWatchConfig      bool
)

func init() {
	RootCmd.AddCommand(estimateCmd)
	estimateFlags.register(estimateCmd.Flags())
	estimateCmd.Flags().IntVarP(&estimateMonitoringPort, "monitoringport", "m", 4270, "port to serve JSON counters on")
	estimateCmd.Flags().IntVarP(&estimateExporterPort, "exporterport", "e", 0, "port to serve prometheus metrics on, 0 disables")
	estimateCmd.Flags().DurationVarP(&estimateLogInterval, "interval", "i", 10*time.Second, "how often to log the current estimate")
	estimateCmd.Flags().DurationVar(&estimateSysStatsInterval, "sysstats", time.Minute, "how often to collect process stats, 0 disables")
	estimateCmd.Flags().BoolVarP(&estimateWatchConfig, "watch", "w", false, "apply config file changes without restart")
}

func logEstimate(e *estimator.TimestampEstimator) {
	ts := e.TimestampEstimate()
	if ts == timesync.InvalidTimestamp {
		log.Infof("no valid timestamp estimate yet, %d TimeSync messages received", e.ReceivedTimesyncCount())
		return
	}
	mean, stddev, n := e.SkewStats()
	log.Infof("timestamp estimate %d, %d TimeSync messages received, skew %.1f±%.1f us over %d samples",
		ts, e.ReceivedTimesyncCount(), mean, stddev, n)
}

// addEstimatorGauges exports estimator state which is not kept as counters
func addEstimatorGauges(sys *stats.SysStats, e *estimator.TimestampEstimator) {
	sys.AddGauge("estimator.most_recent_age_us", func() uint64 {
		mrt := e.MostRecentTimeSync()
		now := timesync.GettimeofdayUS()
		if !mrt.Valid() || now < mrt.SystemTime {
			return 0
		}
		return now - mrt.SystemTime
	})
	sys.AddGauge("estimator.skew_samples", func() uint64 {
		_, _, n := e.SkewStats()
		return uint64(n)
	})
}

func estimateRun(ctx context.Context, cfg *estimator.Config) error {
	st := stats.NewJSONStats()
	e, err := estimator.New(cfg, st)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := listenEstimator(ctx, g, estimateFlags.listen, e, st); err != nil {
		return err
	}
	g.Go(func() error {
		return st.Start(ctx, estimateMonitoringPort)
	})
	if estimateExporterPort != 0 {
		exporter := stats.NewPrometheusExporter(st)
		g.Go(func() error {
			return exporter.Start(ctx, estimateExporterPort)
		})
	}
	if estimateSysStatsInterval > 0 {
		sys := stats.NewSysStats()
		addEstimatorGauges(sys, e)
		g.Go(func() error {
			sys.Run(ctx, st.Stats, estimateSysStatsInterval)
			return nil
		})
	}
	if estimateWatchConfig && estimateFlags.config != "" {
		g.Go(func() error {
			return estimator.WatchConfig(ctx, estimateFlags.config, e)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(estimateLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				logEstimate(e)
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Run timestamp estimator fed by TimeSync messages from the network",
	Run: func(c *cobra.Command, _ []string) {
		ConfigureVerbosity()
		cfg, err := estimateFlags.estimatorConfig(c.Flags())
		if err != nil {
			log.Fatal(err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := estimateRun(ctx, cfg); err != nil {
			log.Fatal(err)
		}
	},
}
