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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/daqtime/utilities/estimator"
	"github.com/daqtime/utilities/stats"
	"github.com/daqtime/utilities/transport"
)

var (
	publishTargetFlag         string
	publishIntervalFlag       time.Duration
	publishRunFlag            uint32
	publishClockFrequencyFlag uint64
	publishDSCPFlag           int
	publishTTLFlag            int
	publishMonitoringPortFlag int
)

func init() {
	RootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVarP(&publishTargetFlag, "target", "t", fmt.Sprintf("127.0.0.1:%d", transport.DefaultPort), "address to send TimeSync messages to")
	publishCmd.Flags().DurationVarP(&publishIntervalFlag, "interval", "i", time.Second, "how often to send TimeSync messages")
	publishCmd.Flags().Uint32VarP(&publishRunFlag, "run", "r", 0, "run number to stamp TimeSync messages with")
	publishCmd.Flags().Uint64VarP(&publishClockFrequencyFlag, "clockfrequency", "f", defaultClockFrequencyHz, "DAQ clock frequency in Hz")
	publishCmd.Flags().IntVarP(&publishDSCPFlag, "dscp", "d", 0, "DSCP value for outgoing packets")
	publishCmd.Flags().IntVar(&publishTTLFlag, "ttl", 0, "multicast TTL, 0 keeps the system default")
	publishCmd.Flags().IntVarP(&publishMonitoringPortFlag, "monitoringport", "m", 0, "port to serve JSON counters on, 0 disables")
}

func publishRun(ctx context.Context) error {
	source, err := estimator.NewSystemEstimator(publishClockFrequencyFlag)
	if err != nil {
		return err
	}
	st := stats.NewJSONStats()
	p, err := transport.NewPublisher(transport.PublisherConfig{
		Target:    publishTargetFlag,
		Interval:  publishIntervalFlag,
		RunNumber: publishRunFlag,
		DSCP:      publishDSCPFlag,
		TTL:       publishTTLFlag,
	}, source, st)
	if err != nil {
		return err
	}
	defer p.Close()
	if publishMonitoringPortFlag != 0 {
		go func() {
			if err := st.Start(ctx, publishMonitoringPortFlag); err != nil {
				log.Errorf("stats server: %v", err)
			}
		}()
	}
	if err := p.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop()
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Send TimeSync messages derived from the system clock",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := publishRun(ctx); err != nil {
			log.Fatal(err)
		}
	},
}
