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

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daqtime/utilities/estimator"
)

var (
	waitFlags         estimatorFlags
	waitTimestampFlag uint64
	waitTimeoutFlag   time.Duration
)

func init() {
	RootCmd.AddCommand(waitCmd)
	waitFlags.register(waitCmd.Flags())
	waitCmd.Flags().Uint64VarP(&waitTimestampFlag, "timestamp", "t", 0, "DAQ timestamp to wait for, 0 waits for any valid estimate")
	waitCmd.Flags().DurationVar(&waitTimeoutFlag, "timeout", time.Minute, "give up after this long")
}

func waitRun(ctx context.Context, cfg *estimator.Config, ts uint64, timeout time.Duration) error {
	e, err := estimator.New(cfg, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if err := listenEstimator(gctx, g, waitFlags.listen, e, nil); err != nil {
		return err
	}
	start := time.Now()
	if ts == 0 {
		err = estimator.WaitForValidTimestampContext(gctx, e)
	} else {
		err = estimator.WaitForTimestampContext(gctx, e, ts)
	}
	cancel()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) && !errors.Is(gerr, context.DeadlineExceeded) {
		return gerr
	}
	if err != nil {
		fmt.Printf("%s %v after %v\n", color.RedString("[FAIL]"), err, time.Since(start))
		return err
	}
	fmt.Printf("%s timestamp estimate %d reached after %v\n", color.GreenString("[ OK ]"), e.TimestampEstimate(), time.Since(start))
	return nil
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait until the timestamp estimate from the network becomes valid or reaches a timestamp",
	Run: func(c *cobra.Command, _ []string) {
		ConfigureVerbosity()
		cfg, err := waitFlags.estimatorConfig(c.Flags())
		if err != nil {
			log.Fatal(err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := waitRun(ctx, cfg, waitTimestampFlag, waitTimeoutFlag); err != nil {
			os.Exit(1)
		}
	},
}
