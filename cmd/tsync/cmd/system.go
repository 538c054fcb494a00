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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/daqtime/utilities/estimator"
)

var (
	systemClockFrequencyFlag uint64
	systemCountFlag          int
	systemIntervalFlag       time.Duration
)

func init() {
	RootCmd.AddCommand(systemCmd)
	systemCmd.Flags().Uint64VarP(&systemClockFrequencyFlag, "clockfrequency", "f", defaultClockFrequencyHz, "DAQ clock frequency in Hz")
	systemCmd.Flags().IntVarP(&systemCountFlag, "count", "n", 1, "number of estimates to print")
	systemCmd.Flags().DurationVarP(&systemIntervalFlag, "interval", "i", time.Second, "interval between estimates")
}

func systemRun(freq uint64, count int, interval time.Duration) error {
	e, err := estimator.NewSystemEstimator(freq)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		fmt.Println(e.TimestampEstimate())
	}
	return nil
}

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Print DAQ timestamps derived from the system clock",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := systemRun(systemClockFrequencyFlag, systemCountFlag, systemIntervalFlag); err != nil {
			log.Fatal(err)
		}
	},
}
