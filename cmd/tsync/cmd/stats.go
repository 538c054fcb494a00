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
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/daqtime/utilities/stats"
)

var (
	statsURLFlag    string
	statsPrefixFlag string
)

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsURLFlag, "url", "u", "http://localhost:4270", "URL of the estimator JSON stats server")
	statsCmd.Flags().StringVarP(&statsPrefixFlag, "prefix", "p", "", "only show counters with this prefix")
}

// anomalies are counters which should stay at zero on a healthy estimator
var anomalies = map[string]bool{
	"timesync.discarded":       true,
	"timesync.invalid":         true,
	"timesync.early":           true,
	"timesync.late":            true,
	"timesync.backwards":       true,
	"transport.read_error":     true,
	"transport.invalid_packet": true,
	"transport.write_error":    true,
}

func formatCounter(key string, value int64) string {
	if anomalies[key] && value != 0 {
		return color.YellowString("%d", value)
	}
	return fmt.Sprintf("%d", value)
}

func statsRun(url, prefix string) error {
	counters, err := stats.FetchCounters(url)
	if err != nil {
		return fmt.Errorf("fetching counters: %w", err)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"counter", "value"})
	for _, key := range counters.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		table.Append([]string{key, formatCounter(key, counters[key])})
	}
	table.Render()
	return nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print counters of a running estimator",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := statsRun(statsURLFlag, statsPrefixFlag); err != nil {
			log.Fatal(err)
		}
	},
}
