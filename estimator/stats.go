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

package estimator

//go:generate mockgen -source=stats.go -destination=mock_stats_test.go -package=estimator

// StatsServer is a stats server interface
type StatsServer interface {
	// Reset atomically sets all the counters to 0
	Reset()
	SetCounter(key string, val int64)
	UpdateCounterBy(key string, count int64)
}

// counters exported by TimestampEstimator
const (
	counterReceived  = "timesync.received"
	counterDiscarded = "timesync.discarded"
	counterInvalid   = "timesync.invalid"
	counterEarly     = "timesync.early"
	counterLate      = "timesync.late"
	counterBackwards = "timesync.backwards"
	counterEstimate  = "timestamp.estimate"
	counterSkewMean  = "timesync.skew_us.mean"
	counterSkewStd   = "timesync.skew_us.stddev"
)

func initCounters(s StatsServer) {
	for _, k := range []string{
		counterReceived,
		counterDiscarded,
		counterInvalid,
		counterEarly,
		counterLate,
		counterBackwards,
		counterEstimate,
		counterSkewMean,
		counterSkewStd,
	} {
		s.SetCounter(k, 0)
	}
}

type nopStats struct{}

func (nopStats) Reset()                        {}
func (nopStats) SetCounter(string, int64)      {}
func (nopStats) UpdateCounterBy(string, int64) {}
