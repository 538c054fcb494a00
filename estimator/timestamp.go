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

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/daqtime/utilities/timesync"
)

// TimestampEstimator is an Estimator which uses TimeSync messages
// to estimate the current timestamp.
//
// The estimate is the DAQ time of the TimeSync with the highest DAQ time seen so far,
// advanced by the system time elapsed since that TimeSync was created. It never
// decreases. Readers never take the lock, only writers are serialized.
type TimestampEstimator struct {
	currentEstimate atomic.Uint64
	receivedCount   atomic.Uint64

	clockFrequencyHz uint64
	runNumber        uint32
	anyRun           bool
	refreshInterval  time.Duration

	// thresholds in microseconds, may be changed by Reconfigure
	earlyToleranceUS atomic.Uint64
	lateThresholdUS  atomic.Uint64
	pollInterval     atomic.Int64

	mux        sync.Mutex
	mostRecent timesync.TimeSync
	skew       *welford.Stats
	skewCount  int64

	stats  StatsServer
	report IssueReporter
	// function returning current system time in microseconds
	now func() uint64
}

// New creates TimestampEstimator from config. stats may be nil.
func New(cfg *Config, stats StatsServer) (*TimestampEstimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = nopStats{}
	}
	e := &TimestampEstimator{
		clockFrequencyHz: cfg.ClockFrequencyHz,
		runNumber:        cfg.RunNumber,
		anyRun:           cfg.AnyRun,
		refreshInterval:  cfg.RefreshInterval,
		mostRecent:       timesync.Empty(),
		skew:             welford.New(),
		stats:            stats,
		report:           LogIssue,
		now:              timesync.GettimeofdayUS,
	}
	e.currentEstimate.Store(timesync.InvalidTimestamp)
	e.setThresholds(cfg)
	initCounters(e.stats)
	log.Debugf("timestamp estimator for run %d created, clock frequency is %d Hz", cfg.RunNumber, cfg.ClockFrequencyHz)
	return e, nil
}

func (e *TimestampEstimator) setThresholds(cfg *Config) {
	e.earlyToleranceUS.Store(uint64(cfg.EarlyTolerance.Microseconds()))
	e.lateThresholdUS.Store(uint64(cfg.LateThreshold.Microseconds()))
	e.pollInterval.Store(int64(cfg.PollInterval))
}

// Reconfigure applies thresholds and poll interval from cfg.
// Clock frequency and run selection are fixed at construction and are ignored here.
func (e *TimestampEstimator) Reconfigure(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ClockFrequencyHz != e.clockFrequencyHz || cfg.RunNumber != e.runNumber || cfg.AnyRun != e.anyRun {
		log.Warningf("clock frequency and run selection can't be changed on a running estimator, keeping %d Hz run %d", e.clockFrequencyHz, e.runNumber)
	}
	e.setThresholds(cfg)
	log.Infof("estimator thresholds updated: early tolerance %v, late threshold %v, poll interval %v", cfg.EarlyTolerance, cfg.LateThreshold, cfg.PollInterval)
	return nil
}

// SetIssueReporter replaces the function receiving EarlyTimeSync and LateTimeSync issues
func (e *TimestampEstimator) SetIssueReporter(r IssueReporter) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.report = r
}

// TimestampEstimate returns current estimate or timesync.InvalidTimestamp
func (e *TimestampEstimator) TimestampEstimate() uint64 {
	return e.currentEstimate.Load()
}

// ReceivedTimesyncCount returns number of TimeSync messages passed to TimesyncCallback, including discarded ones
func (e *TimestampEstimator) ReceivedTimesyncCount() uint64 {
	return e.receivedCount.Load()
}

// PollInterval is how often waits check the estimate
func (e *TimestampEstimator) PollInterval() time.Duration {
	return time.Duration(e.pollInterval.Load())
}

// ClockFrequencyHz returns configured DAQ clock frequency
func (e *TimestampEstimator) ClockFrequencyHz() uint64 {
	return e.clockFrequencyHz
}

// MostRecentTimeSync returns the TimeSync with the highest DAQ time accepted so far
func (e *TimestampEstimator) MostRecentTimeSync() timesync.TimeSync {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.mostRecent
}

// SkewStats returns mean and standard deviation of (system time - TimeSync system time)
// over all accepted TimeSync messages, in microseconds
func (e *TimestampEstimator) SkewStats() (mean, stddev float64, count int64) {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.skewMean(), e.skewStddev(), e.skewCount
}

func (e *TimestampEstimator) skewMean() float64 {
	if e.skewCount == 0 {
		return 0
	}
	return e.skew.Mean()
}

// sample standard deviation needs at least 2 values
func (e *TimestampEstimator) skewStddev() float64 {
	if e.skewCount < 2 {
		return 0
	}
	return e.skew.Stddev()
}

// TimesyncCallback is called for every TimeSync delivered to the estimator.
// Messages from other runs are discarded.
func (e *TimestampEstimator) TimesyncCallback(ts timesync.TimeSync) {
	e.receivedCount.Add(1)
	e.stats.UpdateCounterBy(counterReceived, 1)
	log.Debugf("got a TimeSync run=%d local run=%d seqno=%d source_pid=%d", ts.RunNumber, e.runNumber, ts.SequenceNumber, ts.SourcePID)
	if !e.anyRun && ts.RunNumber != e.runNumber {
		log.Debugf("discarded TimeSync message from run %d during run %d", ts.RunNumber, e.runNumber)
		e.stats.UpdateCounterBy(counterDiscarded, 1)
		return
	}
	e.addDatapoint(ts)
}

// AddTimestampDatapoint updates the estimate with a DAQ time observed at systemTime (microseconds since epoch)
func (e *TimestampEstimator) AddTimestampDatapoint(daqTime, systemTime uint64) {
	e.addDatapoint(timesync.TimeSync{DAQTime: daqTime, SystemTime: systemTime, RunNumber: e.runNumber})
}

// Run feeds TimeSync messages from source into the estimator until ctx is done or source is closed.
// Between messages the estimate is refreshed every refresh interval.
func (e *TimestampEstimator) Run(ctx context.Context, source <-chan timesync.TimeSync) error {
	var tick <-chan time.Time
	if e.refreshInterval > 0 {
		ticker := time.NewTicker(e.refreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			e.Refresh()
		case ts, ok := <-source:
			if !ok {
				return nil
			}
			e.TimesyncCallback(ts)
		}
	}
}

func (e *TimestampEstimator) addDatapoint(ts timesync.TimeSync) {
	e.mux.Lock()
	defer e.mux.Unlock()

	if !ts.Valid() {
		e.stats.UpdateCounterBy(counterInvalid, 1)
		e.report(ErrInvalidTimeSync)
		return
	}

	estimate := e.currentEstimate.Load()
	log.Debugf("got a TimeSync timestamp = %d, system time = %d when current timestamp estimate was %d. diff=%d",
		ts.DAQTime, ts.SystemTime, estimate, int64(estimate-ts.DAQTime))

	// only ever move to a TimeSync further ahead in DAQ time
	if !e.mostRecent.Valid() || ts.DAQTime > e.mostRecent.DAQTime {
		e.mostRecent = ts
	}

	now := e.now()
	e.skew.Add(float64(now) - float64(ts.SystemTime))
	e.skewCount++
	e.stats.SetCounter(counterSkewMean, int64(e.skewMean()))
	e.stats.SetCounter(counterSkewStd, int64(e.skewStddev()))

	e.extrapolate(now, true)
}

// Refresh re-extrapolates the estimate from the most recent TimeSync and current system time.
// No issues are reported.
func (e *TimestampEstimator) Refresh() {
	e.mux.Lock()
	defer e.mux.Unlock()
	if !e.mostRecent.Valid() {
		return
	}
	e.extrapolate(e.now(), false)
}

// extrapolate must be called with the lock held and a valid mostRecent
func (e *TimestampEstimator) extrapolate(now uint64, report bool) {
	mrt := e.mostRecent
	// TimeSync messages from another host may be slightly in the future
	if report && now+e.earlyToleranceUS.Load() < mrt.SystemTime {
		e.stats.UpdateCounterBy(counterEarly, 1)
		e.report(&EarlyTimeSyncError{TimeDiffUS: mrt.SystemTime - now})
	}
	// only update when system time is past the TimeSync, so the estimate can't run ahead of it
	if now <= mrt.SystemTime {
		return
	}

	delta := now - mrt.SystemTime
	if report {
		log.Debugf("time diff between current system and latest TimeSync system time [us]: %d", delta)
		if delta > e.lateThresholdUS.Load() {
			e.stats.UpdateCounterBy(counterLate, 1)
			e.report(&LateTimeSyncError{TimeDiffUS: delta})
		}
	}

	newEstimate := mrt.DAQTime + ticks(delta, e.clockFrequencyHz)
	if newEstimate < mrt.DAQTime || newEstimate == timesync.InvalidTimestamp {
		newEstimate = timesync.InvalidTimestamp - 1
	}
	current := e.currentEstimate.Load()
	if current != timesync.InvalidTimestamp && newEstimate < current {
		log.Debugf("not updating timestamp estimate backwards from %d to %d", current, newEstimate)
		e.stats.UpdateCounterBy(counterBackwards, 1)
		return
	}
	if report {
		log.Debugf("storing new timestamp estimate of %d ticks, most recent TimeSync DAQ time is %d ticks, delta time is %d us, clock frequency is %d Hz",
			newEstimate, mrt.DAQTime, delta, e.clockFrequencyHz)
	}
	e.currentEstimate.Store(newEstimate)
	e.stats.SetCounter(counterEstimate, int64(newEstimate))
}
