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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/daqtime/utilities/timesync"
)

// SystemEstimator is an Estimator which uses the system clock to give the current timestamp.
// The estimate is always valid.
type SystemEstimator struct {
	clockFrequencyHz uint64
	pollInterval     time.Duration
	// function returning current system time in microseconds
	now func() uint64
}

// NewSystemEstimator creates SystemEstimator for a clock running at clockFrequencyHz
func NewSystemEstimator(clockFrequencyHz uint64) (*SystemEstimator, error) {
	if clockFrequencyHz == 0 {
		return nil, ErrZeroClockFrequency
	}
	log.Debugf("clock frequency is %d clock_frequency_hz/1000000.=%f", clockFrequencyHz, float64(clockFrequencyHz)/1000000.)
	return &SystemEstimator{
		clockFrequencyHz: clockFrequencyHz,
		pollInterval:     DefaultPollInterval,
		now:              timesync.GettimeofdayUS,
	}, nil
}

// TimestampEstimate returns current system time converted to DAQ clock ticks
func (s *SystemEstimator) TimestampEstimate() uint64 {
	return ticks(s.now(), s.clockFrequencyHz)
}

// PollInterval is how often waits check the estimate
func (s *SystemEstimator) PollInterval() time.Duration {
	return s.pollInterval
}

// ClockFrequencyHz returns configured DAQ clock frequency
func (s *SystemEstimator) ClockFrequencyHz() uint64 {
	return s.clockFrequencyHz
}
