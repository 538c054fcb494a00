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

/*
Package estimator estimates the current DAQ timestamp in systems where there
is no hardware timing system to read it from.

Two implementations of Estimator are provided: TimestampEstimator, which
extrapolates from TimeSync messages, and SystemEstimator, which derives the
timestamp from the system clock alone. WaitForValidTimestamp and
WaitForTimestamp work with either of them.
*/
package estimator

import (
	"context"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/daqtime/utilities/timesync"
)

// DefaultPollInterval is how often wait functions check the estimate
const DefaultPollInterval = 10 * time.Millisecond

// Estimator is anything that can give an estimate of the current DAQ timestamp.
// TimestampEstimate returns timesync.InvalidTimestamp while no estimate is available.
type Estimator interface {
	TimestampEstimate() uint64
}

// poller is implemented by estimators with a configurable poll interval
type poller interface {
	PollInterval() time.Duration
}

// WaitStatus is the outcome of a wait
type WaitStatus int

// Possible outcomes of a wait
const (
	Finished WaitStatus = iota
	Interrupted
)

func (s WaitStatus) String() string {
	switch s {
	case Finished:
		return "FINISHED"
	case Interrupted:
		return "INTERRUPTED"
	}
	return "UNSUPPORTED"
}

func pollInterval(e Estimator) time.Duration {
	if p, ok := e.(poller); ok {
		if i := p.PollInterval(); i > 0 {
			return i
		}
	}
	return DefaultPollInterval
}

func reached(e Estimator, ts uint64) bool {
	estimate := e.TimestampEstimate()
	return estimate != timesync.InvalidTimestamp && estimate >= ts
}

func waitFor(e Estimator, ts uint64, continueFlag *atomic.Bool) WaitStatus {
	if !continueFlag.Load() {
		return Interrupted
	}
	interval := pollInterval(e)
	for !reached(e, ts) {
		time.Sleep(interval)
		if !continueFlag.Load() {
			return Interrupted
		}
	}
	return Finished
}

// WaitForValidTimestamp waits for the estimate to become valid, or for continueFlag to become false.
// The flag is only checked between polls.
// Returns Finished if the timestamp became valid, or Interrupted if continueFlag became false first.
func WaitForValidTimestamp(e Estimator, continueFlag *atomic.Bool) WaitStatus {
	return waitFor(e, 0, continueFlag)
}

// WaitForTimestamp waits for the estimate to reach ts, or for continueFlag to become false.
// Returns Finished if the timestamp was reached, or Interrupted if continueFlag became false first.
func WaitForTimestamp(e Estimator, ts uint64, continueFlag *atomic.Bool) WaitStatus {
	return waitFor(e, ts, continueFlag)
}

// WaitForTimestampContext is like WaitForTimestamp, but is interrupted by ctx.
// Unlike the flag based variant it does not wait for the next poll to notice cancellation.
func WaitForTimestampContext(ctx context.Context, e Estimator, ts uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	ticker := time.NewTicker(pollInterval(e))
	defer ticker.Stop()
	for !reached(e, ts) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// WaitForValidTimestampContext is like WaitForValidTimestamp, but is interrupted by ctx
func WaitForValidTimestampContext(ctx context.Context, e Estimator) error {
	return WaitForTimestampContext(ctx, e, 0)
}

// ticks converts microseconds to ticks of a clock running at clockFrequencyHz.
// The result is truncated to a whole tick and saturates below InvalidTimestamp.
func ticks(us, clockFrequencyHz uint64) uint64 {
	hi, lo := bits.Mul64(us, clockFrequencyHz)
	if hi >= 1000000 {
		return timesync.InvalidTimestamp - 1
	}
	q, _ := bits.Div64(hi, lo, 1000000)
	if q == timesync.InvalidTimestamp {
		return q - 1
	}
	return q
}
