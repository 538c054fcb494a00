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
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrZeroClockFrequency is returned when an estimator is configured without clock frequency
	ErrZeroClockFrequency = errors.New("bad config: 'clockfrequencyhz' must be >0")
	// ErrInvalidTimeSync is reported when a TimeSync carries the invalid timestamp
	ErrInvalidTimeSync = errors.New("an invalid TimeSync message was received")
	// ErrInterrupted is returned by context based waits when the context is done first
	ErrInterrupted = errors.New("failed to get timestamp estimate (was interrupted)")
)

// EarlyTimeSyncError is reported when the most recent TimeSync is ahead of the local system time
type EarlyTimeSyncError struct {
	TimeDiffUS uint64
}

func (e *EarlyTimeSyncError) Error() string {
	return fmt.Sprintf("the most recent TimeSync message is ahead of current system time by %d us", e.TimeDiffUS)
}

// LateTimeSyncError is reported when the most recent TimeSync is too far behind the local system time
type LateTimeSyncError struct {
	TimeDiffUS uint64
}

func (e *LateTimeSyncError) Error() string {
	return fmt.Sprintf("the most recent TimeSync message is behind current system time by %d us", e.TimeDiffUS)
}

// IssueReporter receives non-fatal issues found while processing TimeSync messages.
// It is called with the estimator lock held and must not call back into the estimator.
type IssueReporter func(issue error)

// LogIssue is the default IssueReporter, it logs the issue as a warning
func LogIssue(issue error) {
	log.Warning(issue)
}
