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
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Defaults for the operational thresholds
const (
	DefaultEarlyTolerance  = 10 * time.Millisecond
	DefaultLateThreshold   = time.Second
	DefaultRefreshInterval = 10 * time.Millisecond
)

// Config represents estimator configuration, as we expect to read it from file
type Config struct {
	ClockFrequencyHz uint64        // ticks per second of the DAQ clock
	RunNumber        uint32        // only TimeSync messages from this run are used
	AnyRun           bool          // use TimeSync messages from any run
	EarlyTolerance   time.Duration // how far a TimeSync may be ahead of system time before we warn
	LateThreshold    time.Duration // how far a TimeSync may be behind system time before we warn
	PollInterval     time.Duration // how often waits check the estimate
	RefreshInterval  time.Duration // how often Run re-extrapolates between messages, 0 disables
}

// DefaultConfig returns Config with default thresholds for the given clock
func DefaultConfig(clockFrequencyHz uint64) *Config {
	return &Config{
		ClockFrequencyHz: clockFrequencyHz,
		EarlyTolerance:   DefaultEarlyTolerance,
		LateThreshold:    DefaultLateThreshold,
		PollInterval:     DefaultPollInterval,
		RefreshInterval:  DefaultRefreshInterval,
	}
}

// Validate makes sure config is valid
func (c *Config) Validate() error {
	if c.ClockFrequencyHz == 0 {
		return ErrZeroClockFrequency
	}
	if c.EarlyTolerance < 0 {
		return fmt.Errorf("bad config: 'earlytolerance' must be >=0")
	}
	if c.LateThreshold <= 0 {
		return fmt.Errorf("bad config: 'latethreshold' must be >0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("bad config: 'pollinterval' must be >0")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("bad config: 'refreshinterval' must be >=0")
	}
	return nil
}

// ReadConfig reads config and unmarshals it from yaml into Config.
// Values missing from the file are taken from DefaultConfig.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig(0)
	err = yaml.UnmarshalStrict(data, c)
	return c, err
}
