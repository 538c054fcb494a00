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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingReconfigurer struct {
	sync.Mutex
	configs []*Config
}

func (r *recordingReconfigurer) Reconfigure(cfg *Config) error {
	// files may be caught half written
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *recordingReconfigurer) last() *Config {
	r.Lock()
	defer r.Unlock()
	if len(r.configs) == 0 {
		return nil
	}
	return r.configs[len(r.configs)-1]
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "estimator.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("clockfrequencyhz: 100\n"), 0644))

	r := &recordingReconfigurer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- WatchConfig(ctx, cfgFile, r)
	}()

	// unrelated files are ignored
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644))
		require.NoError(t, os.WriteFile(cfgFile, []byte("clockfrequencyhz: 100\nlatethreshold: 5s\n"), 0644))
		c := r.last()
		return c != nil && c.LateThreshold == 5*time.Second
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, uint64(100), r.last().ClockFrequencyHz)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchConfigAppliesToEstimator(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "estimator.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("clockfrequencyhz: 1000000\n"), 0644))
	cfg, err := ReadConfig(cfgFile)
	require.NoError(t, err)
	e, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = WatchConfig(ctx, cfgFile, e)
	}()

	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(cfgFile, []byte("clockfrequencyhz: 1000000\npollinterval: 3ms\n"), 0644))
		return e.PollInterval() == 3*time.Millisecond
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatchConfigMissingDir(t *testing.T) {
	err := WatchConfig(context.Background(), filepath.Join(t.TempDir(), "nope", "estimator.yaml"), &recordingReconfigurer{})
	require.Error(t, err)
}
