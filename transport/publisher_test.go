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

package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daqtime/utilities/stats"
	"github.com/daqtime/utilities/timesync"
)

type fakeSource struct {
	estimate atomic.Uint64
}

func (f *fakeSource) TimestampEstimate() uint64 {
	return f.estimate.Load()
}

func newFakeSource(v uint64) *fakeSource {
	f := &fakeSource{}
	f.estimate.Store(v)
	return f
}

func TestPublisherConfigValidate(t *testing.T) {
	good := PublisherConfig{Target: "127.0.0.1:5678", Interval: time.Second, DSCP: 46, TTL: 1}
	require.NoError(t, good.Validate())

	c := good
	c.Target = ""
	require.ErrorContains(t, c.Validate(), "target")

	c = good
	c.Interval = 0
	require.ErrorContains(t, c.Validate(), "interval")

	c = good
	c.DSCP = 64
	require.ErrorContains(t, c.Validate(), "dscp")

	c = good
	c.TTL = -1
	require.ErrorContains(t, c.Validate(), "ttl")
}

func TestPublisherSendOnce(t *testing.T) {
	l, _, ch := startListener(t)
	st := stats.NewStats()
	p, err := NewPublisher(PublisherConfig{Target: l.Addr().String(), Interval: time.Second, RunNumber: 5}, newFakeSource(1000), st)
	require.NoError(t, err)
	defer p.Close()
	p.now = func() uint64 { return 2000 }

	sent, err := p.SendOnce()
	require.NoError(t, err)
	got := receive(t, ch)
	require.Equal(t, sent, got)
	require.Equal(t, uint64(1000), got.DAQTime)
	require.Equal(t, uint64(2000), got.SystemTime)
	require.Equal(t, uint64(1), got.SequenceNumber)
	require.Equal(t, uint32(5), got.RunNumber)
	require.Equal(t, p.pid, got.SourcePID)

	_, err = p.SendOnce()
	require.NoError(t, err)
	require.Equal(t, uint64(2), receive(t, ch).SequenceNumber)
	require.Equal(t, int64(2), st.Get()[counterTX])
}

func TestPublisherSkipsInvalidEstimate(t *testing.T) {
	l, _, _ := startListener(t)
	st := stats.NewStats()
	p, err := NewPublisher(PublisherConfig{Target: l.Addr().String(), Interval: time.Second}, newFakeSource(timesync.InvalidTimestamp), st)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.SendOnce()
	require.ErrorIs(t, err, errNoEstimate)
	require.Equal(t, int64(1), st.Get()[counterSkipped])
	require.Equal(t, int64(0), st.Get()[counterTX])
}

func TestPublisherStartStop(t *testing.T) {
	l, _, ch := startListener(t)
	src := newFakeSource(timesync.InvalidTimestamp)
	p, err := NewPublisher(PublisherConfig{Target: l.Addr().String(), Interval: 5 * time.Millisecond}, src, nil)
	require.NoError(t, err)

	require.NoError(t, p.Start())
	require.Error(t, p.Start())
	src.estimate.Store(77)

	first := receive(t, ch)
	second := receive(t, ch)
	require.Equal(t, uint64(77), first.DAQTime)
	require.Greater(t, second.SequenceNumber, first.SequenceNumber)

	require.NoError(t, p.Stop())
	require.Error(t, p.Stop())
	require.NoError(t, p.Close())
}

func TestPublisherDSCP(t *testing.T) {
	l, _, ch := startListener(t)
	p, err := NewPublisher(PublisherConfig{Target: l.Addr().String(), Interval: time.Second, DSCP: 46}, newFakeSource(1), nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.SendOnce()
	require.NoError(t, err)
	require.Equal(t, uint64(1), receive(t, ch).DAQTime)
}

func TestSleepWhileRunningReturnsWhenStopped(t *testing.T) {
	var running atomic.Bool
	start := time.Now()
	sleepWhileRunning(&running, time.Hour)
	require.Less(t, time.Since(start), time.Second)
}
