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
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daqtime/utilities/stats"
	"github.com/daqtime/utilities/timesync"
)

func startListener(t *testing.T) (*Listener, *stats.Stats, <-chan timesync.TimeSync) {
	st := stats.NewStats()
	l, err := Listen("127.0.0.1:0", st)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan timesync.TimeSync, 16)
	done := make(chan error, 1)
	go func() {
		done <- l.Serve(ctx, ChannelHandler(ctx, ch))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, st, ch
}

func dialListener(t *testing.T, l *Listener) *net.UDPConn {
	conn, err := net.DialUDP("udp", nil, l.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, ch <-chan timesync.TimeSync) timesync.TimeSync {
	select {
	case ts := <-ch:
		return ts
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for TimeSync")
	}
	return timesync.Empty()
}

func TestListenerReceives(t *testing.T) {
	l, st, ch := startListener(t)
	conn := dialListener(t, l)

	want := timesync.TimeSync{DAQTime: 100, SystemTime: 200, SequenceNumber: 3, RunNumber: 7, SourcePID: 42}
	b, err := want.MarshalBinary()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	require.Equal(t, want, receive(t, ch))
	require.Eventually(t, func() bool {
		return st.Get()[counterRX] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestListenerSkipsInvalidPackets(t *testing.T) {
	l, st, ch := startListener(t)
	conn := dialListener(t, l)

	_, err := conn.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	_, err = conn.Write(make([]byte, timesync.PacketSizeBytes+1))
	require.NoError(t, err)

	want := timesync.TimeSync{DAQTime: 1, SystemTime: 2, RunNumber: 1}
	b, err := want.MarshalBinary()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	require.Equal(t, want, receive(t, ch))
	require.Eventually(t, func() bool {
		c := st.Get()
		return c[counterInvalidPacket] == 2 && c[counterRX] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestListenerServeStopsOnCancel(t *testing.T) {
	l, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Serve(ctx, func(timesync.TimeSync) {})
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Serve did not return")
	}
}

func TestListenerCloseStopsServe(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		l, err := Listen("127.0.0.1:0", nil)
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() {
			done <- l.Serve(context.Background(), func(timesync.TimeSync) {})
		}()
		require.NoError(t, l.Close())
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "Serve did not return after Close")
		}
	}
	// nothing is left waiting on a context which is never done
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListenBadAddress(t *testing.T) {
	_, err := Listen("not an address", nil)
	require.Error(t, err)
}

func TestChannelHandlerUnblocksOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan timesync.TimeSync)
	h := ChannelHandler(ctx, ch)
	cancel()
	// must not block on the unbuffered channel
	h(timesync.New(1))
}
