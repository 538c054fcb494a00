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

package stats

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJSONStatsHandler(t *testing.T) {
	s := NewJSONStats()
	s.SetCounter("timestamp.estimate", 42)
	s.UpdateCounterBy("timesync.received", 3)

	for _, path := range []string{"/", "/counters"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.JSONEq(t, `{"timestamp.estimate":42,"timesync.received":3}`, rec.Body.String())
	}
}

func TestFetchCounters(t *testing.T) {
	s := NewJSONStats()
	s.SetCounter("timesync.late", 7)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	counters, err := FetchCounters(server.URL)
	require.NoError(t, err)
	require.Equal(t, Counters{"timesync.late": 7}, counters)
}

func TestFetchCountersBadStatus(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := FetchCounters(server.URL)
	require.Error(t, err)
}

func TestJSONStatsStart(t *testing.T) {
	// grab a free port
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	s := NewJSONStats()
	s.SetCounter("timesync.received", 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Start(ctx, port)
	}()

	var counters Counters
	require.Eventually(t, func() bool {
		counters, err = FetchCounters(fmt.Sprintf("http://127.0.0.1:%d", port))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, Counters{"timesync.received": 1}, counters)

	cancel()
	require.NoError(t, <-done)
}
