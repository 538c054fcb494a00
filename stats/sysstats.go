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
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"
)

var procStartTime = time.Now()

// Gauge returns the current value of an extra counter collected by SysStats
type Gauge func() uint64

// SysStats collects process, Go runtime and clock stats of the daemon itself,
// plus any gauges registered with AddGauge
type SysStats struct {
	memstats *runtime.MemStats
	gauges   map[string]Gauge
}

// NewSysStats returns SysStats without extra gauges
func NewSysStats() *SysStats {
	return &SysStats{gauges: map[string]Gauge{}}
}

// AddGauge registers g to be collected under name. Must not be called concurrently with collection.
func (s *SysStats) AddGauge(name string, g Gauge) {
	if s.gauges == nil {
		s.gauges = map[string]Gauge{}
	}
	s.gauges[name] = g
}

// setRate records difference between two readings and its per second rate
func setRate(name string, counts map[string]uint64, cur, prev uint64, interval time.Duration) {
	secs := uint64(interval.Seconds())
	if prev > cur || secs == 0 {
		return
	}
	counts[fmt.Sprintf("%s.sum.%d", name, secs)] = cur - prev
	counts[fmt.Sprintf("%s.rate.%d", name, secs)] = (cur - prev) / secs
}

// wallMonoDrift is how far the wall clock moved away from the monotonic clock since start.
// Wall clock steps shift every TimeSync system time, so a growing value explains late or early TimeSyncs.
func wallMonoDrift(now time.Time) time.Duration {
	d := now.Round(0).Sub(procStartTime) - now.Sub(procStartTime)
	if d < 0 {
		return -d
	}
	return d
}

func collectProcess(counts map[string]uint64, interval time.Duration) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("looking up own process: %w", err)
	}
	if val, err := proc.Percent(0); err == nil {
		counts[fmt.Sprintf("process.cpu_pct.avg.%d", int(interval.Seconds()))] = uint64(val * 100)
	}
	if val, err := proc.MemoryInfo(); err == nil {
		counts["process.rss"] = val.RSS
		counts["process.vms"] = val.VMS
	}
	if val, err := proc.NumFDs(); err == nil {
		counts["process.num_fds"] = uint64(val)
	}
	if val, err := proc.NumThreads(); err == nil {
		counts["process.num_threads"] = uint64(val)
	}
	return nil
}

func collectRuntime(counts map[string]uint64, m, prev *runtime.MemStats, interval time.Duration) {
	counts["runtime.cpu.goroutines"] = uint64(runtime.NumGoroutine())
	counts["runtime.mem.alloc"] = m.Alloc
	counts["runtime.mem.sys"] = m.Sys
	counts["runtime.mem.heap.inuse"] = m.HeapInuse
	counts["runtime.mem.heap.objects"] = m.HeapObjects
	counts["runtime.mem.gc.pause_total"] = m.PauseTotalNs
	counts["runtime.mem.gc.count"] = uint64(m.NumGC)
	if prev == nil {
		return
	}
	setRate("runtime.mem.mallocs", counts, m.Mallocs, prev.Mallocs, interval)
	setRate("runtime.gc.pause_ns", counts, m.PauseTotalNs, prev.PauseTotalNs, interval)
	setRate("runtime.gc.count", counts, uint64(m.NumGC), uint64(prev.NumGC), interval)
}

// GaugeNames returns names of registered gauges, sorted
func (s *SysStats) GaugeNames() []string {
	names := make([]string, 0, len(s.gauges))
	for name := range s.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect gathers one reading of all stats. Rates are computed against the previous reading.
func (s *SysStats) Collect(interval time.Duration) (map[string]uint64, error) {
	counts := make(map[string]uint64)
	now := time.Now()
	counts["process.uptime"] = uint64(now.Sub(procStartTime).Seconds())
	counts["process.clock.wall_mono_drift_us"] = uint64(wallMonoDrift(now).Microseconds())
	if err := collectProcess(counts, interval); err != nil {
		return nil, err
	}

	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	collectRuntime(counts, m, s.memstats, interval)
	s.memstats = m

	for name, g := range s.gauges {
		counts[name] = g()
	}
	return counts, nil
}

// Run collects stats every interval into dst until ctx is done
func (s *SysStats) Run(ctx context.Context, dst *Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		collected, err := s.Collect(interval)
		if err != nil {
			log.Errorf("failed to collect sys stats: %v", err)
		}
		for k, v := range collected {
			dst.SetCounter(k, int64(v))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
