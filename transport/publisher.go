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
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/daqtime/utilities/estimator"
	"github.com/daqtime/utilities/timesync"
	"github.com/daqtime/utilities/workerthread"
)

// errNoEstimate is returned by SendOnce when the source has no valid estimate yet
var errNoEstimate = errors.New("source has no valid timestamp estimate")

// PublisherConfig is a Publisher config structure
type PublisherConfig struct {
	Target    string        // host:port to send to, may be a multicast group
	Interval  time.Duration // how often to send
	RunNumber uint32        // run number stamped into every TimeSync
	DSCP      int           // DSCP value for outgoing packets, 0 leaves the default
	TTL       int           // multicast TTL, 0 leaves the default
}

// Validate checks if config is valid
func (c *PublisherConfig) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("bad config: 'target' must be specified")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("bad config: 'interval' must be >0")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("bad config: 'dscp' must be between 0 and 63")
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("bad config: 'ttl' must be between 0 and 255")
	}
	return nil
}

// Publisher sends TimeSync messages with the DAQ time of an Estimator
type Publisher struct {
	cfg    PublisherConfig
	source estimator.Estimator
	conn   *net.UDPConn
	worker *workerthread.WorkerThread
	stats  estimator.StatsServer

	sequence atomic.Uint64
	pid      uint32
	// function returning current system time in microseconds
	now func() uint64
}

// NewPublisher creates a Publisher sending to cfg.Target
func NewPublisher(cfg PublisherConfig, source estimator.Estimator, stats estimator.StatsServer) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", cfg.Target, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", raddr, err)
	}
	if err := setSocketOptions(conn, raddr.IP, cfg.DSCP, cfg.TTL); err != nil {
		conn.Close()
		return nil, err
	}
	if stats == nil {
		stats = nopStats{}
	}
	p := &Publisher{
		cfg:    cfg,
		source: source,
		conn:   conn,
		stats:  stats,
		pid:    uint32(os.Getpid()),
		now:    timesync.GettimeofdayUS,
	}
	p.worker = workerthread.New(p.publish)
	return p, nil
}

// setSocketOptions sets DSCP and multicast TTL on conn according to the IP family of dst
func setSocketOptions(conn *net.UDPConn, dst net.IP, dscp, ttl int) error {
	if dst.To4() != nil {
		c := ipv4.NewConn(conn)
		if dscp != 0 {
			if err := c.SetTOS(dscp << 2); err != nil {
				return fmt.Errorf("setting DSCP %d: %w", dscp, err)
			}
		}
		if ttl != 0 && dst.IsMulticast() {
			if err := ipv4.NewPacketConn(conn).SetMulticastTTL(ttl); err != nil {
				return fmt.Errorf("setting multicast TTL %d: %w", ttl, err)
			}
		}
		return nil
	}
	c := ipv6.NewConn(conn)
	if dscp != 0 {
		if err := c.SetTrafficClass(dscp << 2); err != nil {
			return fmt.Errorf("setting DSCP %d: %w", dscp, err)
		}
	}
	if ttl != 0 && dst.IsMulticast() {
		if err := ipv6.NewPacketConn(conn).SetMulticastHopLimit(ttl); err != nil {
			return fmt.Errorf("setting multicast hop limit %d: %w", ttl, err)
		}
	}
	return nil
}

// SendOnce sends a single TimeSync with the current estimate of the source
func (p *Publisher) SendOnce() (timesync.TimeSync, error) {
	daqTime := p.source.TimestampEstimate()
	if daqTime == timesync.InvalidTimestamp {
		p.stats.UpdateCounterBy(counterSkipped, 1)
		return timesync.Empty(), errNoEstimate
	}
	ts := timesync.TimeSync{
		DAQTime:        daqTime,
		SystemTime:     p.now(),
		SequenceNumber: p.sequence.Add(1),
		RunNumber:      p.cfg.RunNumber,
		SourcePID:      p.pid,
	}
	b, err := ts.MarshalBinary()
	if err != nil {
		return ts, err
	}
	if _, err := p.conn.Write(b); err != nil {
		p.stats.UpdateCounterBy(counterWriteError, 1)
		return ts, fmt.Errorf("sending TimeSync to %s: %w", p.cfg.Target, err)
	}
	p.stats.UpdateCounterBy(counterTX, 1)
	return ts, nil
}

func (p *Publisher) publish(running *atomic.Bool) {
	log.Infof("Publishing TimeSync messages for run %d to %s every %v", p.cfg.RunNumber, p.cfg.Target, p.cfg.Interval)
	for running.Load() {
		ts, err := p.SendOnce()
		if errors.Is(err, errNoEstimate) {
			log.Debug(err)
		} else if err != nil {
			log.Error(err)
		} else {
			log.Debugf("sent %s", ts.String())
		}
		sleepWhileRunning(running, p.cfg.Interval)
	}
}

// sleepWhileRunning sleeps for d, returning early once running becomes false
func sleepWhileRunning(running *atomic.Bool, d time.Duration) {
	const step = 10 * time.Millisecond
	deadline := time.Now().Add(d)
	for running.Load() {
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		if left > step {
			left = step
		}
		time.Sleep(left)
	}
}

// Start sending TimeSync messages every interval
func (p *Publisher) Start() error {
	return p.worker.Start("timesync-publisher")
}

// Stop sending TimeSync messages
func (p *Publisher) Stop() error {
	return p.worker.Stop()
}

// LocalAddr returns local address of the publisher socket
func (p *Publisher) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// Close stops the publisher if running and closes the socket
func (p *Publisher) Close() error {
	if p.worker.Running() {
		if err := p.worker.Stop(); err != nil {
			return err
		}
	}
	return p.conn.Close()
}
