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
Package transport delivers TimeSync messages over UDP.

Listener receives TimeSync packets and hands them to a Handler.
Publisher periodically sends TimeSync packets stamped from an Estimator.
*/
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/daqtime/utilities/estimator"
	"github.com/daqtime/utilities/timesync"
)

// DefaultPort is the UDP port TimeSync messages are exchanged on by default
const DefaultPort = 5678

// counters exported by Listener and Publisher
const (
	counterRX            = "transport.rx"
	counterReadError     = "transport.read_error"
	counterInvalidPacket = "transport.invalid_packet"
	counterTX            = "transport.tx"
	counterWriteError    = "transport.write_error"
	counterSkipped       = "transport.skipped"
)

// Handler is called for every TimeSync received
type Handler func(ts timesync.TimeSync)

// ChannelHandler returns Handler pushing TimeSync messages into ch.
// It blocks when ch is full, unless ctx is done.
func ChannelHandler(ctx context.Context, ch chan<- timesync.TimeSync) Handler {
	return func(ts timesync.TimeSync) {
		select {
		case ch <- ts:
		case <-ctx.Done():
		}
	}
}

// Listener is a UDP server receiving TimeSync packets
type Listener struct {
	conn  *net.UDPConn
	stats estimator.StatsServer
}

// Listen binds to addr. Multicast group addresses are joined on all interfaces.
func Listen(addr string, stats estimator.StatsServer) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", addr, err)
	}
	var conn *net.UDPConn
	if udpAddr.IP != nil && udpAddr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, udpAddr)
	} else {
		conn, err = net.ListenUDP("udp", udpAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	if stats == nil {
		stats = nopStats{}
	}
	return &Listener{conn: conn, stats: stats}, nil
}

// Addr returns local address of the listener
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close the listener
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Serve reads packets and calls handler for every valid TimeSync until ctx is done.
// The listener is closed when Serve returns.
func (l *Listener) Serve(ctx context.Context, handler Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.conn.Close()
		case <-done:
		}
	}()
	defer l.conn.Close()

	log.Infof("Listening for TimeSync messages on %s", l.conn.LocalAddr())
	// larger than a TimeSync so oversized datagrams are noticed
	buf := make([]byte, 2*timesync.PacketSizeBytes)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				log.Warning("listener connection closed, exiting listener server")
				return nil
			}
			log.Errorf("Failed to read packet on %s: %v", l.conn.LocalAddr(), err)
			l.stats.UpdateCounterBy(counterReadError, 1)
			continue
		}
		if n != timesync.PacketSizeBytes {
			log.Debugf("discarding %d bytes packet from %s", n, raddr)
			l.stats.UpdateCounterBy(counterInvalidPacket, 1)
			continue
		}
		ts := timesync.TimeSync{}
		if err := ts.UnmarshalBinary(buf[:n]); err != nil {
			log.Errorf("failed to parse TimeSync packet from %s: %v", raddr, err)
			l.stats.UpdateCounterBy(counterInvalidPacket, 1)
			continue
		}
		l.stats.UpdateCounterBy(counterRX, 1)
		log.Debugf("received %s from %s", ts.String(), raddr)
		handler(ts)
	}
}

type nopStats struct{}

func (nopStats) Reset()                        {}
func (nopStats) SetCounter(string, int64)      {}
func (nopStats) UpdateCounterBy(string, int64) {}
