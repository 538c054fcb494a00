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
Package timesync implements the TimeSync message exchanged between the
elements of a DAQ system to correlate the DAQ clock with system time.

The binary layout is fixed at 32 bytes, little-endian:

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	0 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	  |                       DAQ Time (64)                           |
	8 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	  |                 System Time, microseconds (64)                |
	16+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	  |                     Sequence Number (64)                      |
	24+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	  |                         Run Number                            |
	28+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	  |                         Source PID                            |
	32+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
package timesync

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// PacketSizeBytes is the size of a marshaled TimeSync
const PacketSizeBytes = 32

// InvalidTimestamp is the reserved DAQ time meaning "no valid timestamp"
const InvalidTimestamp uint64 = math.MaxUint64

// ErrShortPacket is returned when unmarshaling from a buffer smaller than PacketSizeBytes
var ErrShortPacket = errors.New("not enough data to decode TimeSync")

// TimeSync is a synthetic message used to ensure that all elements of a DAQ system are synchronized
type TimeSync struct {
	// DAQTime is the DAQ clock value at creation, in ticks
	DAQTime uint64 `json:"daq_time"`
	// SystemTime is the system time at creation, in microseconds since epoch
	SystemTime uint64 `json:"system_time"`
	// SequenceNumber of this message, for debugging
	SequenceNumber uint64 `json:"sequence_number"`
	// RunNumber at time of creation
	RunNumber uint32 `json:"run_number"`
	// SourcePID of the creating process, for debugging
	SourcePID uint32 `json:"source_pid"`
}

// New creates a TimeSync carrying daqTime, stamped with the current system time
func New(daqTime uint64) TimeSync {
	return TimeSync{
		DAQTime:    daqTime,
		SystemTime: GettimeofdayUS(),
	}
}

// Empty returns a TimeSync with DAQ time set to InvalidTimestamp
func Empty() TimeSync {
	return TimeSync{DAQTime: InvalidTimestamp}
}

// Valid reports whether DAQ time is set
func (t *TimeSync) Valid() bool {
	return t.DAQTime != InvalidTimestamp
}

func (t *TimeSync) String() string {
	return fmt.Sprintf("TimeSync{daq_time=%d system_time=%d run=%d seqno=%d source_pid=%d}",
		t.DAQTime, t.SystemTime, t.RunNumber, t.SequenceNumber, t.SourcePID)
}

// MarshalBinaryTo marshals TimeSync into provided buffer, which must be at least PacketSizeBytes long
func (t *TimeSync) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < PacketSizeBytes {
		return 0, fmt.Errorf("not enough buffer to write TimeSync: %d < %d", len(b), PacketSizeBytes)
	}
	binary.LittleEndian.PutUint64(b[0:], t.DAQTime)
	binary.LittleEndian.PutUint64(b[8:], t.SystemTime)
	binary.LittleEndian.PutUint64(b[16:], t.SequenceNumber)
	binary.LittleEndian.PutUint32(b[24:], t.RunNumber)
	binary.LittleEndian.PutUint32(b[28:], t.SourcePID)
	return PacketSizeBytes, nil
}

// MarshalBinary converts TimeSync to []bytes
func (t *TimeSync) MarshalBinary() ([]byte, error) {
	b := make([]byte, PacketSizeBytes)
	n, err := t.MarshalBinaryTo(b)
	return b[:n], err
}

// UnmarshalBinary parses []byte and populates TimeSync fields
func (t *TimeSync) UnmarshalBinary(b []byte) error {
	if len(b) < PacketSizeBytes {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortPacket, len(b), PacketSizeBytes)
	}
	t.DAQTime = binary.LittleEndian.Uint64(b[0:])
	t.SystemTime = binary.LittleEndian.Uint64(b[8:])
	t.SequenceNumber = binary.LittleEndian.Uint64(b[16:])
	t.RunNumber = binary.LittleEndian.Uint32(b[24:])
	t.SourcePID = binary.LittleEndian.Uint32(b[28:])
	return nil
}

// GettimeofdayUS returns the current system time in microseconds since epoch
func GettimeofdayUS() uint64 {
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return uint64(time.Now().UnixMicro())
	}
	return uint64(tv.Sec)*1000000 + uint64(tv.Usec)
}
