// Binary frame codec for the SAU to DPU sensor bus
package bus

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
	"time"

	"epmon/internal/telemetry"
)

// Frame layout, fixed 24 bytes, big endian:
//
//	offset 0  sync byte 0xA5
//	offset 1  channel id
//	offset 2  flags (bit 0: sensor fault)
//	offset 3  reserved, zero
//	offset 4  timestamp, unix microseconds, int64
//	offset 12 value, float64 bits
//	offset 20 CRC-32 (IEEE) over bytes 0..19
const (
	FrameSize = 24
	SyncByte  = 0xA5

	flagFault = 0x01
)

var (
	// ErrBadSync marks a frame whose first byte is not the sync marker.
	ErrBadSync = errors.New("bus: bad sync byte")
	// ErrBadCRC marks a frame that failed its checksum.
	ErrBadCRC = errors.New("bus: crc mismatch")
	// ErrShortFrame marks a buffer smaller than one frame.
	ErrShortFrame = errors.New("bus: short frame")
)

// EncodeFrame serializes a sample into wire format.
func EncodeFrame(s telemetry.Sample) [FrameSize]byte {
	var b [FrameSize]byte
	b[0] = SyncByte
	b[1] = byte(s.Channel)
	if s.Fault {
		b[2] |= flagFault
	}
	binary.BigEndian.PutUint64(b[4:12], uint64(s.Timestamp.UnixMicro()))
	binary.BigEndian.PutUint64(b[12:20], math.Float64bits(s.Value))
	binary.BigEndian.PutUint32(b[20:24], crc32.ChecksumIEEE(b[:20]))
	return b
}

// DecodeFrame parses one frame from b.
func DecodeFrame(b []byte) (telemetry.Sample, error) {
	if len(b) < FrameSize {
		return telemetry.Sample{}, ErrShortFrame
	}
	if b[0] != SyncByte {
		return telemetry.Sample{}, ErrBadSync
	}
	if crc32.ChecksumIEEE(b[:20]) != binary.BigEndian.Uint32(b[20:24]) {
		return telemetry.Sample{}, ErrBadCRC
	}
	return telemetry.Sample{
		Channel:   telemetry.ChannelID(b[1]),
		Fault:     b[2]&flagFault != 0,
		Timestamp: time.UnixMicro(int64(binary.BigEndian.Uint64(b[4:12]))).UTC(),
		Value:     math.Float64frombits(binary.BigEndian.Uint64(b[12:20])),
	}, nil
}
