// Append-only flight log file format
package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Record framing: one type byte, a big-endian uint32 payload length, then
// the JSON payload. Records are written with a single append each, so a
// crash mid-write can only produce a truncated tail; every prior record
// stays readable.
const (
	recOpen     = byte(1)
	recSnapshot = byte(2)
	recAlert    = byte(3)
	recClose    = byte(4)

	recHeaderLen = 5
	maxRecordLen = 1 << 20
)

// errTruncated marks a partial record at the end of a log.
var errTruncated = errors.New("recorder: truncated record")

// flightLog is the write side of one flight's log file.
type flightLog struct {
	f *os.File
}

func createFlightLog(path string) (*flightLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &flightLog{f: f}, nil
}

// append writes one record with a single write call.
func (l *flightLog) append(typ byte, payload []byte) error {
	buf := make([]byte, recHeaderLen+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[recHeaderLen:], payload)
	_, err := l.f.Write(buf)
	return err
}

func (l *flightLog) sync() error {
	return l.f.Sync()
}

func (l *flightLog) close() error {
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// iterateRecords reads records from r until EOF, handing each to fn. A
// truncated tail ends iteration without error; prior records are intact.
func iterateRecords(r io.Reader, fn func(typ byte, payload []byte) error) error {
	var hdr [recHeaderLen]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		length := binary.BigEndian.Uint32(hdr[1:5])
		if length > maxRecordLen {
			return fmt.Errorf("recorder: record length %d exceeds limit", length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if err := fn(hdr[0], payload); err != nil {
			return err
		}
	}
}
