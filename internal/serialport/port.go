// Package serialport defines the serial transport the uploader controller
// consumes (spec's serial port contract) and a go.bug.st/serial-backed
// implementation of it.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the serial transport contract the controller depends on: a
// non-blocking read, a write bounded by a stall deadline, buffer flushing,
// and baud-rate changes (for the SPEED handoff), plus the two modem control
// lines the GPIO reset fallback path needs.
type Port interface {
	// Read performs one non-blocking read, returning 0 bytes (not an error)
	// when nothing is currently available.
	Read(buf []byte) (int, error)

	// WriteAll writes the full contents of data, retrying partial writes
	// until done or until deadline passes with no further progress. A
	// successful partial write refreshes the deadline.
	WriteAll(data []byte, deadline time.Time) error

	// SetBaud changes the port's baud rate without closing it.
	SetBaud(baud int) error

	// Flush discards any buffered input and output.
	Flush() error

	// SetDTR and SetRTS drive the modem control lines used by the DTR/RTS
	// GPIO reset fallback.
	SetDTR(on bool) error
	SetRTS(on bool) error

	Close() error
}

// readPollTimeout is the non-blocking read's poll interval: short enough
// that a zero-byte read is effectively "nothing ready yet", per the serial
// port contract's 1 ms read_timeout.
const readPollTimeout = time.Millisecond

// writeStallDeadline bounds how long a single WriteAll call may stall making
// no progress before it fails.
const writeStallDeadline = 500 * time.Millisecond

type serialPort struct {
	port serial.Port
}

// Open opens the named serial port at the given baud rate, configured for
// the 1 ms non-blocking read the controller's event loop expects.
func Open(name string, baud int) (Port, error) {
	mode := &serial.Mode{BaudRate: baud}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(readPollTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialport: set read timeout on %s: %w", name, err)
	}
	return &serialPort{port: p}, nil
}

func (s *serialPort) Read(buf []byte) (int, error) {
	n, err := s.port.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("serialport: read: %w", err)
	}
	return n, nil
}

func (s *serialPort) WriteAll(data []byte, deadline time.Time) error {
	written := 0
	for written < len(data) {
		n, err := s.port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("serialport: write: %w", err)
		}
		if n > 0 {
			written += n
			deadline = time.Now().Add(writeStallDeadline)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("serialport: write stalled after %d/%d bytes", written, len(data))
		}
	}
	return nil
}

func (s *serialPort) SetBaud(baud int) error {
	if err := s.port.SetMode(&serial.Mode{BaudRate: baud}); err != nil {
		return fmt.Errorf("serialport: set baud %d: %w", baud, err)
	}
	return nil
}

func (s *serialPort) Flush() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serialport: flush input: %w", err)
	}
	if err := s.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("serialport: flush output: %w", err)
	}
	return nil
}

func (s *serialPort) SetDTR(on bool) error {
	if err := s.port.SetDTR(on); err != nil {
		return fmt.Errorf("serialport: set DTR: %w", err)
	}
	return nil
}

func (s *serialPort) SetRTS(on bool) error {
	if err := s.port.SetRTS(on); err != nil {
		return fmt.Errorf("serialport: set RTS: %w", err)
	}
	return nil
}

func (s *serialPort) Close() error {
	return s.port.Close()
}
