package serialport

import "time"

// Fake is an in-memory Port for tests: writes are captured for assertions,
// and reads are served from a byte queue the test feeds with Feed.
type Fake struct {
	Written []byte
	pending []byte

	Baud int

	FlushCount int
	DTR, RTS   bool

	// FailNextWrite, if set, makes the next WriteAll return an error instead
	// of succeeding.
	FailNextWrite bool
}

// NewFake returns a ready-to-use Fake port at baud 0 (unset).
func NewFake() *Fake {
	return &Fake{}
}

// Feed appends bytes to the fake's read queue, as if the simulated device
// had just sent them.
func (f *Fake) Feed(data []byte) {
	f.pending = append(f.pending, data...)
}

func (f *Fake) Read(buf []byte) (int, error) {
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := copy(buf, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *Fake) WriteAll(data []byte, _ time.Time) error {
	if f.FailNextWrite {
		f.FailNextWrite = false
		return errFakeWriteFailed
	}
	f.Written = append(f.Written, data...)
	return nil
}

func (f *Fake) SetBaud(baud int) error {
	f.Baud = baud
	return nil
}

func (f *Fake) Flush() error {
	f.FlushCount++
	return nil
}

func (f *Fake) SetDTR(on bool) error {
	f.DTR = on
	return nil
}

func (f *Fake) SetRTS(on bool) error {
	f.RTS = on
	return nil
}

func (f *Fake) Close() error { return nil }

type fakeError string

func (e fakeError) Error() string { return string(e) }

const errFakeWriteFailed = fakeError("serialport: fake write failure")
