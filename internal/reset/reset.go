// Package reset drives the optional GPIO reset sequence a board may need
// pulsed before a bootloader session starts. It prefers toggling the latch
// GPIOs on a CP210x USB-UART bridge directly over USB, since that works even
// when the serial port itself is mid-handshake, and falls back to classic
// DTR/RTS toggling through the serial port when no such bridge is attached.
package reset

import (
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"

	"github.com/Mirn/sfu-cli-uploader/internal/serialport"
)

// Sequence is a GPIO reset program: a list of latch states applied in
// order, each held for Quantum before the next is written. Mask selects
// which GPIO bits a given value updates; Values is the state to drive those
// bits to at each step, and also carries bit0/bit1 as DTR/RTS for the
// fallback path.
type Sequence struct {
	QuantumMS uint32
	Mask      uint16
	Values    []uint16
}

// Status reports which path actually drove a Run.
type Status int

const (
	UsedCP210x Status = iota
	UsedDTRRTS
)

func (s Status) String() string {
	switch s {
	case UsedCP210x:
		return "cp210x"
	case UsedDTRRTS:
		return "dtr-rts"
	default:
		return "unknown"
	}
}

const (
	cp210xVID         = 0x10c4 // Silicon Labs
	cp210xPID         = 0xea60 // CP2102N
	reqVendorSpecific = 0xFF
	writeLatchRequest = 0x37E1 // CP210xRT_WriteLatch, wValue
	controlTimeout    = 200 * time.Millisecond
)

// Run executes seq, trying the CP210x latch path first. Any problem on that
// path (device not present, failing to open, or a mid-sequence control
// transfer error) is treated as non-fatal and falls through to DTR/RTS on
// port; only a DTR/RTS failure is returned as an error.
func Run(port serialport.Port, seq *Sequence) (Status, error) {
	return run(port, seq, runCP210x)
}

func run(port serialport.Port, seq *Sequence, cp210x func(*Sequence, time.Duration) (bool, error)) (Status, error) {
	quantum := time.Duration(seq.QuantumMS) * time.Millisecond

	used, err := cp210x(seq, quantum)
	if err != nil {
		log.Printf("reset: cp210x latch path failed, falling back to dtr/rts: %v", err)
	} else if used {
		return UsedCP210x, nil
	}

	if err := runDTRRTS(port, seq, quantum); err != nil {
		return 0, fmt.Errorf("reset: dtr/rts fallback: %w", err)
	}
	return UsedDTRRTS, nil
}

// runCP210x reports (false, nil) when no matching USB device is present. Any
// other failure (open, or a mid-sequence control transfer) is also reported
// as non-fatal to the caller via a non-nil error, which Run treats the same
// way: fall back to DTR/RTS rather than aborting the reset.
func runCP210x(seq *Sequence, quantum time.Duration) (bool, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(cp210xVID), gousb.ID(cp210xPID))
	if err != nil {
		return false, fmt.Errorf("open cp210x device: %w", err)
	}
	if dev == nil {
		return false, nil
	}
	defer dev.Close()

	rType := uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice)
	for _, val := range seq.Values {
		updateMask := seq.Mask & 0x00FF
		newState := val & seq.Mask & 0x00FF
		windex := (uint16(newState) << 8) | uint16(updateMask)

		if _, err := dev.Control(rType, reqVendorSpecific, writeLatchRequest, windex, nil); err != nil {
			return false, fmt.Errorf("cp210xrt_writelatch: %w", err)
		}
		if quantum > 0 {
			time.Sleep(quantum)
		}
	}
	return true, nil
}

func runDTRRTS(port serialport.Port, seq *Sequence, quantum time.Duration) error {
	for _, val := range seq.Values {
		dtr := val&0x0001 != 0
		rts := val&0x0002 != 0
		if err := port.SetDTR(dtr); err != nil {
			return fmt.Errorf("set DTR: %w", err)
		}
		if err := port.SetRTS(rts); err != nil {
			return fmt.Errorf("set RTS: %w", err)
		}
		if quantum > 0 {
			time.Sleep(quantum)
		}
	}
	return nil
}
