package uploader

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/Mirn/sfu-cli-uploader/internal/clockutil"
	"github.com/Mirn/sfu-cli-uploader/internal/crc32x"
	"github.com/Mirn/sfu-cli-uploader/internal/frame"
	"github.com/Mirn/sfu-cli-uploader/internal/serialport"
	"github.com/Mirn/sfu-cli-uploader/internal/sfu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceInfoBody(mainStart, mainRun, receiveSize uint32, sfuVer uint16, flashKiB uint16) []byte {
	body := make([]byte, 32)
	copy(body[0:12], []byte("TESTDEVICE01"))
	binary.LittleEndian.PutUint32(body[12:16], 0x11223344)
	binary.LittleEndian.PutUint16(body[16:18], flashKiB)
	binary.LittleEndian.PutUint16(body[18:20], sfuVer)
	binary.LittleEndian.PutUint32(body[20:24], receiveSize)
	binary.LittleEndian.PutUint32(body[24:28], mainStart)
	binary.LittleEndian.PutUint32(body[28:32], mainRun)
	return body
}

// runUntilTerminal steps the controller, advancing the fake clock after each
// step, until a terminal state is reached or the iteration budget is
// exhausted.
func runUntilTerminal(t *testing.T, c *Controller, clk *clockutil.Fake, maxSteps int, perStep time.Duration) (bool, ExitReason) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		done, reason := c.Step()
		if done {
			return true, reason
		}
		clk.Advance(perStep)
	}
	return false, 0
}

func TestInfoOnlySuccess(t *testing.T) {
	clk := clockutil.NewFake()
	port := serialport.NewFake()
	cfg := Config{Firmware: nil, InfoOnly: true, InitBaud: 921600, MainBaud: 921600}
	c := NewWithClock(cfg, port, nil, clk)

	// First step sends INFO; feed the reply before the next step.
	done, _ := c.Step()
	require.False(t, done)

	wire, err := frame.Build(sfu.CodeInfo, deviceInfoBody(0x08008000, 0x08008100, 0x800, 0x0100, 64))
	require.NoError(t, err)
	copy(wire, frame.SignatureRX[:]) // device-to-host frame
	port.Feed(wire)

	done, reason := runUntilTerminal(t, c, clk, 10, 5*time.Millisecond)
	require.True(t, done)
	assert.Equal(t, ExitSuccess, reason)

	info, ok := c.DeviceInfo()
	require.True(t, ok)
	assert.Equal(t, uint32(0x08008000), info.MainStartFrom)

	assert.Contains(t, string(port.Written), string(frame.SignatureTX[:]))
}

func TestFullFlashNoSpeed(t *testing.T) {
	clk := clockutil.NewFake()
	port := serialport.NewFake()

	firmware := make([]byte, 16*1024)
	for i := range firmware {
		firmware[i] = 0xFF
	}
	cfg := Config{Firmware: firmware, InitBaud: 921600, MainBaud: 921600}
	c := NewWithClock(cfg, port, nil, clk)

	mainStart := uint32(0x08008000)
	receiveSize := uint32(0x1000)

	c.Step() // sends INFO
	port.Feed(mustBuild(t, sfu.CodeInfo, deviceInfoBody(mainStart, mainStart, receiveSize, 0x0100, 64)))

	writesSeen := 0
	lastAddrSent := mainStart

	for i := 0; i < 2000; i++ {
		done, reason := c.Step()
		if done {
			require.Equal(t, ExitSuccess, reason)
			// 16 KiB / 0x800 = 8 WRITE frames.
			assert.Equal(t, 8, writesSeen)
			return
		}

		// Detect newly-written WRITE frames and auto-ack them with the
		// address just past the frame's payload, simulating a well-behaved
		// device.
		for len(port.Written) >= 4+12 {
			consumed := consumeOneFrame(port)
			if consumed == nil {
				break
			}
			switch consumed.code {
			case sfu.CodeErase:
				port.Feed(mustBuild(t, sfu.CodeErase, le32Test(0)))
			case sfu.CodeWrite:
				writesSeen++
				addr := binary.LittleEndian.Uint32(consumed.body[0:4])
				written := uint32(len(consumed.body) - 4)
				lastAddrSent = addr + written
				ack := make([]byte, 8)
				binary.LittleEndian.PutUint32(ack[0:4], lastAddrSent)
				binary.LittleEndian.PutUint32(ack[4:8], 0)
				port.Feed(mustBuild(t, sfu.CodeWrite, ack))
			case sfu.CodeStart:
				crc := crc32x.SFU(firmware)
				body := make([]byte, 12)
				binary.LittleEndian.PutUint32(body[0:4], mainStart)
				binary.LittleEndian.PutUint32(body[4:8], uint32(len(firmware)))
				binary.LittleEndian.PutUint32(body[8:12], crc)
				port.Feed(mustBuild(t, sfu.CodeStart, body))
			}
		}

		clk.Advance(5 * time.Millisecond)
	}
	t.Fatal("session did not reach terminal state within step budget")
}

func TestWrErrorTerminatesSession(t *testing.T) {
	clk := clockutil.NewFake()
	port := serialport.NewFake()
	cfg := Config{Firmware: []byte{0xFF, 0xFF, 0xFF, 0xFF}, InitBaud: 921600, MainBaud: 921600}
	c := NewWithClock(cfg, port, nil, clk)

	c.Step()
	port.Feed(mustBuild(t, sfu.CodeInfo, deviceInfoBody(0x08008000, 0x08008000, 0x1000, 0x0100, 64)))

	done, _ := runUntilTerminal(t, c, clk, 10, 5*time.Millisecond)
	require.False(t, done)

	port.Feed(mustBuild(t, sfu.CodeWrError, nil))
	done, reason := runUntilTerminal(t, c, clk, 10, 5*time.Millisecond)
	require.True(t, done)
	assert.Equal(t, ExitDeviceWriteError, reason)
}

func TestHostWallClockTimeout(t *testing.T) {
	clk := clockutil.NewFake()
	port := serialport.NewFake() // never replies
	cfg := Config{Firmware: []byte{0xFF, 0xFF, 0xFF, 0xFF}, InitBaud: 921600, MainBaud: 921600}
	c := NewWithClock(cfg, port, nil, clk)

	var reason ExitReason
	var done bool
	for i := 0; i < 2000; i++ {
		done, reason = c.Step()
		if done {
			break
		}
		clk.Advance(200 * time.Millisecond)
	}
	require.True(t, done)
	assert.Equal(t, ExitHostTimeoutError, reason)
}

func TestEraseOnlyWallClockTimeoutWithoutDeviceInfo(t *testing.T) {
	clk := clockutil.NewFake()
	port := serialport.NewFake() // never replies, so INFO never decodes
	cfg := Config{EraseOnly: true, InitBaud: 921600, MainBaud: 921600}
	c := NewWithClock(cfg, port, nil, clk)

	done, reason := runUntilTerminal(t, c, clk, 2000, 200*time.Millisecond)
	require.True(t, done)
	assert.Equal(t, ExitEraseError, reason)
}

func TestEraseNeverCompletesWallClockTimeout(t *testing.T) {
	clk := clockutil.NewFake()
	port := serialport.NewFake() // replies to INFO, never to ERASE
	cfg := Config{Firmware: []byte{0xFF, 0xFF, 0xFF, 0xFF}, InitBaud: 921600, MainBaud: 921600}
	c := NewWithClock(cfg, port, nil, clk)

	done, _ := c.Step()
	require.False(t, done)
	wire, err := frame.Build(sfu.CodeInfo, deviceInfoBody(0x08008000, 0x08008100, 0x800, 0x0100, 64))
	require.NoError(t, err)
	copy(wire, frame.SignatureRX[:]) // device-to-host frame
	port.Feed(wire)

	done, reason := runUntilTerminal(t, c, clk, 2000, 200*time.Millisecond)
	require.True(t, done)
	assert.Equal(t, ExitEraseError, reason)
}

func TestDuplicateWriteAckTriggersResendBackoff(t *testing.T) {
	clk := clockutil.NewFake()
	port := serialport.NewFake()

	firmware := make([]byte, 3*0x800)
	for i := range firmware {
		firmware[i] = 0xFF
	}
	cfg := Config{Firmware: firmware, InitBaud: 921600, MainBaud: 921600}
	c := NewWithClock(cfg, port, nil, clk)

	mainStart := uint32(0x08008000)
	c.Step()
	port.Feed(mustBuild(t, sfu.CodeInfo, deviceInfoBody(mainStart, mainStart, 0x4000, 0x0100, 64)))
	c.Step()
	port.Feed(mustBuild(t, sfu.CodeErase, le32Test(0)))

	var secondAddr uint32
	writeAcks := 0

	for i := 0; i < 500; i++ {
		c.Step()
		for {
			consumed := consumeOneFrame(port)
			if consumed == nil {
				break
			}
			if consumed.code != sfu.CodeWrite {
				continue
			}
			addr := binary.LittleEndian.Uint32(consumed.body[0:4])
			written := uint32(len(consumed.body) - 4)
			ackAddr := addr + written

			writeAcks++
			if writeAcks == 3 {
				// Re-ack the second write's address, simulating lost bytes.
				ackAddr = secondAddr
			}
			if writeAcks == 2 {
				secondAddr = ackAddr
			}

			ack := make([]byte, 8)
			binary.LittleEndian.PutUint32(ack[0:4], ackAddr)
			port.Feed(mustBuild(t, sfu.CodeWrite, ack))

			if writeAcks >= 4 {
				assert.Equal(t, 1, c.ResendErrors())
				return
			}
		}
		clk.Advance(5 * time.Millisecond)
	}
	t.Fatal("expected at least one resend error")
}

type consumedFrame struct {
	code byte
	body []byte
}

// consumeOneFrame decodes the frame at the front of a fake port's written
// buffer using a scratch parser, or returns nil if no complete frame is
// present yet. Host frames carry SignatureTX while the parser scans for
// SignatureRX, so the leading signature is swapped on a copy first.
func consumeOneFrame(port *serialport.Fake) *consumedFrame {
	buf := append([]byte(nil), port.Written...)
	if len(buf) >= len(frame.SignatureRX) {
		copy(buf, frame.SignatureRX[:])
	}
	p := frame.NewParser()
	p.ReceiveData(buf)
	for _, code := range []byte{sfu.CodeInfo, sfu.CodeErase, sfu.CodeWrite, sfu.CodeStart, sfu.CodeSpeed} {
		if body, ok := p.PopFrame(code); ok {
			// Remove the consumed bytes conservatively by clearing the whole
			// buffer — callers in these tests only care about ordering
			// within a single in-flight frame at a time.
			port.Written = nil
			return &consumedFrame{code: code, body: body}
		}
	}
	return nil
}

// mustBuild builds a device-to-host frame (carrying SignatureRX) for the
// simulated device to feed back to the controller.
func mustBuild(t *testing.T, code byte, body []byte) []byte {
	t.Helper()
	wire, err := frame.Build(code, body)
	require.NoError(t, err)
	copy(wire, frame.SignatureRX[:])
	return wire
}

func le32Test(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
