// Package uploader implements the event-driven controller that sequences an
// SFU bootloader session: INFO, an optional SPEED handoff, ERASE, a
// pipelined WRITE stream, and START, reconciling device backpressure and
// stale acknowledgements along the way.
package uploader

import (
	"encoding/binary"
	"time"

	"github.com/Mirn/sfu-cli-uploader/internal/clockutil"
	"github.com/Mirn/sfu-cli-uploader/internal/crc32x"
	"github.com/Mirn/sfu-cli-uploader/internal/frame"
	"github.com/Mirn/sfu-cli-uploader/internal/serialport"
	"github.com/Mirn/sfu-cli-uploader/internal/sfu"
	"github.com/Mirn/sfu-cli-uploader/internal/uploadevents"
)

const (
	writeBlockSize        = 0x800
	burstLimit            = 0x8000
	retryInfo             = 1000 * time.Millisecond
	retrySpeedGet         = 300 * time.Millisecond
	maxSpeedGetAttempts   = 4
	retrySpeedSet         = 1000 * time.Millisecond
	retryErase            = 1000 * time.Millisecond
	retryStart            = 1000 * time.Millisecond
	sessionWallClock      = 2 * time.Minute
	hwresetRescheduleWait = 100 * time.Millisecond
	startGracePeriod      = 500 * time.Millisecond
	resendBackoffStart    = 250 * time.Millisecond
	resendBackoffStep     = 250 * time.Millisecond
	writeRecheckDelay     = 10 * time.Millisecond
	speedSettleDelay      = 1 * time.Millisecond
)

type phase int

const (
	phaseAwaitInfo phase = iota
	phaseAwaitSpeedGet
	phaseAwaitSpeedSet
	phaseAwaitSpeedConfirm
	phaseErasePending
	phaseWriting
	phaseAwaitStart
	phaseStartGrace
	phaseDone
)

func (p phase) asEvent() uploadevents.Phase {
	switch p {
	case phaseAwaitInfo:
		return uploadevents.PhaseAwaitInfo
	case phaseAwaitSpeedGet:
		return uploadevents.PhaseAwaitSpeedGet
	case phaseAwaitSpeedSet:
		return uploadevents.PhaseAwaitSpeedSet
	case phaseAwaitSpeedConfirm:
		return uploadevents.PhaseAwaitSpeedConfirm
	case phaseErasePending, phaseWriting:
		if p == phaseWriting {
			return uploadevents.PhaseWriting
		}
		return uploadevents.PhaseErasePending
	case phaseAwaitStart, phaseStartGrace:
		return uploadevents.PhaseAwaitStart
	default:
		return uploadevents.PhaseDone
	}
}

// Config carries the session parameters the CLI layer has already resolved:
// the padded firmware image, operating mode flags, and target baud rates.
type Config struct {
	Firmware   []byte // already padded to a 4-byte multiple with 0xFF
	InfoOnly   bool
	EraseOnly  bool
	NoPrewrite bool
	InitBaud   int
	MainBaud   int // requested baud for the SPEED handoff; == InitBaud skips SPEED
}

// Controller runs one upload session end to end.
type Controller struct {
	cfg    Config
	port   serialport.Port
	parser *frame.Parser
	clock  clockutil.Clock
	events *uploadevents.Hub

	firmwareCRC uint32

	state phase

	sessionDeadline time.Time
	phaseTimer      time.Time
	speedGetTries   int

	haveDeviceInfo bool
	deviceInfo     sfu.DeviceInfo

	eraseBegan bool
	eraseDone  bool
	speedDone  bool
	writeDone  bool

	writeCursor  uint32
	addressBase  uint32
	haveLastAddr bool
	lastMcuAddr  uint32

	inFlightBytes   int
	inFlightLimit   int
	actualFrameSize int
	haveFrameSize   bool
	burstBytes      int

	resendTimeout   time.Duration
	resendUntil     time.Time
	resendPending   bool
	resendErrors    int

	writeRecheckAt time.Time

	terminal    ExitReason
	isTerminal  bool
	startGraceAt time.Time

	readBuf [4096]byte
}

// New constructs a Controller ready to Run.
func New(cfg Config, port serialport.Port, events *uploadevents.Hub) *Controller {
	return NewWithClock(cfg, port, events, clockutil.Real{})
}

// NewWithClock constructs a Controller driven by an injected clock, letting
// tests drive the session deterministically.
func NewWithClock(cfg Config, port serialport.Port, events *uploadevents.Hub, clock clockutil.Clock) *Controller {
	if events == nil {
		events = uploadevents.NewHub()
	}
	return &Controller{
		cfg:         cfg,
		port:        port,
		parser:      frame.NewParserWithClock(clock),
		clock:       clock,
		events:      events,
		firmwareCRC: firmwareCRC(cfg.Firmware),
		state:       phaseAwaitInfo,
	}
}

func firmwareCRC(fw []byte) uint32 {
	if len(fw) == 0 {
		return 0
	}
	return crc32x.SFU(fw)
}

// Stats exposes the parser's statistics counters for end-of-run reporting.
func (c *Controller) Stats() frame.Stats { return c.parser.Stats }

// ResendErrors returns how many duplicate-WRITE-ack recoveries occurred.
func (c *Controller) ResendErrors() int { return c.resendErrors }

// HasPendingLogLine reports whether a device log line was left unterminated
// when the session ended.
func (c *Controller) HasPendingLogLine() bool { return c.parser.HasPendingLogLine() }

// PhaseIncomplete reports whether erase, write, or start did not reach
// completion — used for the "NOT FINISHED" warning even on nominal success
// (e.g. info-only/erase-only runs intentionally skip later phases).
func (c *Controller) PhaseIncomplete() bool {
	if c.cfg.InfoOnly {
		return false
	}
	if c.cfg.EraseOnly {
		return !c.eraseDone
	}
	return !(c.eraseDone && c.writeDone && c.terminal == ExitSuccess)
}

// DeviceInfo returns the decoded INFO reply, if one has been received.
func (c *Controller) DeviceInfo() (sfu.DeviceInfo, bool) { return c.deviceInfo, c.haveDeviceInfo }

// Run drives the session to completion, blocking until a terminal state is
// reached, and returns the terminal reason.
func (c *Controller) Run() ExitReason {
	now := c.clock.Now()
	c.sessionDeadline = now.Add(sessionWallClock)
	c.phaseTimer = now

	for {
		if done, reason := c.Step(); done {
			return reason
		}
	}
}

// Step runs a single loop iteration: emits due requests, performs one
// non-blocking read, drains the parser's queues, and advances phase state.
// It returns (true, reason) once a terminal state is reached.
func (c *Controller) Step() (bool, ExitReason) {
	if c.isTerminal {
		return true, c.terminal
	}

	now := c.clock.Now()
	if c.sessionDeadline.IsZero() {
		c.sessionDeadline = now.Add(sessionWallClock)
	}
	if now.After(c.sessionDeadline) {
		return c.finish(c.wallClockTimeoutReason())
	}

	c.emitDueRequests(now)

	n, _ := c.port.Read(c.readBuf[:])
	if n > 0 {
		c.parser.ReceiveData(c.readBuf[:n])
	} else {
		c.parser.Tick()
	}

	for {
		line, ok := c.parser.PopLogLine()
		if !ok {
			break
		}
		c.events.Broadcast(uploadevents.Event{Kind: uploadevents.KindLogLine, Payload: line})
	}

	if done, reason := c.drainAsyncEvents(); done {
		return c.finish(reason)
	}

	if done, reason := c.advance(now); done {
		return c.finish(reason)
	}
	return false, ExitSuccess
}

// wallClockTimeoutReason classifies a session-deadline expiry per spec's
// erase-error category: no device info ever arrived for an erase-only run,
// or erase itself never completed, both count as ExitEraseError rather than
// the generic host timeout.
func (c *Controller) wallClockTimeoutReason() ExitReason {
	if c.cfg.EraseOnly && !c.haveDeviceInfo {
		return ExitEraseError
	}
	if c.state == phaseErasePending {
		return ExitEraseError
	}
	return ExitHostTimeoutError
}

func (c *Controller) finish(reason ExitReason) (bool, ExitReason) {
	c.terminal = reason
	c.isTerminal = true
	c.events.Broadcast(uploadevents.Event{Kind: uploadevents.KindDone, Payload: reason})
	return true, reason
}

func (c *Controller) setPhase(p phase) {
	if c.state == p {
		return
	}
	c.state = p
	c.events.Broadcast(uploadevents.Event{Kind: uploadevents.KindPhase, Phase: p.asEvent()})
}

// drainAsyncEvents handles HWRESET/WRERROR/TIMEOUT frames, which may arrive
// at any point in the session independent of the current phase.
func (c *Controller) drainAsyncEvents() (bool, ExitReason) {
	if _, ok := c.parser.PopFrame(sfu.CodeWrError); ok {
		return true, ExitDeviceWriteError
	}
	if _, ok := c.parser.PopFrame(sfu.CodeTimeout); ok {
		return true, ExitDeviceTimeoutError
	}
	if _, ok := c.parser.PopFrame(sfu.CodeHwReset); ok {
		c.haveDeviceInfo = false
		c.setPhase(phaseAwaitInfo)
		c.phaseTimer = c.clock.Now().Add(hwresetRescheduleWait)
	}
	return false, ExitSuccess
}

func (c *Controller) send(code byte, body []byte) {
	wire, err := frame.Build(code, body)
	if err != nil {
		return
	}
	_ = c.port.WriteAll(wire, c.clock.Now().Add(500*time.Millisecond))
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
