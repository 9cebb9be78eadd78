package frame

import (
	"time"

	"github.com/Mirn/sfu-cli-uploader/internal/clockutil"
	"github.com/Mirn/sfu-cli-uploader/internal/crc32x"
)

// logInactivityTimeout is how long a non-empty in-progress log line can sit
// idle before tick() flushes it.
const logInactivityTimeout = 250 * time.Millisecond

// logInitialGrace is the inactivity deadline the parser starts with, before
// any log byte has ever been seen.
const logInitialGrace = 500 * time.Millisecond

// maxLogLineLen is the auto-flush length cap for a single log line.
const maxLogLineLen = 256

// Stats holds the parser's monotonic counters (spec §3 "Parser statistics").
type Stats struct {
	ValidFrames       uint64
	CRCErrorFrames    uint64
	SizeOrCodeErrors  uint64
	OtherErrorFrames  uint64
	IncompleteBytes   uint64
	LogBytes          uint64
	LogLines          uint64
}

type parseState int

const (
	stateIdle parseState = iota
	stateWaitSignature
	stateHeaderCode
	stateHeaderCodeInv
	stateHeaderLenLo
	stateHeaderLenHi
	stateBody
	stateCRC
	stateSkip
)

// Parser is the byte-at-a-time frame/log stream decoder described in
// spec §4.3. It is not safe for concurrent use — the controller drives it
// from a single goroutine, per spec §5.
type Parser struct {
	clock clockutil.Clock

	state parseState

	// WaitSignature / Skip bookkeeping.
	matched        int
	skipRemaining  int

	currentCode  byte
	expectedSize int
	bodyBuf      []byte
	crcBuf       [4]byte
	crcPos       int

	remainingInPacket int

	inbox [256][][]byte

	logs            []string
	currentLogLine  []byte
	logDeadline     time.Time

	Stats Stats
}

// NewParser constructs a Parser using the real system clock.
func NewParser() *Parser {
	return NewParserWithClock(clockutil.Real{})
}

// NewParserWithClock constructs a Parser driven by the given clock,
// letting tests control the log-line inactivity timeout deterministically.
func NewParserWithClock(clock clockutil.Clock) *Parser {
	p := &Parser{clock: clock}
	p.logDeadline = clock.Now().Add(logInitialGrace)
	return p
}

// ReceiveData feeds a block of bytes read from the serial port, in exact
// stream order, then runs the inactivity tick.
func (p *Parser) ReceiveData(data []byte) {
	for _, b := range data {
		p.receiveByte(b)
	}
	p.Tick()
}

// Tick flushes the in-progress log line if it has been idle past its
// deadline. The controller calls this at least once per receive batch
// (ReceiveData already does so); exposed separately so a caller can also
// tick during an idle read with zero bytes.
func (p *Parser) Tick() {
	if len(p.currentLogLine) > 0 && p.clock.Now().After(p.logDeadline) {
		p.flushLogLine()
	}
}

// PopFrame returns the oldest pending body for the given command code, in
// FIFO arrival order, or false if none are pending.
func (p *Parser) PopFrame(code byte) ([]byte, bool) {
	q := p.inbox[code]
	if len(q) == 0 {
		return nil, false
	}
	body := q[0]
	p.inbox[code] = q[1:]
	return body, true
}

// PopLogLine returns the oldest completed log line, or false if none are
// pending.
func (p *Parser) PopLogLine() (string, bool) {
	if len(p.logs) == 0 {
		return "", false
	}
	line := p.logs[0]
	p.logs = p.logs[1:]
	return line, true
}

// HasPendingLogLine reports whether a log line is mid-assembly (used by the
// caller to print the "log line in progress" warning on termination, per
// spec §7).
func (p *Parser) HasPendingLogLine() bool {
	return len(p.currentLogLine) > 0
}

// Reset clears all parser state, statistics, and buffered data.
func (p *Parser) Reset() {
	p.state = stateIdle
	p.matched = 0
	p.skipRemaining = 0
	p.currentCode = 0
	p.expectedSize = 0
	p.bodyBuf = nil
	p.crcPos = 0
	p.remainingInPacket = 0
	p.inbox = [256][][]byte{}
	p.logs = nil
	p.currentLogLine = nil
	p.Stats = Stats{}
}

func (p *Parser) receiveByte(x byte) {
	switch p.state {
	case stateIdle:
		if x == SignatureRX[0] {
			p.matched = 1
			p.state = stateWaitSignature
		} else {
			p.handleLogByte(x)
		}

	case stateWaitSignature:
		if p.matched < 4 && x == SignatureRX[p.matched] {
			p.matched++
			if p.matched == 4 {
				p.startFrameAfterSignature()
			}
		} else {
			for i := 0; i < p.matched; i++ {
				p.handleLogByte(SignatureRX[i])
			}
			if x == SignatureRX[0] {
				p.matched = 1
				p.state = stateWaitSignature
			} else {
				p.state = stateIdle
				p.handleLogByte(x)
			}
		}

	case stateHeaderCode:
		p.currentCode = x
		p.state = stateHeaderCodeInv

	case stateHeaderCodeInv:
		if x != p.currentCode^0xFF {
			p.Stats.SizeOrCodeErrors++
			p.expectedSize = 0
			p.bodyBuf = nil
			p.crcPos = 0
			p.enterSkip(2) // the len_lo, len_hi that would have followed
		} else {
			p.state = stateHeaderLenLo
		}

	case stateHeaderLenLo:
		p.expectedSize = int(x)
		p.state = stateHeaderLenHi

	case stateHeaderLenHi:
		p.expectedSize |= int(x) << 8
		p.finishLengthHeader()

	case stateBody:
		if len(p.bodyBuf) < p.expectedSize {
			p.bodyBuf = append(p.bodyBuf, x)
			p.decrementRemaining()
		}
		if len(p.bodyBuf) == p.expectedSize {
			p.crcPos = 0
			p.state = stateCRC
		}

	case stateCRC:
		if p.crcPos < 4 {
			p.crcBuf[p.crcPos] = x
			p.crcPos++
			p.decrementRemaining()
		}
		if p.crcPos == 4 {
			p.finishFrame()
		}

	case stateSkip:
		if p.skipRemaining > 1 {
			p.skipRemaining--
		} else {
			p.state = stateIdle
		}
		// Skipped bytes are never logs.
	}
}

func (p *Parser) enterSkip(remaining int) {
	p.remainingInPacket = 0
	p.Stats.IncompleteBytes = 0
	if remaining > 0 {
		p.skipRemaining = remaining
		p.state = stateSkip
	} else {
		p.state = stateIdle
	}
}

func (p *Parser) decrementRemaining() {
	if p.remainingInPacket > 0 {
		p.remainingInPacket--
		p.Stats.IncompleteBytes = uint64(p.remainingInPacket)
	}
}

func (p *Parser) finishLengthHeader() {
	total := headerCRCSize + p.expectedSize
	if total == 0 || total > MaxFrameSize || total%4 != 0 {
		p.Stats.SizeOrCodeErrors++
		p.enterSkip(p.expectedSize + 4)
		return
	}

	p.bodyBuf = make([]byte, 0, p.expectedSize)
	p.crcPos = 0
	p.remainingInPacket = p.expectedSize + 4
	p.Stats.IncompleteBytes = uint64(p.remainingInPacket)

	if p.expectedSize > 0 {
		p.state = stateBody
	} else {
		p.state = stateCRC
	}
}

func (p *Parser) startFrameAfterSignature() {
	p.state = stateHeaderCode
	p.currentCode = 0
	p.expectedSize = 0
	p.bodyBuf = nil
	p.crcPos = 0
	p.remainingInPacket = 0
	p.Stats.IncompleteBytes = 0
}

func (p *Parser) finishFrame() {
	defer p.abortFrame()

	if len(p.bodyBuf) != p.expectedSize {
		p.Stats.OtherErrorFrames++
		return
	}

	crcInput := make([]byte, 0, 4+p.expectedSize)
	crcInput = append(crcInput, p.currentCode, p.currentCode^0xFF, byte(p.expectedSize), byte(p.expectedSize>>8))
	crcInput = append(crcInput, p.bodyBuf...)

	calc := crc32x.SFU(crcInput)
	recv := uint32(p.crcBuf[0]) | uint32(p.crcBuf[1])<<8 | uint32(p.crcBuf[2])<<16 | uint32(p.crcBuf[3])<<24

	if calc != recv {
		p.Stats.CRCErrorFrames++
		return
	}

	p.inbox[p.currentCode] = append(p.inbox[p.currentCode], p.bodyBuf)
	p.Stats.ValidFrames++
}

func (p *Parser) abortFrame() {
	p.state = stateIdle
	p.expectedSize = 0
	p.bodyBuf = nil
	p.crcPos = 0
	p.remainingInPacket = 0
	p.Stats.IncompleteBytes = 0
}

func (p *Parser) handleLogByte(b byte) {
	p.Stats.LogBytes++
	p.logDeadline = p.clock.Now().Add(logInactivityTimeout)

	switch {
	case b == '\n':
		p.flushLogLine()
	case b >= 32 && b <= 126:
		p.currentLogLine = append(p.currentLogLine, b)
		if len(p.currentLogLine) >= maxLogLineLen {
			p.flushLogLine()
		}
	case b == '\r':
		// ignored
	case b == '\t':
		count := 0
		for len(p.currentLogLine)%8 != 7 || count == 0 {
			p.currentLogLine = append(p.currentLogLine, ' ')
			count++
		}
	default:
		p.currentLogLine = append(p.currentLogLine, []byte(hexEscape(b))...)
	}
}

func (p *Parser) flushLogLine() {
	p.logs = append(p.logs, string(p.currentLogLine))
	p.currentLogLine = nil
	p.Stats.LogLines++
}

func hexEscape(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{'<', digits[b>>4], digits[b&0xF], '>'})
}
