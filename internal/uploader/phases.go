package uploader

import (
	"time"

	"github.com/Mirn/sfu-cli-uploader/internal/frame"
	"github.com/Mirn/sfu-cli-uploader/internal/sfu"
	"github.com/Mirn/sfu-cli-uploader/internal/uploadevents"
)

// emitDueRequests re-sends the current phase's request if its retry timer
// has elapsed, per the fixed per-phase retry periods.
func (c *Controller) emitDueRequests(now time.Time) {
	switch c.state {
	case phaseAwaitInfo:
		if now.After(c.phaseTimer) {
			c.send(sfu.CodeInfo, nil)
			c.phaseTimer = now.Add(retryInfo)
		}

	case phaseAwaitSpeedGet:
		if now.After(c.phaseTimer) {
			if c.speedGetTries >= maxSpeedGetAttempts {
				c.speedDone = true
				c.setPhase(phaseErasePending)
				c.phaseTimer = now
				return
			}
			c.send(sfu.CodeSpeed, nil)
			c.speedGetTries++
			c.phaseTimer = now.Add(retrySpeedGet)
		}

	case phaseAwaitSpeedSet:
		if now.After(c.phaseTimer) {
			c.send(sfu.CodeSpeed, le32(uint32(c.cfg.MainBaud)))
			c.phaseTimer = now.Add(retrySpeedSet)
		}

	case phaseAwaitSpeedConfirm:
		if now.After(c.phaseTimer) {
			c.send(sfu.CodeSpeed, nil)
			c.phaseTimer = now.Add(retrySpeedGet)
		}

	case phaseErasePending:
		if now.After(c.phaseTimer) {
			c.send(sfu.CodeErase, le32(c.eraseLength()))
			c.phaseTimer = now.Add(retryErase)
		}

	case phaseWriting:
		c.maybeEmitWrite(now)

	case phaseAwaitStart:
		if now.After(c.phaseTimer) {
			c.send(sfu.CodeStart, le32(c.firmwareCRC))
			c.phaseTimer = now.Add(retryStart)
		}
	}
}

func (c *Controller) eraseLength() uint32 {
	if c.cfg.EraseOnly && c.haveDeviceInfo {
		return c.deviceInfo.FlashSizeCorrect
	}
	return uint32(len(c.cfg.Firmware))
}

// advance drains whichever inbox the current phase cares about and decides
// whether to move to the next phase or terminate.
func (c *Controller) advance(now time.Time) (bool, ExitReason) {
	switch c.state {
	case phaseAwaitInfo:
		return c.advanceAwaitInfo()

	case phaseAwaitSpeedGet:
		return c.advanceSpeedGet(now)

	case phaseAwaitSpeedSet:
		return c.advanceSpeedSet(now)

	case phaseAwaitSpeedConfirm:
		return c.advanceSpeedConfirm(now)

	case phaseErasePending:
		return c.advanceErase()

	case phaseWriting:
		return c.advanceWriting(now)

	case phaseAwaitStart:
		return c.advanceStart(now)

	case phaseStartGrace:
		if now.After(c.startGraceAt) {
			return true, ExitSuccess
		}
	}
	return false, ExitSuccess
}

func (c *Controller) advanceAwaitInfo() (bool, ExitReason) {
	body, ok := c.parser.PopFrame(sfu.CodeInfo)
	if !ok {
		return false, ExitSuccess
	}
	info, ok := sfu.DecodeDeviceInfo(body, uint32(len(c.cfg.Firmware)))
	if !ok {
		return true, ExitInfoError
	}

	c.deviceInfo = info
	c.haveDeviceInfo = true
	c.writeCursor = info.MainStartFrom
	c.addressBase = info.MainStartFrom
	c.inFlightLimit = int(info.ReceiveSize)
	c.events.Broadcast(uploadevents.Event{Kind: uploadevents.KindDeviceInfo, Payload: info})

	if c.cfg.InfoOnly {
		return true, ExitSuccess
	}

	if !info.SupportsSpeed() || c.cfg.MainBaud == c.cfg.InitBaud {
		c.speedDone = true
		c.setPhase(phaseErasePending)
	} else {
		c.setPhase(phaseAwaitSpeedGet)
	}
	c.phaseTimer = c.clock.Now()
	return false, ExitSuccess
}

func (c *Controller) advanceSpeedGet(now time.Time) (bool, ExitReason) {
	body, ok := c.parser.PopFrame(sfu.CodeSpeed)
	if !ok {
		return false, ExitSuccess
	}
	info, ok := sfu.DecodeSpeedInfo(body)
	if !ok || info.IsChange {
		return true, ExitSpeedError
	}
	c.setPhase(phaseAwaitSpeedSet)
	c.phaseTimer = now
	return false, ExitSuccess
}

func (c *Controller) advanceSpeedSet(now time.Time) (bool, ExitReason) {
	body, ok := c.parser.PopFrame(sfu.CodeSpeed)
	if !ok {
		return false, ExitSuccess
	}
	info, ok := sfu.DecodeSpeedInfo(body)
	if !ok || !info.IsChange {
		return true, ExitSpeedError
	}

	_ = c.port.Flush()
	if err := c.port.SetBaud(c.cfg.MainBaud); err != nil {
		return true, ExitSpeedError
	}
	_ = c.clockSleep(speedSettleDelay)
	_ = c.port.Flush()

	c.speedGetTries = 0
	c.setPhase(phaseAwaitSpeedConfirm)
	c.phaseTimer = now.Add(retrySpeedGet)
	return false, ExitSuccess
}

func (c *Controller) advanceSpeedConfirm(now time.Time) (bool, ExitReason) {
	body, ok := c.parser.PopFrame(sfu.CodeSpeed)
	if !ok {
		return false, ExitSuccess
	}
	info, ok := sfu.DecodeSpeedInfo(body)
	if !ok || info.IsChange {
		return true, ExitSpeedError
	}
	if info.Baud != uint32(c.cfg.MainBaud) {
		return false, ExitSuccess
	}
	c.speedDone = true
	c.setPhase(phaseErasePending)
	c.phaseTimer = now
	return false, ExitSuccess
}

func (c *Controller) advanceErase() (bool, ExitReason) {
	if _, ok := c.parser.PopFrame(sfu.CodeErasePart); ok {
		c.eraseBegan = true
		c.burstBytes = 0
	}
	// Prewrite: once the device reports erase progress, WRITE frames are
	// pipelined and their acks handled while the ERASE reply is outstanding.
	if c.eraseBegan && !c.cfg.NoPrewrite {
		now := c.clock.Now()
		if done, reason := c.advanceWriting(now); done {
			return done, reason
		}
		c.maybeEmitWrite(now)
	}
	if _, ok := c.parser.PopFrame(sfu.CodeErase); ok {
		c.eraseBegan = true
		c.eraseDone = true
		if c.cfg.EraseOnly {
			return true, ExitSuccess
		}
		if !c.writeDone {
			c.setPhase(phaseWriting)
		} else {
			c.startWriteDone(c.clock.Now())
		}
	}
	return false, ExitSuccess
}

func (c *Controller) advanceWriting(now time.Time) (bool, ExitReason) {
	body, ok := c.parser.PopFrame(sfu.CodeWrite)
	if !ok {
		return false, ExitSuccess
	}
	ack, ok := sfu.DecodeWriteAck(body)
	if !ok {
		return true, ExitParseWriteError
	}

	if c.haveFrameSize {
		c.inFlightBytes -= c.actualFrameSize
		if c.inFlightBytes < 0 {
			c.inFlightBytes = 0
		}
	}
	c.burstBytes = 0

	addr := ack.McuWriteAddr
	if c.haveLastAddr && addr == c.lastMcuAddr {
		c.writeCursor = addr
		if c.resendTimeout == 0 {
			c.resendTimeout = resendBackoffStart
		}
		c.resendUntil = now.Add(c.resendTimeout)
		c.resendPending = true
		c.resendTimeout += resendBackoffStep
		c.resendErrors++
	} else {
		c.lastMcuAddr = addr
		c.haveLastAddr = true
	}

	if c.haveDeviceInfo && addr == c.deviceInfo.FirmwareEndAt {
		c.writeDone = true
		if c.eraseDone {
			c.startWriteDone(now)
		}
	}
	return false, ExitSuccess
}

func (c *Controller) startWriteDone(now time.Time) {
	c.setPhase(phaseAwaitStart)
	c.phaseTimer = now
}

func (c *Controller) maybeEmitWrite(now time.Time) {
	if c.resendPending {
		if now.Before(c.resendUntil) {
			return
		}
		c.resendPending = false
	}
	if now.Before(c.writeRecheckAt) {
		return
	}

	gate := c.eraseBegan
	if c.cfg.NoPrewrite {
		gate = c.eraseDone
	}
	if !gate || c.writeDone {
		return
	}

	// Before the first WRITE is ever sent, actual_frame_size is unlatched
	// (zero) so the very first frame is never gated on its own size.
	frameSize := c.actualFrameSize

	if c.inFlightBytes+2*frameSize > c.inFlightLimit {
		c.writeRecheckAt = now.Add(writeRecheckDelay)
		return
	}
	if c.burstBytes+2*frameSize > burstLimit {
		c.writeRecheckAt = now.Add(writeRecheckDelay)
		return
	}

	offset := c.writeCursor - c.addressBase
	end := offset + writeBlockSize
	fwLen := uint32(len(c.cfg.Firmware))
	if end > fwLen {
		end = fwLen
	}
	if offset >= end {
		return
	}
	payload := c.cfg.Firmware[offset:end]

	body := make([]byte, 0, 4+len(payload))
	body = append(body, le32(c.writeCursor)...)
	body = append(body, payload...)

	wire, err := frame.Build(sfu.CodeWrite, body)
	if err != nil {
		return
	}
	_ = c.port.WriteAll(wire, now.Add(500*time.Millisecond))

	// actual_frame_size tracks the firmware payload committed per WRITE
	// (not the on-wire frame size): this is what bounds the device's
	// receive buffer occupancy, the quantity in_flight_limit describes.
	if !c.haveFrameSize {
		c.actualFrameSize = len(payload)
		c.haveFrameSize = true
	}
	c.inFlightBytes += len(payload)
	c.burstBytes += len(payload)
	c.writeCursor += uint32(len(payload))
}

func (c *Controller) advanceStart(now time.Time) (bool, ExitReason) {
	body, ok := c.parser.PopFrame(sfu.CodeStart)
	if !ok {
		return false, ExitSuccess
	}
	ack, ok := sfu.DecodeStartAck(body)
	if !ok {
		return true, ExitParseWriteError
	}
	c.events.Broadcast(uploadevents.Event{Kind: uploadevents.KindStartAck, Payload: ack})

	c.setPhase(phaseStartGrace)
	c.startGraceAt = now.Add(startGracePeriod)
	return false, ExitSuccess
}

// clockSleep is a no-op hook in tests (the fake clock does not auto-advance);
// kept as a named step so the 1 ms settle delay the SPEED handoff performs
// is visible in the code even though it cannot block a fake clock.
func (c *Controller) clockSleep(d time.Duration) error {
	if _, ok := c.clock.(interface{ Advance(time.Duration) }); ok {
		return nil
	}
	time.Sleep(d)
	return nil
}
