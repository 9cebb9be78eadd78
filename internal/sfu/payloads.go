package sfu

import "encoding/binary"

// DeviceInfo is the INFO command's reply payload.
type DeviceInfo struct {
	DeviceID          [12]byte
	CPUType           uint32
	FlashSizeCorrect  uint32 // bytes, already multiplied by 1024 from the wire's kibibyte field
	SFUVersion        uint16
	ReceiveSize       uint32
	MainStartFrom     uint32
	MainRunFrom       uint32
	FirmwareEndAt     uint32
}

// DecodeDeviceInfo parses an INFO reply body. firmwareLen is the padded
// firmware image length, used to compute FirmwareEndAt.
func DecodeDeviceInfo(body []byte, firmwareLen uint32) (DeviceInfo, bool) {
	if len(body) < 32 {
		return DeviceInfo{}, false
	}

	var info DeviceInfo
	copy(info.DeviceID[:], body[0:12])
	info.CPUType = binary.LittleEndian.Uint32(body[12:16])
	flashKiB := binary.LittleEndian.Uint16(body[16:18])
	info.FlashSizeCorrect = uint32(flashKiB) * 1024
	info.SFUVersion = binary.LittleEndian.Uint16(body[18:20])
	info.ReceiveSize = binary.LittleEndian.Uint32(body[20:24])
	info.MainStartFrom = binary.LittleEndian.Uint32(body[24:28])
	info.MainRunFrom = binary.LittleEndian.Uint32(body[28:32])
	info.FirmwareEndAt = info.MainStartFrom + firmwareLen

	return info, true
}

// SupportsSpeed reports whether this device's firmware version supports the
// SPEED command (versions below 0x0200 do not).
func (d DeviceInfo) SupportsSpeed() bool {
	return d.SFUVersion >= 0x0200
}

// WriteAck is the WRITE command's reply payload.
type WriteAck struct {
	McuWriteAddr   uint32 // next address the device expects to receive
	McuReceiveCount uint32 // bytes currently buffered on the device
}

// DecodeWriteAck parses a WRITE reply body.
func DecodeWriteAck(body []byte) (WriteAck, bool) {
	if len(body) < 8 {
		return WriteAck{}, false
	}
	return WriteAck{
		McuWriteAddr:    binary.LittleEndian.Uint32(body[0:4]),
		McuReceiveCount: binary.LittleEndian.Uint32(body[4:8]),
	}, true
}

// StartAck is the START command's reply payload.
type StartAck struct {
	McuFrom  uint32
	McuCount uint32
	McuCRC32 uint32 // device-computed CRC32-SFU over the received image
}

// DecodeStartAck parses a START reply body.
func DecodeStartAck(body []byte) (StartAck, bool) {
	if len(body) < 12 {
		return StartAck{}, false
	}
	return StartAck{
		McuFrom:  binary.LittleEndian.Uint32(body[0:4]),
		McuCount: binary.LittleEndian.Uint32(body[4:8]),
		McuCRC32: binary.LittleEndian.Uint32(body[8:12]),
	}, true
}

// SpeedInfo is the SPEED command's reply payload: either a GET reply
// (current baud only) or a CHANGE reply (old and new baud).
type SpeedInfo struct {
	IsChange bool
	Baud     uint32 // current baud for a GET reply
	OldBaud  uint32 // CHANGE reply only
	NewBaud  uint32 // CHANGE reply only
}

// DecodeSpeedInfo parses a SPEED reply body. A 4-byte body is a GET reply; an
// 8-byte body is a CHANGE reply; any other length is a protocol error.
func DecodeSpeedInfo(body []byte) (SpeedInfo, bool) {
	switch len(body) {
	case 4:
		return SpeedInfo{Baud: binary.LittleEndian.Uint32(body[0:4])}, true
	case 8:
		return SpeedInfo{
			IsChange: true,
			OldBaud:  binary.LittleEndian.Uint32(body[0:4]),
			NewBaud:  binary.LittleEndian.Uint32(body[4:8]),
		}, true
	default:
		return SpeedInfo{}, false
	}
}

// EraseAck is the ERASE_PART command's reply payload.
type EraseAck struct {
	PartitionIndex int32
}

// DecodeEraseAck parses an ERASE_PART reply body.
func DecodeEraseAck(body []byte) (EraseAck, bool) {
	if len(body) < 4 {
		return EraseAck{}, false
	}
	return EraseAck{PartitionIndex: int32(binary.LittleEndian.Uint32(body[0:4]))}, true
}
