// Package sfu defines the SFU bootloader's command codes and the
// little-endian payload structures carried in frame bodies.
package sfu

// Command codes, sent as the frame's code byte (spec §3).
const (
	CodeInfo      byte = 0x97
	CodeErase     byte = 0xC5
	CodeErasePart byte = 0xB3
	CodeWrite     byte = 0x38
	CodeStart     byte = 0x26
	CodeSpeed     byte = 0x4B
	CodeTimeout   byte = 0xAA
	CodeWrError   byte = 0x55
	CodeHwReset   byte = 0x11
)
