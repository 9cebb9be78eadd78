// Package frame implements the SFU wire format: a binary frame codec
// interleaved with a free-form log text stream on the same byte channel.
//
// Frame layout: 4-byte signature, code, code^0xFF, 2-byte little-endian body
// length, body, 4-byte little-endian CRC32 (SFU variant) over
// [code, code^0xFF, len_lo, len_hi, body...]. Total frame size (12+body)
// must be a multiple of 4 and at most MaxFrameSize.
package frame

import (
	"fmt"

	"github.com/Mirn/sfu-cli-uploader/internal/crc32x"
)

// MaxFrameSize is the largest frame (header + body + CRC) the protocol
// allows on the wire.
const MaxFrameSize = 4096

// headerCRCSize is the number of bytes in a frame outside of the body:
// 4 (signature) + 1 (code) + 1 (code_inv) + 2 (length) + 4 (CRC).
const headerCRCSize = 4 + 2 + 2 + 4

// SignatureTX is the host-to-device signature, sent as the first four bytes
// of every outgoing frame (big-endian byte order, i.e. as transmitted).
var SignatureTX = [4]byte{0x81, 0x7E, 0xA3, 0x45}

// SignatureRX is the device-to-host signature the parser scans for.
var SignatureRX = [4]byte{0x45, 0xA3, 0x7E, 0x81}

// Build serializes a frame with the given command code and body.
//
// Build does not pad the body: the caller must ensure body's length keeps
// the total frame length a multiple of 4 (true in practice because WRITE
// bodies are a 4-byte address followed by a 4-byte-aligned payload slice,
// and every other command uses a fixed, already-aligned body size).
func Build(code byte, body []byte) ([]byte, error) {
	full := len(body) + headerCRCSize
	if full > MaxFrameSize {
		return nil, fmt.Errorf("frame: body of %d bytes makes frame %d bytes, exceeds max %d", len(body), full, MaxFrameSize)
	}

	buf := make([]byte, 0, full)
	buf = append(buf, SignatureTX[:]...)
	buf = append(buf, code, code^0xFF)
	buf = append(buf, byte(len(body)), byte(len(body)>>8))
	buf = append(buf, body...)

	crc := crc32x.SFU(buf[4:])
	buf = append(buf, byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24))

	return buf, nil
}
