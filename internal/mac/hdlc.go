package mac

import (
	"bufio"
	"encoding/binary"
	"fmt"
)

// HDLC-like async framing used on the co-processor UART: 0x7E delimits
// frames, 0x7D escapes, and every frame ends with a CRC-16/X.25 FCS.
const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20

	hdlcMaxFrame = 512
)

var fcsTable [256]uint16

func init() {
	const poly = 0x8408
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		fcsTable[i] = crc
	}
}

func hdlcFCS(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ fcsTable[(crc^uint16(b))&0xFF]
	}
	return crc ^ 0xFFFF
}

func hdlcEscapeTo(out []byte, b byte) []byte {
	if b == hdlcFlag || b == hdlcEscape {
		return append(out, hdlcEscape, b^hdlcXor)
	}
	return append(out, b)
}

// hdlcEncode frames data: flag, escaped data and FCS, flag.
func hdlcEncode(data []byte) []byte {
	var fcs [2]byte
	binary.LittleEndian.PutUint16(fcs[:], hdlcFCS(data))

	out := make([]byte, 0, len(data)+6)
	out = append(out, hdlcFlag)
	for _, b := range data {
		out = hdlcEscapeTo(out, b)
	}
	for _, b := range fcs {
		out = hdlcEscapeTo(out, b)
	}
	return append(out, hdlcFlag)
}

// hdlcDecode unescapes the bytes between two flags and checks the FCS.
func hdlcDecode(inner []byte) ([]byte, error) {
	out := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		b := inner[i]
		if b == hdlcEscape {
			i++
			if i >= len(inner) {
				return nil, fmt.Errorf("hdlc: dangling escape")
			}
			b = inner[i] ^ hdlcXor
		}
		out = append(out, b)
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("hdlc: frame too short: %d bytes", len(out))
	}
	data := out[:len(out)-2]
	got := binary.LittleEndian.Uint16(out[len(out)-2:])
	if want := hdlcFCS(data); got != want {
		return nil, fmt.Errorf("hdlc: FCS mismatch: got 0x%04X, want 0x%04X", got, want)
	}
	return data, nil
}

// readHDLCFrame returns the raw (still escaped) bytes of the next non-empty
// frame. Bytes before the first flag are discarded.
func readHDLCFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == hdlcFlag {
			break
		}
	}
	for {
		var frame []byte
		for {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if b == hdlcFlag {
				break
			}
			if len(frame) >= hdlcMaxFrame*2 {
				return nil, fmt.Errorf("hdlc: frame exceeds %d bytes", hdlcMaxFrame)
			}
			frame = append(frame, b)
		}
		if len(frame) > 0 {
			return frame, nil
		}
		// Back-to-back flags: the closing flag of one frame may double as
		// the opening flag of the next.
	}
}
