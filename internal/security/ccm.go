// Package security implements the ZigBee cryptographic primitives:
// AES-128 CCM* frame protection, the Matyas-Meyer-Oseas hash and the
// HMAC-MMO key derivations used for key transport and key load.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	KeySize   = 16
	NonceSize = 13
	blockSize = aes.BlockSize
)

var (
	ErrMICMismatch = errors.New("security: MIC check failed")
	ErrShortFrame  = errors.New("security: frame shorter than MIC")
)

// Key is an AES-128 key.
type Key [KeySize]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// IsZero reports whether k is all zeroes (no key).
func (k Key) IsZero() bool { return k == Key{} }

// MarshalText encodes the key as hex, so persisted and configured keys
// read the same.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a 32-digit hex key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("security: parse key: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("security: key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// DefaultTCLinkKey is the well-known "ZigBeeAlliance09" trust center link key.
var DefaultTCLinkKey = Key{'Z', 'i', 'g', 'B', 'e', 'e', 'A', 'l', 'l', 'i', 'a', 'n', 'c', 'e', '0', '9'}

// Level is a ZigBee security level (0-7).
type Level uint8

const (
	LevelNone     Level = 0x00
	LevelMIC32    Level = 0x01
	LevelMIC64    Level = 0x02
	LevelMIC128   Level = 0x03
	LevelEnc      Level = 0x04
	LevelEncMIC32 Level = 0x05
	LevelEncMIC64 Level = 0x06
	LevelEnc128   Level = 0x07
)

// MICLen returns the MIC length in bytes for the level.
func (l Level) MICLen() int {
	switch l & 0x03 {
	case 1:
		return 4
	case 2:
		return 8
	case 3:
		return 16
	default:
		return 0
	}
}

// Encrypts reports whether the level encrypts the payload.
func (l Level) Encrypts() bool { return l&0x04 != 0 }

// Nonce builds the CCM* nonce: source extended address and frame counter,
// both little-endian, followed by the security control byte.
func Nonce(src uint64, counter uint32, secControl uint8) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint64(n[0:8], src)
	binary.LittleEndian.PutUint32(n[8:12], counter)
	n[12] = secControl
	return n
}

func newCipher(key Key) cipher.Block {
	b, err := aes.NewCipher(key[:])
	if err != nil {
		// Only possible for a wrong key length, which Key rules out.
		panic(err)
	}
	return b
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < blockSize; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// cbcMAC computes the CCM* authentication tag T over auth data a and
// plaintext m.
func cbcMAC(c cipher.Block, nonce [NonceSize]byte, a, m []byte, micLen int) []byte {
	var b0 [blockSize]byte
	flags := byte(((micLen - 2) / 2) << 3) // M'
	flags |= 1                             // L' = L-1 with L = 2
	if len(a) > 0 {
		flags |= 0x40
	}
	b0[0] = flags
	copy(b0[1:14], nonce[:])
	binary.BigEndian.PutUint16(b0[14:16], uint16(len(m)))

	x := make([]byte, blockSize)
	c.Encrypt(x, b0[:])

	var blocks []byte
	if len(a) > 0 {
		blocks = binary.BigEndian.AppendUint16(blocks, uint16(len(a)))
		blocks = append(blocks, a...)
		blocks = pad(blocks)
	}
	blocks = append(blocks, pad(append([]byte(nil), m...))...)

	for off := 0; off < len(blocks); off += blockSize {
		xorBlock(x, x, blocks[off:off+blockSize])
		c.Encrypt(x, x)
	}
	return x[:micLen]
}

func pad(b []byte) []byte {
	if r := len(b) % blockSize; r != 0 {
		b = append(b, make([]byte, blockSize-r)...)
	}
	return b
}

// ctrBlock returns A_i for the CCM* counter mode.
func ctrBlock(nonce [NonceSize]byte, i uint16) []byte {
	a := make([]byte, blockSize)
	a[0] = 1 // L' only
	copy(a[1:14], nonce[:])
	binary.BigEndian.PutUint16(a[14:16], i)
	return a
}

// ctr XORs data with the key stream starting at counter 1.
func ctr(c cipher.Block, nonce [NonceSize]byte, data []byte) []byte {
	out := make([]byte, len(data))
	s := make([]byte, blockSize)
	for off, i := 0, uint16(1); off < len(data); off, i = off+blockSize, i+1 {
		c.Encrypt(s, ctrBlock(nonce, i))
		end := min(off+blockSize, len(data))
		for j := off; j < end; j++ {
			out[j] = data[j] ^ s[j-off]
		}
	}
	return out
}

func encryptTag(c cipher.Block, nonce [NonceSize]byte, t []byte) []byte {
	s0 := make([]byte, blockSize)
	c.Encrypt(s0, ctrBlock(nonce, 0))
	u := make([]byte, len(t))
	for i := range t {
		u[i] = t[i] ^ s0[i]
	}
	return u
}

// Seal protects payload m with auth data a at the given level and returns
// the (possibly encrypted) payload followed by the MIC.
func Seal(key Key, nonce [NonceSize]byte, a, m []byte, level Level) []byte {
	c := newCipher(key)
	micLen := level.MICLen()

	var authA, authM []byte
	if level.Encrypts() {
		authA, authM = a, m
	} else {
		authA = append(append([]byte(nil), a...), m...)
	}

	var out []byte
	if level.Encrypts() {
		out = ctr(c, nonce, m)
	} else {
		out = append([]byte(nil), m...)
	}
	if micLen == 0 {
		return out
	}
	t := cbcMAC(c, nonce, authA, authM, micLen)
	return append(out, encryptTag(c, nonce, t)...)
}

// Open verifies and decrypts data (payload followed by MIC) sealed with Seal.
func Open(key Key, nonce [NonceSize]byte, a, data []byte, level Level) ([]byte, error) {
	micLen := level.MICLen()
	if len(data) < micLen {
		return nil, ErrShortFrame
	}
	c := newCipher(key)
	body, mic := data[:len(data)-micLen], data[len(data)-micLen:]

	m := append([]byte(nil), body...)
	if level.Encrypts() {
		m = ctr(c, nonce, body)
	}
	if micLen == 0 {
		return m, nil
	}

	var authA, authM []byte
	if level.Encrypts() {
		authA, authM = a, m
	} else {
		authA = append(append([]byte(nil), a...), m...)
	}
	t := cbcMAC(c, nonce, authA, authM, micLen)
	if subtle.ConstantTimeCompare(encryptTag(c, nonce, t), mic) != 1 {
		return nil, ErrMICMismatch
	}
	return m, nil
}
