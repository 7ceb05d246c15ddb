package security

import (
	"fmt"

	"zigbee-go-stack/internal/wire"
)

// KeyID selects the key class named in the auxiliary header.
type KeyID uint8

const (
	KeyIDData         KeyID = 0x00
	KeyIDNetwork      KeyID = 0x01
	KeyIDKeyTransport KeyID = 0x02
	KeyIDKeyLoad      KeyID = 0x03
)

func (k KeyID) String() string {
	switch k {
	case KeyIDData:
		return "data"
	case KeyIDNetwork:
		return "network"
	case KeyIDKeyTransport:
		return "key_transport"
	case KeyIDKeyLoad:
		return "key_load"
	default:
		return fmt.Sprintf("key_id_%d", uint8(k))
	}
}

// Security control field layout.
const (
	controlLevelMask = 0x07
	controlKeyShift  = 3
	controlKeyMask   = 0x18
	controlExtNonce  = 0x20
)

// AuxHeader is the auxiliary security header shared by NWK and APS frames:
// security control(1), frame counter(4), [source IEEE(8)], [key seq(1)].
type AuxHeader struct {
	Level    Level
	KeyID    KeyID
	ExtNonce bool
	Counter  uint32
	SrcExt   uint64
	KeySeq   uint8
}

// Control returns the security control byte with the given level.
func (a AuxHeader) Control(level Level) uint8 {
	c := uint8(level) & controlLevelMask
	c |= (uint8(a.KeyID) << controlKeyShift) & controlKeyMask
	if a.ExtNonce {
		c |= controlExtNonce
	}
	return c
}

// Encode writes the header with the given level in the control field.
// Frames go out with level 0 on air; the real level is used for the nonce
// and authentication data.
func (a AuxHeader) Encode(w *wire.Writer, level Level) {
	w.U8(a.Control(level)).U32(a.Counter)
	if a.ExtNonce {
		w.U64(a.SrcExt)
	}
	if a.KeyID == KeyIDNetwork {
		w.U8(a.KeySeq)
	}
}

// DecodeAux reads an auxiliary header.
func DecodeAux(r *wire.Reader) (AuxHeader, error) {
	c := r.U8()
	a := AuxHeader{
		Level:    Level(c & controlLevelMask),
		KeyID:    KeyID((c & controlKeyMask) >> controlKeyShift),
		ExtNonce: c&controlExtNonce != 0,
		Counter:  r.U32(),
	}
	if a.ExtNonce {
		a.SrcExt = r.U64()
	}
	if a.KeyID == KeyIDNetwork {
		a.KeySeq = r.U8()
	}
	if err := r.Err(); err != nil {
		return a, fmt.Errorf("security: aux header: %w", err)
	}
	return a, nil
}

// Protect seals payload behind header: auth data is header plus the aux
// header carrying level; the returned frame carries the aux header with the
// level field zeroed, then the sealed payload and MIC.
func Protect(key Key, header []byte, aux AuxHeader, level Level, payload []byte) []byte {
	authAux := wire.NewWriter(14)
	aux.Encode(authAux, level)
	a := append(append([]byte(nil), header...), authAux.Buf()...)
	nonce := Nonce(aux.SrcExt, aux.Counter, aux.Control(level))
	sealed := Seal(key, nonce, a, payload, level)

	out := wire.NewWriter(len(header) + 14 + len(sealed))
	out.Bytes(header)
	aux.Encode(out, LevelNone)
	out.Bytes(sealed)
	return out.Buf()
}

// Unprotect reverses Protect. srcExt supplies the nonce source when the aux
// header does not carry it.
func Unprotect(key Key, header []byte, aux AuxHeader, level Level, srcExt uint64, sealed []byte) ([]byte, error) {
	if !aux.ExtNonce {
		aux.SrcExt = srcExt
	}
	authAux := wire.NewWriter(14)
	aux.Encode(authAux, level)
	a := append(append([]byte(nil), header...), authAux.Buf()...)
	nonce := Nonce(aux.SrcExt, aux.Counter, aux.Control(level))
	return Open(key, nonce, a, sealed, level)
}
