package security

import "encoding/binary"

// Hash is the AES Matyas-Meyer-Oseas hash: each padded block is encrypted
// under the previous hash value and XORed with itself.
func Hash(data []byte) Key {
	n := len(data)
	bits := uint64(n) * 8

	msg := append([]byte(nil), data...)
	msg = append(msg, 0x80)
	if bits < 1<<16 {
		for (len(msg)+2)%blockSize != 0 {
			msg = append(msg, 0)
		}
		msg = binary.BigEndian.AppendUint16(msg, uint16(bits))
	} else {
		for (len(msg)+6)%blockSize != 0 {
			msg = append(msg, 0)
		}
		msg = binary.BigEndian.AppendUint32(msg, uint32(bits))
		msg = append(msg, 0, 0)
	}

	var h Key
	out := make([]byte, blockSize)
	for off := 0; off < len(msg); off += blockSize {
		block := msg[off : off+blockSize]
		newCipher(h).Encrypt(out, block)
		for i := range h {
			h[i] = out[i] ^ block[i]
		}
	}
	return h
}

// HMAC computes HMAC-MMO of data under key.
func HMAC(key Key, data []byte) Key {
	var ipad, opad [blockSize]byte
	for i := range key {
		ipad[i] = key[i] ^ 0x36
		opad[i] = key[i] ^ 0x5C
	}
	inner := Hash(append(ipad[:], data...))
	return Hash(append(opad[:], inner[:]...))
}

// KeyTransportKey derives the key protecting APS transport-key commands.
func KeyTransportKey(linkKey Key) Key {
	return HMAC(linkKey, []byte{0x00})
}

// KeyLoadKey derives the key protecting APS commands that load link keys.
func KeyLoadKey(linkKey Key) Key {
	return HMAC(linkKey, []byte{0x02})
}
