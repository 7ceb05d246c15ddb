package mac

import (
	"bufio"
	"bytes"
	"testing"
)

func TestHDLCEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"simple", []byte{0x01, 0x02, 0x03}},
		{"with flag byte", []byte{0x7E, 0x01}},
		{"with escape byte", []byte{0x7D, 0x02}},
		{"mixed special", []byte{0x00, 0x7E, 0x7D, 0xFF}},
		{"empty payload", []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := hdlcEncode(tt.data)
			if encoded[0] != hdlcFlag || encoded[len(encoded)-1] != hdlcFlag {
				t.Errorf("missing flags: %X", encoded)
			}
			for _, b := range encoded[1 : len(encoded)-1] {
				if b == hdlcFlag {
					t.Fatalf("unescaped flag inside frame: %X", encoded)
				}
			}

			decoded, err := hdlcDecode(encoded[1 : len(encoded)-1])
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if !bytes.Equal(decoded, tt.data) {
				t.Errorf("round trip failed: got %X, want %X", decoded, tt.data)
			}
		})
	}
}

func TestHDLCDecodeBadFCS(t *testing.T) {
	encoded := hdlcEncode([]byte{0x01, 0x02})
	inner := append([]byte(nil), encoded[1:len(encoded)-1]...)
	inner[0] ^= 0xFF
	if _, err := hdlcDecode(inner); err == nil {
		t.Error("expected FCS error")
	}
}

func TestReadHDLCFrameSkipsNoise(t *testing.T) {
	var stream []byte
	stream = append(stream, 0x00, 0x13, 0x37) // line noise before first flag
	stream = append(stream, hdlcEncode([]byte{0xAA})...)
	stream = append(stream, hdlcFlag, hdlcFlag) // idle flags
	stream = append(stream, hdlcEncode([]byte{0x7E, 0xBB})...)

	r := bufio.NewReader(bytes.NewReader(stream))
	for _, want := range [][]byte{{0xAA}, {0x7E, 0xBB}} {
		raw, err := readHDLCFrame(r)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got, err := hdlcDecode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("got %X, want %X", got, want)
		}
	}
}

func TestPrimitiveCodecs(t *testing.T) {
	req := &DataReq{
		SrcAddrMode: AddrModeShort,
		Dst:         Short(0x1234),
		DstPanID:    0x1A62,
		Msdu:        []byte{1, 2, 3},
		Handle:      9,
		AckTx:       true,
	}
	got, err := decodeDataReq(encodeDataReq(req))
	if err != nil {
		t.Fatalf("decode data req: %v", err)
	}
	if got.Dst != req.Dst || got.DstPanID != req.DstPanID || got.Handle != 9 || !got.AckTx || !bytes.Equal(got.Msdu, req.Msdu) {
		t.Errorf("data req: got %+v, want %+v", got, req)
	}

	conf := ScanConf{
		Status: StatusSuccess,
		Type:   ScanActive,
		PANDescriptors: []PANDescriptor{{
			Coord: Short(0x0000), CoordPanID: 0x1A62, Channel: 15,
			LinkQuality: 200, PermitJoin: true, BeaconPayload: []byte{0x00, 0x22},
		}},
		EnergyLevels: map[uint8]uint8{11: 10, 15: 80},
	}
	sc, err := decodeScanConf(encodeScanConf(conf))
	if err != nil {
		t.Fatalf("decode scan conf: %v", err)
	}
	if len(sc.PANDescriptors) != 1 || sc.PANDescriptors[0].CoordPanID != 0x1A62 || !sc.PANDescriptors[0].PermitJoin {
		t.Errorf("scan conf descriptors: got %+v", sc.PANDescriptors)
	}
	if sc.EnergyLevels[15] != 80 || sc.EnergyLevels[11] != 10 {
		t.Errorf("scan conf energy: got %v", sc.EnergyLevels)
	}

	if _, err := decodeDataInd([]byte{0x02}); err == nil {
		t.Error("expected error for truncated data indication")
	}
}
