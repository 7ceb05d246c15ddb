package mac

import (
	"fmt"

	"zigbee-go-stack/internal/wire"
)

// Primitive identifiers on the co-processor link. Requests travel host to
// radio; confirms and indications (0x80 set) travel back.
const (
	primDataReq       uint8 = 0x01
	primScanReq       uint8 = 0x02
	primSetReq        uint8 = 0x03
	primAssociateReq  uint8 = 0x04
	primAssociateResp uint8 = 0x05
	primResetReq      uint8 = 0x06
	primGetExtReq     uint8 = 0x07

	primDataConf      uint8 = 0x81
	primDataInd       uint8 = 0x82
	primScanConf      uint8 = 0x83
	primSetConf       uint8 = 0x84
	primAssociateConf uint8 = 0x85
	primAssociateInd  uint8 = 0x86
	primResetConf     uint8 = 0x87
	primGetExtConf    uint8 = 0x88
)

func primName(id uint8) string {
	switch id {
	case primDataReq:
		return "DATA.req"
	case primScanReq:
		return "SCAN.req"
	case primSetReq:
		return "SET.req"
	case primAssociateReq:
		return "ASSOCIATE.req"
	case primAssociateResp:
		return "ASSOCIATE.resp"
	case primResetReq:
		return "RESET.req"
	case primGetExtReq:
		return "GET_EXT.req"
	case primDataConf:
		return "DATA.conf"
	case primDataInd:
		return "DATA.ind"
	case primScanConf:
		return "SCAN.conf"
	case primSetConf:
		return "SET.conf"
	case primAssociateConf:
		return "ASSOCIATE.conf"
	case primAssociateInd:
		return "ASSOCIATE.ind"
	case primResetConf:
		return "RESET.conf"
	case primGetExtConf:
		return "GET_EXT.conf"
	default:
		return fmt.Sprintf("0x%02X", id)
	}
}

func isIndication(id uint8) bool {
	return id == primDataInd || id == primAssociateInd
}

// primitive is one decoded link frame.
type primitive struct {
	ID   uint8
	TSN  uint8
	Body []byte
}

func encodePrimitive(p primitive) []byte {
	return wire.NewWriter(2+len(p.Body)).U8(p.ID).U8(p.TSN).Bytes(p.Body).Buf()
}

func decodePrimitive(data []byte) (primitive, error) {
	if len(data) < 2 {
		return primitive{}, fmt.Errorf("mac: primitive too short: %d bytes", len(data))
	}
	return primitive{ID: data[0], TSN: data[1], Body: append([]byte(nil), data[2:]...)}, nil
}

func putAddr(w *wire.Writer, a Addr) {
	w.U8(uint8(a.Mode))
	switch a.Mode {
	case AddrModeShort:
		w.U64(uint64(a.Short))
	default:
		w.U64(uint64(a.Ext))
	}
}

func getAddr(r *wire.Reader) Addr {
	a := Addr{Mode: AddrMode(r.U8())}
	v := r.U64()
	switch a.Mode {
	case AddrModeShort:
		a.Short = ShortAddr(v)
	case AddrModeExt:
		a.Ext = ExtAddr(v)
	}
	return a
}

func encodeDataReq(req *DataReq) []byte {
	w := wire.NewWriter(16 + len(req.Msdu))
	w.U8(uint8(req.SrcAddrMode))
	putAddr(w, req.Dst)
	w.U16(uint16(req.DstPanID)).U8(req.Handle).Bool(req.AckTx)
	w.U8(uint8(len(req.Msdu))).Bytes(req.Msdu)
	return w.Buf()
}

func decodeDataReq(body []byte) (*DataReq, error) {
	r := wire.NewReader(body)
	req := &DataReq{SrcAddrMode: AddrMode(r.U8())}
	req.Dst = getAddr(r)
	req.DstPanID = PanID(r.U16())
	req.Handle = r.U8()
	req.AckTx = r.Bool()
	req.Msdu = r.Bytes(int(r.U8()))
	return req, r.Err()
}

func encodeDataConf(c DataConf) []byte {
	return []byte{c.Handle, uint8(c.Status)}
}

func decodeDataConf(body []byte) (DataConf, error) {
	r := wire.NewReader(body)
	c := DataConf{Handle: r.U8(), Status: Status(r.U8())}
	return c, r.Err()
}

func encodeDataInd(ind DataInd) []byte {
	w := wire.NewWriter(24 + len(ind.Msdu))
	putAddr(w, ind.Src)
	putAddr(w, ind.Dst)
	w.U16(uint16(ind.SrcPanID)).U8(ind.LinkQuality)
	w.U8(uint8(len(ind.Msdu))).Bytes(ind.Msdu)
	return w.Buf()
}

func decodeDataInd(body []byte) (DataInd, error) {
	r := wire.NewReader(body)
	var ind DataInd
	ind.Src = getAddr(r)
	ind.Dst = getAddr(r)
	ind.SrcPanID = PanID(r.U16())
	ind.LinkQuality = r.U8()
	ind.Msdu = r.Bytes(int(r.U8()))
	return ind, r.Err()
}

func encodeScanReq(req *ScanReq) []byte {
	return wire.NewWriter(6).U8(uint8(req.Type)).U32(req.Channels).U8(req.Duration).Buf()
}

func encodeScanConf(c ScanConf) []byte {
	w := wire.NewWriter(64)
	w.U8(uint8(c.Status)).U8(uint8(c.Type))
	w.U8(uint8(len(c.PANDescriptors)))
	for _, d := range c.PANDescriptors {
		putAddr(w, d.Coord)
		w.U64(uint64(d.CoordExt))
		w.U16(uint16(d.CoordPanID)).U8(d.Channel).U8(d.LinkQuality).Bool(d.PermitJoin)
		w.U8(uint8(len(d.BeaconPayload))).Bytes(d.BeaconPayload)
	}
	w.U8(uint8(len(c.EnergyLevels)))
	for ch := uint8(11); ch <= 26; ch++ {
		if lvl, ok := c.EnergyLevels[ch]; ok {
			w.U8(ch).U8(lvl)
		}
	}
	return w.Buf()
}

func decodeScanConf(body []byte) (ScanConf, error) {
	r := wire.NewReader(body)
	c := ScanConf{Status: Status(r.U8()), Type: ScanType(r.U8())}
	n := int(r.U8())
	for i := 0; i < n && r.Err() == nil; i++ {
		var d PANDescriptor
		d.Coord = getAddr(r)
		d.CoordExt = ExtAddr(r.U64())
		d.CoordPanID = PanID(r.U16())
		d.Channel = r.U8()
		d.LinkQuality = r.U8()
		d.PermitJoin = r.Bool()
		d.BeaconPayload = r.Bytes(int(r.U8()))
		c.PANDescriptors = append(c.PANDescriptors, d)
	}
	if m := int(r.U8()); m > 0 {
		c.EnergyLevels = make(map[uint8]uint8, m)
		for i := 0; i < m && r.Err() == nil; i++ {
			ch := r.U8()
			c.EnergyLevels[ch] = r.U8()
		}
	}
	return c, r.Err()
}

func encodeSetReq(req *SetReq) []byte {
	return wire.NewWriter(2 + len(req.Value)).U8(uint8(req.Attr)).U8(uint8(len(req.Value))).Bytes(req.Value).Buf()
}

func encodeAssociateReq(req *AssociateReq) []byte {
	w := wire.NewWriter(14)
	putAddr(w, req.Coord)
	w.U16(uint16(req.CoordPanID)).U8(req.Channel).U8(uint8(req.Capability))
	return w.Buf()
}

func decodeAssociateConf(body []byte) (AssociateConf, error) {
	r := wire.NewReader(body)
	c := AssociateConf{ShortAddr: ShortAddr(r.U16()), Status: Status(r.U8())}
	return c, r.Err()
}

func encodeAssociateInd(ind AssociateInd) []byte {
	return wire.NewWriter(9).U64(uint64(ind.DeviceExt)).U8(uint8(ind.Capability)).Buf()
}

func decodeAssociateInd(body []byte) (AssociateInd, error) {
	r := wire.NewReader(body)
	ind := AssociateInd{DeviceExt: ExtAddr(r.U64()), Capability: Capability(r.U8())}
	return ind, r.Err()
}

func encodeAssociateResp(resp AssociateResp) []byte {
	return wire.NewWriter(11).U64(uint64(resp.DeviceExt)).U16(uint16(resp.ShortAddr)).U8(uint8(resp.Status)).Buf()
}
