package mac

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/sys"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setShortPan(r *SimRadio, short ShortAddr, pan PanID) {
	r.SetReq(&SetReq{Attr: PIBShortAddress, Value: U16(uint16(short))})
	r.SetReq(&SetReq{Attr: PIBPanID, Value: U16(uint16(pan))})
}

func TestMediumUnicastAndBroadcast(t *testing.T) {
	env := sys.NewManualEnv(newTestLogger(), 1)
	m := NewMedium(env, newTestLogger())
	a := m.NewRadio(0xA)
	b := m.NewRadio(0xB)
	c := m.NewRadio(0xC)
	m.LinkChain(0xA, 0xB, 0xC)
	setShortPan(a, 0x0000, 0x1A62)
	setShortPan(b, 0x0001, 0x1A62)
	setShortPan(c, 0x0002, 0x1A62)

	var gotB, gotC []DataInd
	b.OnDataInd(func(ind DataInd) { gotB = append(gotB, ind) })
	c.OnDataInd(func(ind DataInd) { gotC = append(gotC, ind) })

	var confs []DataConf
	a.DataReq(&DataReq{SrcAddrMode: AddrModeShort, Dst: Short(0x0001), DstPanID: 0x1A62, Msdu: []byte{1}, Handle: 1, AckTx: true,
		Confirm: func(c DataConf) { confs = append(confs, c) }})
	a.DataReq(&DataReq{SrcAddrMode: AddrModeShort, Dst: Short(0x0002), DstPanID: 0x1A62, Msdu: []byte{2}, Handle: 2, AckTx: true,
		Confirm: func(c DataConf) { confs = append(confs, c) }})
	a.DataReq(&DataReq{SrcAddrMode: AddrModeShort, Dst: Short(BroadcastShortAddr), DstPanID: 0x1A62, Msdu: []byte{3}, Handle: 3,
		Confirm: func(c DataConf) { confs = append(confs, c) }})
	env.Advance(10 * time.Millisecond)

	require.Len(t, confs, 3)
	require.Equal(t, StatusSuccess, confs[0].Status)
	require.Equal(t, StatusNoAck, confs[1].Status, "0x0002 is out of range of 0x0000")
	require.Equal(t, StatusSuccess, confs[2].Status)
	require.Len(t, gotB, 2)
	require.Equal(t, Short(0x0000), gotB[0].Src)
	require.Empty(t, gotC)
}

func TestMediumActiveScanSeesBeacons(t *testing.T) {
	env := sys.NewManualEnv(newTestLogger(), 1)
	m := NewMedium(env, newTestLogger())
	coord := m.NewRadio(0x1)
	joiner := m.NewRadio(0x2)
	m.LinkAll()
	setShortPan(coord, 0x0000, 0x2222)
	coord.SetReq(&SetReq{Attr: PIBBeaconPayload, Value: []byte{0x00, 0x22}})
	coord.SetReq(&SetReq{Attr: PIBAssociationPermit, Value: Bool(true)})

	var conf ScanConf
	joiner.ScanReq(&ScanReq{Type: ScanActive, Channels: 1 << 11, Duration: 2, Confirm: func(c ScanConf) { conf = c }})
	env.Advance(time.Second)

	require.Equal(t, StatusSuccess, conf.Status)
	require.Len(t, conf.PANDescriptors, 1)
	require.Equal(t, PanID(0x2222), conf.PANDescriptors[0].CoordPanID)
	require.True(t, conf.PANDescriptors[0].PermitJoin)
}

func TestMediumAssociation(t *testing.T) {
	env := sys.NewManualEnv(newTestLogger(), 1)
	m := NewMedium(env, newTestLogger())
	coord := m.NewRadio(0x1)
	joiner := m.NewRadio(0x2)
	m.LinkAll()
	setShortPan(coord, 0x0000, 0x2222)

	req := func(out *AssociateConf) *AssociateReq {
		return &AssociateReq{Coord: Short(0x0000), CoordPanID: 0x2222, Channel: 11, Capability: CapAllocateAddress,
			Confirm: func(c AssociateConf) { *out = c }}
	}

	var denied AssociateConf
	joiner.Associate(req(&denied))
	env.Advance(10 * time.Millisecond)
	require.Equal(t, StatusPanAccessDenied, denied.Status)

	coord.SetReq(&SetReq{Attr: PIBAssociationPermit, Value: Bool(true)})
	coord.OnAssociateInd(func(ind AssociateInd) {
		coord.AssociateResp(AssociateResp{DeviceExt: ind.DeviceExt, ShortAddr: 0x4F21, Status: StatusSuccess})
	})
	var ok AssociateConf
	joiner.Associate(req(&ok))
	env.Advance(50 * time.Millisecond)
	require.Equal(t, StatusSuccess, ok.Status)
	require.Equal(t, ShortAddr(0x4F21), joiner.PIB().ShortAddr)
	require.Equal(t, PanID(0x2222), joiner.PIB().PanID)
}

func TestMediumAssociationTimesOut(t *testing.T) {
	env := sys.NewManualEnv(newTestLogger(), 1)
	m := NewMedium(env, newTestLogger())
	coord := m.NewRadio(0x1)
	joiner := m.NewRadio(0x2)
	m.LinkAll()
	setShortPan(coord, 0x0000, 0x2222)
	coord.SetReq(&SetReq{Attr: PIBAssociationPermit, Value: Bool(true)})

	var conf AssociateConf
	joiner.Associate(&AssociateReq{Coord: Short(0x0000), CoordPanID: 0x2222, Channel: 11,
		Confirm: func(c AssociateConf) { conf = c }})
	env.Advance(time.Second)
	require.Equal(t, StatusNoData, conf.Status)
}

func TestStatusErr(t *testing.T) {
	require.NoError(t, StatusSuccess.Err())
	require.ErrorIs(t, StatusNoAck.Err(), ErrStatus)
	require.Equal(t, "mac: no_ack", StatusNoAck.Err().Error())
}
