package nwk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/wire"
)

func TestHeaderCodec(t *testing.T) {
	h := Header{
		Type:          FrameData,
		DiscoverRoute: true,
		SourceRoute:   true,
		Dst:           0x1234,
		Src:           0x0000,
		Radius:        10,
		Seq:           42,
		HasDstExt:     true,
		DstExt:        0x00124B0001020304,
		HasSrcExt:     true,
		SrcExt:        0x00124B00AABBCCDD,
		RelayIndex:    1,
		Relays:        []mac.ShortAddr{0x0002, 0x0003},
	}
	got, err := DecodeHeader(wire.NewReader(h.Bytes()))
	require.NoError(t, err)
	h.Version = protocolVersion
	require.Equal(t, h, got)
}

func TestDecodeHeaderRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", []byte{0x08}},
		{"version 1", []byte{0x04, 0x00, 0xFF, 0xFF, 0x00, 0x00, 0x01, 0x01}},
		{"inter-pan type", []byte{0x0B, 0x00, 0xFF, 0xFF, 0x00, 0x00, 0x01, 0x01}},
		{"relay index past list", []byte{0x08, 0x04, 0x00, 0x00, 0x01, 0x00, 0x05, 0x01, 0x01, 0x03, 0x02, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(wire.NewReader(tt.raw))
			if !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("got error %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestCommandCodec(t *testing.T) {
	cmds := []Command{
		&RouteRequest{ManyToOne: ManyToOneRouteRecord, RequestID: 7, Dst: 0xFFFC, PathCost: 0},
		&RouteRequest{RequestID: 8, Dst: 0x4321, PathCost: 3, HasDstExt: true, DstExt: 0xAABB},
		&RouteReply{RequestID: 7, Originator: 0x0001, Responder: 0x0002, PathCost: 4, HasRespExt: true, RespExt: 0xCC},
		&NetworkStatus{Code: NetStatusAddressConflict, Dst: 0x1111},
		&Leave{Request: true, Rejoin: true},
		&RouteRecord{Relays: []mac.ShortAddr{0x0001, 0x0002}},
		&RejoinRequest{Capability: mac.CapFullFunctionDevice | mac.CapRxOnWhenIdle},
		&RejoinResponse{ShortAddr: 0x2222, Status: mac.StatusSuccess},
		&LinkStatus{First: true, Last: true, Links: []LinkStatusEntry{{Addr: 0x0001, InCost: 1, OutCost: 3}}},
		&NetworkReport{Type: ReportPanIDConflict, ExtPanID: 0xDEAD, PanIDs: []mac.PanID{0x1A62, 0x1A63}},
		&NetworkUpdate{Type: UpdatePanID, ExtPanID: 0xDEAD, UpdateID: 2, NewPanID: 0x0BEE},
	}
	for _, c := range cmds {
		t.Run(c.ID().String(), func(t *testing.T) {
			got, err := DecodeCommand(EncodeCommand(c))
			require.NoError(t, err)
			require.Equal(t, c, got)
		})
	}
}

func TestDecodeCommandRejectsTruncated(t *testing.T) {
	raw := EncodeCommand(&NetworkUpdate{ExtPanID: 1, NewPanID: 2})
	_, err := DecodeCommand(raw[:len(raw)-1])
	require.Error(t, err)

	_, err = DecodeCommand([]byte{0x7F})
	require.Error(t, err)
}

func TestBeaconCodec(t *testing.T) {
	b := Beacon{
		StackProfile:      stackProfilePro,
		ProtocolVersion:   protocolVersion,
		RouterCapacity:    true,
		Depth:             2,
		EndDeviceCapacity: true,
		ExtPanID:          0x00124B0000000001,
		UpdateID:          3,
	}
	got, err := DecodeBeacon(b.Encode())
	require.NoError(t, err)
	require.Equal(t, b, got)

	_, err = DecodeBeacon([]byte{0x00})
	require.Error(t, err)
}
