package aps

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/wire"
)

func TestHeaderCodec(t *testing.T) {
	data := Header{Type: FrameData, DstEndpoint: 1, ClusterID: 0x0006, ProfileID: 0x0104, SrcEndpoint: 2, Counter: 5}
	tests := []struct {
		name string
		h    Header
		size int
	}{
		{"unicast data", Header{Type: FrameData, AckRequest: true, DstEndpoint: 1, ClusterID: 0x0006, ProfileID: 0x0104, SrcEndpoint: 2, Counter: 9}, 8},
		{"group data", Header{Type: FrameData, Delivery: DeliveryGroup, GroupID: 0x0042, ClusterID: 0x0006, ProfileID: 0x0104, SrcEndpoint: 1, Counter: 1}, 9},
		{"broadcast data", Header{Type: FrameData, Delivery: DeliveryBroadcast, DstEndpoint: BroadcastEndpoint, ClusterID: 0x0013, SrcEndpoint: 0, Counter: 2}, 8},
		{"secured command", Header{Type: FrameCommand, Security: true, Counter: 200}, 2},
		{"data ack", ackFor(data), 8},
		{"command ack", ackFor(Header{Type: FrameCommand, Counter: 7}), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.h.Bytes()
			if len(raw) != tt.size {
				t.Fatalf("got %d header bytes, want %d", len(raw), tt.size)
			}
			got, err := DecodeHeader(wire.NewReader(raw))
			require.NoError(t, err)
			require.Equal(t, tt.h, got)
		})
	}
}

func TestAckSwapsEndpoints(t *testing.T) {
	a := ackFor(Header{Type: FrameData, DstEndpoint: 1, SrcEndpoint: 2, ClusterID: 6, ProfileID: 0x0104, Counter: 5})
	require.Equal(t, FrameAck, a.Type)
	require.Equal(t, uint8(2), a.DstEndpoint)
	require.Equal(t, uint8(1), a.SrcEndpoint)
	require.Equal(t, uint8(5), a.Counter)
}

func TestDecodeHeaderRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"extended header", []byte{0x80, 0x01, 0x06, 0x00, 0x04, 0x01, 0x01, 0x01}},
		{"inter-pan type", []byte{0x03, 0x01}},
		{"reserved delivery", []byte{0x05, 0x01}},
		{"short data", []byte{0x00, 0x01, 0x06}},
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
	key := security.Key{0x01, 0x02, 0x03}
	cmds := []Command{
		&TransportKey{KeyType: KeyTypeNetwork, Key: key, Seq: 5, DstExt: 0x00124B0000000002, SrcExt: 0x00124B0000000001},
		&TransportKey{KeyType: KeyTypeTCLink, Key: key, DstExt: 0x02, SrcExt: 0x01},
		&TransportKey{KeyType: KeyTypeAppLink, Key: key, PartnerExt: 0x03, Initiator: true},
		&UpdateDevice{DeviceExt: 0x00124B0000000003, DeviceShort: 0x1234, Status: UpdateUnsecuredJoin},
		&RemoveDevice{TargetExt: 0x00124B0000000003},
		&RequestKey{KeyType: KeyTypeNetwork},
		&RequestKey{KeyType: requestKeyAppLink, PartnerExt: 0x04},
		&SwitchKey{Seq: 5},
		&Tunnel{DstExt: 0x03, Frame: []byte{0x21, 0x07, 0x30, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, c := range cmds {
		t.Run(c.ID().String(), func(t *testing.T) {
			got, err := DecodeCommand(EncodeCommand(c))
			require.NoError(t, err)
			require.Equal(t, c, got)
		})
	}
}

func TestDecodeCommandRejectsBadPayloads(t *testing.T) {
	raw := EncodeCommand(&TransportKey{KeyType: KeyTypeNetwork, Seq: 1, DstExt: 2, SrcExt: 3})
	_, err := DecodeCommand(raw[:len(raw)-1])
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeCommand([]byte{byte(CmdTransportKey), 0x09})
	require.ErrorIs(t, err, ErrInvalidFrame, "unknown key type")

	_, err = DecodeCommand([]byte{0x7F})
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeCommand(EncodeCommand(&Tunnel{DstExt: mac.ExtAddr(1)}))
	require.ErrorIs(t, err, ErrInvalidFrame, "tunnel without a frame")
}
