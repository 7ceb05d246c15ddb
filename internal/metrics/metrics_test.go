package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/stack"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	snap stack.Snapshot
	err  error
}

func (f *fakeSource) Snapshot(context.Context) (stack.Snapshot, error) {
	return f.snap, f.err
}

func testSnapshot() stack.Snapshot {
	seq := uint8(2)
	return stack.Snapshot{
		DeviceType: "coordinator",
		State:      "running",
		Joined:     true,
		KeySeq:     &seq,
		Routes:     []stack.Route{{Dst: "0x1234"}, {Dst: "0x5678"}},
		Neighbors:  []stack.NeighborInfo{{ShortAddr: "0x1234"}},
		AddressMap: []stack.AddressEntry{{ShortAddr: "0x1234"}},
		Devices: []stack.DeviceInfo{
			{ExtAddr: "0000000000000002", Authorized: true},
			{ExtAddr: "0000000000000003", Authorized: false},
		},
		Counters: stack.Counters{NWK: nwk.Counters{TxFrames: 10, Replays: 3}},
	}
}

func TestCollectSnapshot(t *testing.T) {
	c := NewCollector(&fakeSource{snap: testSnapshot()}, newTestLogger())

	expected := `
# HELP zigbee_stack_up Whether the last snapshot of the stack succeeded
# TYPE zigbee_stack_up gauge
zigbee_stack_up 1
# HELP zigbee_network_joined Whether the device is on a network
# TYPE zigbee_network_joined gauge
zigbee_network_joined{device_type="coordinator",state="running"} 1
# HELP zigbee_security_network_key_seq Sequence number of the active network key
# TYPE zigbee_security_network_key_seq gauge
zigbee_security_network_key_seq 2
# HELP zigbee_table_entries Number of used table entries
# TYPE zigbee_table_entries gauge
zigbee_table_entries{table="address_map"} 1
zigbee_table_entries{table="neighbor"} 1
zigbee_table_entries{table="routing"} 2
# HELP zigbee_trust_center_devices Devices tracked by the trust center
# TYPE zigbee_trust_center_devices gauge
zigbee_trust_center_devices{authorized="false"} 1
zigbee_trust_center_devices{authorized="true"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"zigbee_stack_up",
		"zigbee_network_joined",
		"zigbee_security_network_key_seq",
		"zigbee_table_entries",
		"zigbee_trust_center_devices",
	)
	require.NoError(t, err)

	// 13 nwk and 10 aps counters.
	require.Equal(t, 23, testutil.CollectAndCount(c, "zigbee_stack_frames_total"))
}

func TestCollectSnapshotFailure(t *testing.T) {
	c := NewCollector(&fakeSource{err: errors.New("stack stopped")}, newTestLogger())

	expected := `
# HELP zigbee_stack_up Whether the last snapshot of the stack succeeded
# TYPE zigbee_stack_up gauge
zigbee_stack_up 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "zigbee_stack_up"))
	require.Equal(t, 0, testutil.CollectAndCount(c, "zigbee_table_entries"))
}

func TestObserveCountsEvents(t *testing.T) {
	c := NewCollector(&fakeSource{snap: testSnapshot()}, newTestLogger())
	bus := stack.NewEventBus(newTestLogger())
	unsub := c.Observe(bus)

	bus.Emit(stack.Event{Type: stack.EventDeviceJoined})
	bus.Emit(stack.Event{Type: stack.EventDeviceJoined})
	bus.Emit(stack.Event{Type: stack.EventKeySwitched})
	unsub()
	bus.Emit(stack.Event{Type: stack.EventKeySwitched})

	if got := testutil.ToFloat64(c.events.WithLabelValues(stack.EventDeviceJoined)); got != 2 {
		t.Errorf("device_joined = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.events.WithLabelValues(stack.EventKeySwitched)); got != 1 {
		t.Errorf("key_switched = %v, want 1", got)
	}
}

func TestRegistryGathers(t *testing.T) {
	reg := NewRegistry(NewCollector(&fakeSource{snap: testSnapshot()}, newTestLogger()))
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["zigbee_stack_up"])
	require.True(t, names["go_goroutines"])
}
