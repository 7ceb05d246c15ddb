//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/stack"
	"zigbee-go-stack/internal/zdo"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{ done chan struct{} }

func newDoneToken() *doneToken {
	t := &doneToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return nil }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []published
	subs         []string
	disconnected bool
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, payload: payload.([]byte), retained: retained})
	return newDoneToken()
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return newDoneToken()
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

// last returns the most recent message on topic.
func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].topic == topic {
			return c.msgs[i], true
		}
	}
	return published{}, false
}

type fakeBackend struct {
	mu      sync.Mutex
	snap    stack.Snapshot
	events  *stack.EventBus
	err     error
	permit  []uint8
	rotated []security.Key
	removed []mac.ExtAddr
}

func (f *fakeBackend) Snapshot(context.Context) (stack.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

func (f *fakeBackend) PermitJoin(_ context.Context, s uint8) error {
	f.permit = append(f.permit, s)
	return f.err
}

func (f *fakeBackend) RotateNetworkKey(_ context.Context, key security.Key) error {
	f.rotated = append(f.rotated, key)
	return f.err
}

func (f *fakeBackend) RemoveDevice(_ context.Context, ext mac.ExtAddr) error {
	f.removed = append(f.removed, ext)
	return f.err
}

func (f *fakeBackend) Events() *stack.EventBus { return f.events }

func setupBridge(t *testing.T, discovery bool) (*Bridge, *fakeClient, *fakeBackend) {
	t.Helper()
	seq := uint8(3)
	backend := &fakeBackend{
		events: stack.NewEventBus(newTestLogger()),
		snap: stack.Snapshot{
			ExtAddr:    "00124B0000000001",
			DeviceType: "coordinator",
			State:      "running",
			Joined:     true,
			PanID:      "0x1A62",
			Channel:    15,
			KeySeq:     &seq,
			Devices:    []stack.DeviceInfo{{ExtAddr: "00124B0000000002"}},
		},
	}
	fc := &fakeClient{}
	b := newBridge(backend, Config{TopicPrefix: "zb/", Discovery: discovery}, newTestLogger())
	b.client = fc
	b.Start()
	return b, fc, backend
}

func TestBridgePublishesEvents(t *testing.T) {
	b, fc, backend := setupBridge(t, false)
	defer b.Stop()

	backend.events.Emit(stack.Event{
		Type: stack.EventDeviceJoined,
		Time: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Data: stack.DeviceEvent{ExtAddr: "00124B0000000002", ShortAddr: "0x1234", Parent: "0x0000"},
	})

	msg, ok := fc.last("zb/events/device_joined")
	require.True(t, ok, "event not published")
	require.False(t, msg.retained)

	msg, ok = fc.last("zb/devices/00124B0000000002")
	require.True(t, ok, "device state not published")
	require.True(t, msg.retained)
	var ds deviceState
	require.NoError(t, json.Unmarshal(msg.payload, &ds))
	require.Equal(t, "joined", ds.State)
	require.Equal(t, "0x1234", ds.ShortAddr)
	require.Equal(t, "2026-01-02T03:04:05Z", ds.LastSeen)

	backend.events.Emit(stack.Event{
		Type: stack.EventDeviceLeft,
		Data: stack.DeviceEvent{ExtAddr: "00124B0000000002"},
	})
	msg, _ = fc.last("zb/devices/00124B0000000002")
	require.Empty(t, msg.payload, "left device topic not cleared")
}

func TestBridgeInfoRefresh(t *testing.T) {
	b, fc, backend := setupBridge(t, true)

	backend.events.Emit(stack.Event{Type: stack.EventNetworkState, Data: stack.NetworkStateEvent{State: "running"}})
	require.Eventually(t, func() bool {
		_, ok := fc.last("zb/bridge/info")
		return ok
	}, time.Second, 5*time.Millisecond)

	msg, _ := fc.last("zb/bridge/info")
	require.True(t, msg.retained)
	var info bridgeInfo
	require.NoError(t, json.Unmarshal(msg.payload, &info))
	require.Equal(t, "running", info.State)
	require.Equal(t, 1, info.Devices)
	require.Equal(t, uint8(3), *info.KeySeq)

	_, ok := fc.last("homeassistant/sensor/zigbee_stack_00124B0000000001/state/config")
	require.True(t, ok, "stack discovery not published")

	b.Stop()
	msg, _ = fc.last("zb/bridge/state")
	require.Equal(t, "offline", string(msg.payload))
	require.True(t, fc.disconnected)
}

func TestBridgeDeviceDiscovery(t *testing.T) {
	b, fc, backend := setupBridge(t, true)
	defer b.Stop()

	dev := stack.DeviceEvent{ExtAddr: "00124B0000000002", ShortAddr: "0x1234"}
	backend.events.Emit(stack.Event{Type: stack.EventDeviceJoined, Data: dev})
	backend.events.Emit(stack.Event{Type: stack.EventDeviceAnnounce, Data: dev})

	topic := "homeassistant/binary_sensor/zigbee_stack_00124B0000000002/connectivity/config"
	fc.mu.Lock()
	count := 0
	for _, m := range fc.msgs {
		if m.topic == topic {
			count++
		}
	}
	fc.mu.Unlock()
	if count != 1 {
		t.Errorf("discovery published %d times, want 1", count)
	}

	backend.events.Emit(stack.Event{Type: stack.EventDeviceLeft, Data: dev})
	msg, ok := fc.last(topic)
	require.True(t, ok)
	require.Empty(t, msg.payload, "discovery not removed")
}

func TestBridgeRequests(t *testing.T) {
	b, fc, backend := setupBridge(t, false)
	defer b.Stop()

	b.onConnect()
	require.Contains(t, fc.subs, "zb/bridge/request/+")

	b.handleRequest("permit_join", []byte(`{"duration": 90}`))
	require.Equal(t, []uint8{90}, backend.permit)

	b.handleRequest("rotate_key", nil)
	b.handleRequest("rotate_key", []byte(`{"key": "5A6967426565416C6C69616E63653039"}`))
	require.Len(t, backend.rotated, 2)
	require.True(t, backend.rotated[0].IsZero())
	require.Equal(t, security.DefaultTCLinkKey, backend.rotated[1])

	b.handleRequest("remove", []byte(`{"ext_addr": "00124B0000000002"}`))
	require.Equal(t, []mac.ExtAddr{0x00124B0000000002}, backend.removed)

	msg, ok := fc.last("zb/bridge/response/remove")
	require.True(t, ok)
	var resp response
	require.NoError(t, json.Unmarshal(msg.payload, &resp))
	require.Equal(t, "ok", resp.Status)

	backend.err = zdo.ErrNotRunning
	b.handleRequest("permit_join", []byte(`{"duration": 10}`))
	msg, _ = fc.last("zb/bridge/response/permit_join")
	require.NoError(t, json.Unmarshal(msg.payload, &resp))
	require.Equal(t, "error", resp.Status)
	require.Contains(t, resp.Error, zdo.ErrNotRunning.Error())

	backend.err = nil
	b.handleRequest("remove", []byte(`{"ext_addr": "xyz"}`))
	msg, _ = fc.last("zb/bridge/response/remove")
	require.NoError(t, json.Unmarshal(msg.payload, &resp))
	require.Equal(t, "error", resp.Status)
	require.Len(t, backend.removed, 1)
}

func TestStackDiscoveryPayload(t *testing.T) {
	seq := uint8(1)
	msgs := buildStackDiscovery(bridgeInfo{ExtAddr: "00124B0000000001", DeviceType: "coordinator", KeySeq: &seq}, "zb")
	require.Len(t, msgs, 6)

	var payload haDiscovery
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	if payload.UniqueID != "zigbee_stack_00124B0000000001_state" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "zb/bridge/info" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "zb/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.EntityCategory != "diagnostic" {
		t.Errorf("entity_category = %q", payload.EntityCategory)
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(func() {})); got != "{}" {
		t.Errorf("mustJSON(unmarshalable) = %s, want {}", got)
	}
}
